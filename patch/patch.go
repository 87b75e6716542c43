// Package patch implements the Patch Engine (C2): it parses the two patch
// formats a Builder may return (unified diff and structured-edit lists),
// enforces symbol-preservation and structural-sanity checks, and applies
// changes through the Workspace Gateway. No diff/patch-apply library
// appears in any example's go.mod, so parsing and application are
// hand-rolled; the overall parse → classify → apply → report pipeline
// shape is grounded on other_examples' kubectl-atomic-apply package
// (prepare plan, apply, all-or-nothing rollback).
package patch

// Patch is the sum type spec.md §9 calls for: a patch is either a unified
// diff or a structured-edit list, never both. Exactly one of the two
// fields is non-nil.
type Patch struct {
	UnifiedDiff     *UnifiedDiff
	StructuredEdits *StructuredEdits
}

// UnifiedDiff wraps a traditional textual diff against current file
// contents.
type UnifiedDiff struct {
	Text string
}

// StructuredEdits wraps an ordered sequence of typed file-level operations,
// chosen by the Builder when a phase touches many files or diff context
// windows become unreliable (spec §4.2).
type StructuredEdits struct {
	Ops []Op
}

// OpKind enumerates the structured-edit operation types.
type OpKind string

const (
	OpCreateFile OpKind = "create_file"
	OpModifyFile OpKind = "modify_file"
	OpDeleteFile OpKind = "delete_file"
	OpRenameFile OpKind = "rename_file"
)

// Op is one structured-edit operation. Fields used depend on Kind:
//
//	create_file: Path, Contents
//	modify_file: Path, Search, Replacement (Search must match exactly once)
//	delete_file: Path
//	rename_file: From, To
type Op struct {
	Kind        OpKind
	Path        string
	Contents    string
	Search      string
	Replacement string
	From        string
	To          string
}

// TargetPaths returns every workspace path this operation touches (the
// target path set of spec §4.2 step 2). Engine.Apply does not call it; it
// derives target paths from its resolved change set.
func (o Op) TargetPaths() []string {
	switch o.Kind {
	case OpRenameFile:
		return []string{o.From, o.To}
	case OpCreateFile, OpModifyFile, OpDeleteFile:
		return []string{o.Path}
	default:
		return nil
	}
}

// Flag is a non-fatal pipeline finding attached to an ApplyReport or
// surfaced to the Governance Decider (SymbolDeletion, StructuralDrift).
type Flag struct {
	Kind   FlagKind
	Path   string
	Detail string
}

// FlagKind enumerates the pipeline's non-fatal findings.
type FlagKind string

const (
	FlagSymbolDeletion  FlagKind = "SymbolDeletion"
	FlagStructuralDrift FlagKind = "StructuralDrift"
)

// ApplyReport is returned on successful application: files created,
// modified, deleted; symbols affected; lines added/deleted (spec §4.2 step
// 8).
type ApplyReport struct {
	Created  []string
	Modified []string
	Deleted  []string
	Renamed  []Rename

	SymbolsAffected []string
	LinesAdded      int
	LinesDeleted    int

	Flags []Flag

	SavePointID string
}

// Rename is one rename recorded on an ApplyReport.
type Rename struct {
	From string
	To   string
}

// NetDeletedLines returns LinesDeleted - LinesAdded, floored at zero,
// used by the Governance Decider's net-deletion thresholds (spec §4.4).
func (r *ApplyReport) NetDeletedLines() int {
	net := r.LinesDeleted - r.LinesAdded
	if net < 0 {
		return 0
	}
	return net
}

// AllPaths returns every workspace path the report touched, created,
// modified, deleted or renamed.
func (r *ApplyReport) AllPaths() []string {
	var out []string
	out = append(out, r.Created...)
	out = append(out, r.Modified...)
	out = append(out, r.Deleted...)
	for _, rn := range r.Renamed {
		out = append(out, rn.From, rn.To)
	}
	return out
}
