package patch

import (
	"context"
	"strings"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
	"github.com/autopack-run/autopack/workspace"
)

// Engine applies Patches through a Gateway, enforcing the pipeline spec §4.2
// describes: classify every target path, flag symbol deletions and
// structural drift, save-point, apply atomically, and report.
type Engine struct {
	gateway    *workspace.Gateway
	governance config.Governance
	telemetry  telemetry.Bundle
}

// Options configures a new Engine.
type Options struct {
	Gateway    *workspace.Gateway
	Governance config.Governance
	Telemetry  telemetry.Bundle
}

// New constructs an Engine bound to a Workspace Gateway.
func New(opts Options) *Engine {
	tb := opts.Telemetry
	if tb.Logger == nil {
		tb = telemetry.Noop()
	}
	return &Engine{
		gateway:    opts.Gateway,
		governance: opts.Governance,
		telemetry:  tb,
	}
}

// changeKind is the normalized action a single file undergoes, once both
// patch representations (unified diff, structured edits) have been
// resolved against the current workspace contents.
type changeKind int

const (
	changeCreate changeKind = iota
	changeModify
	changeDelete
	changeRename
)

// change is the normalized, fully-resolved effect on one file: final
// content already computed, ready to write without re-deriving it from a
// diff or a search/replace pair.
type change struct {
	kind       changeKind
	path       string // for rename, the destination path
	renameFrom string
	oldContent string // "" if the file did not previously exist
	newContent string // unused for delete
}

// Apply runs the full pipeline for one patch against one phase's attempt:
// resolve to a normalized change set, classify every target path, flag
// symbol deletions and structural drift, save-point, apply atomically, and
// report. On any classification or resolution failure it returns early
// without writing anything. On an I/O failure mid-apply it rolls back to
// the save point it just created, so a failed Apply call never leaves the
// workspace partially mutated.
func (e *Engine) Apply(ctx context.Context, ph *plan.Phase, p Patch, attempt int) (*ApplyReport, error) {
	changes, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(changes, ph); err != nil {
		return nil, err
	}

	report := &ApplyReport{}
	for _, c := range changes {
		report.Flags = append(report.Flags, e.flag(c)...)
	}

	sp, err := e.gateway.CreateSavePoint(ctx, ph.ID, attempt)
	if err != nil {
		return nil, err
	}
	report.SavePointID = sp.ID

	if err := e.write(changes, ph, report); err != nil {
		if rbErr := e.gateway.RollbackTo(ctx, sp); rbErr != nil {
			e.telemetry.Logger.Error(ctx, "rollback after failed apply also failed", "error", rbErr)
		}
		return nil, err
	}

	e.telemetry.Metrics.IncCounter("patch.applied", 1)
	return report, nil
}

// resolve converts either patch representation into a normalized change
// set, reading current file contents from the gateway as needed.
func (e *Engine) resolve(p Patch) ([]change, error) {
	switch {
	case p.StructuredEdits != nil:
		return e.resolveStructured(p.StructuredEdits.Ops)
	case p.UnifiedDiff != nil:
		return e.resolveUnified(p.UnifiedDiff.Text)
	default:
		return nil, plan.New(plan.PatchParseError, "patch carries neither a unified diff nor structured edits")
	}
}

func (e *Engine) resolveStructured(ops []Op) ([]change, error) {
	var changes []change
	for _, op := range ops {
		switch op.Kind {
		case OpCreateFile:
			changes = append(changes, change{kind: changeCreate, path: op.Path, newContent: op.Contents})
		case OpDeleteFile:
			old, err := e.readOrEmpty(op.Path)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{kind: changeDelete, path: op.Path, oldContent: old})
		case OpRenameFile:
			old, err := e.readOrEmpty(op.From)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{kind: changeRename, path: op.To, renameFrom: op.From, oldContent: old, newContent: old})
		case OpModifyFile:
			old, err := e.gateway.Read(op.Path)
			if err != nil {
				return nil, err
			}
			updated, ok := applySearchReplace(string(old), op.Search, op.Replacement)
			if !ok {
				return nil, plan.New(plan.ApplyConflict, "search text not found or not unique").WithPath(op.Path)
			}
			changes = append(changes, change{kind: changeModify, path: op.Path, oldContent: string(old), newContent: updated})
		default:
			return nil, plan.New(plan.PatchParseError, "unrecognized structured-edit operation").WithPath(op.Path)
		}
	}
	return changes, nil
}

func (e *Engine) resolveUnified(text string) ([]change, error) {
	files, err := parseUnifiedDiff(text)
	if err != nil {
		return nil, err
	}
	var changes []change
	for _, fd := range files {
		switch {
		case fd.isNew:
			newSrc, _, _, err := applyHunks(fd, "")
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{kind: changeCreate, path: fd.newPath, newContent: newSrc})
		case fd.isDelete:
			old, err := e.readOrEmpty(fd.oldPath)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{kind: changeDelete, path: fd.oldPath, oldContent: old})
		case fd.isRename && len(fd.hunks) == 0:
			old, err := e.readOrEmpty(fd.oldPath)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change{kind: changeRename, path: fd.newPath, renameFrom: fd.oldPath, oldContent: old, newContent: old})
		default:
			old, err := e.gateway.Read(fd.oldPath)
			if err != nil {
				return nil, err
			}
			newSrc, _, _, err := applyHunks(fd, string(old))
			if err != nil {
				return nil, err
			}
			path := fd.newPath
			if path == "" {
				path = fd.oldPath
			}
			changes = append(changes, change{kind: changeModify, path: path, oldContent: string(old), newContent: newSrc})
		}
	}
	return changes, nil
}

func (e *Engine) readOrEmpty(path string) (string, error) {
	data, err := e.gateway.Read(path)
	if err == plan.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// authorize checks Classify for every target path up front so a patch
// touching even one out-of-scope path is rejected before any file is
// modified (spec §4.2: classification precedes application). Protected
// paths are left to the Gateway's own mediation during write, since that
// is where exception-token consumption lives.
func (e *Engine) authorize(changes []change, ph *plan.Phase) error {
	for _, c := range changes {
		paths := []string{c.path}
		if c.kind == changeRename {
			paths = append(paths, c.renameFrom)
		}
		for _, path := range paths {
			if class := e.gateway.Classify(path, ph); class == workspace.ClassOutOfScope {
				return plan.New(plan.ScopeViolation, "path outside phase scope").WithPath(path)
			}
		}
	}
	return nil
}

// flag runs the symbol-preservation and structural-similarity checks for
// one change, returning any findings the Governance Decider should see.
func (e *Engine) flag(c change) []Flag {
	if c.kind != changeModify && c.kind != changeDelete {
		return nil
	}
	var flags []Flag
	for _, sym := range deletedSymbols(c.oldContent, c.newContent) {
		flags = append(flags, Flag{Kind: FlagSymbolDeletion, Path: c.path, Detail: sym})
	}
	if sim := structuralSimilarity(c.oldContent, c.newContent); sim < e.governance.StructuralSimilarityMin {
		flags = append(flags, Flag{Kind: FlagStructuralDrift, Path: c.path, Detail: "similarity below threshold"})
	}
	return flags
}

func (e *Engine) write(changes []change, ph *plan.Phase, report *ApplyReport) error {
	for _, c := range changes {
		switch c.kind {
		case changeCreate:
			if err := e.gateway.Write(c.path, []byte(c.newContent), ph); err != nil {
				return err
			}
			report.Created = append(report.Created, c.path)
			report.LinesAdded += countLines(c.newContent)
		case changeModify:
			if err := e.gateway.Write(c.path, []byte(c.newContent), ph); err != nil {
				return err
			}
			report.Modified = append(report.Modified, c.path)
			added, deleted := lineDelta(c.oldContent, c.newContent)
			report.LinesAdded += added
			report.LinesDeleted += deleted
			report.SymbolsAffected = append(report.SymbolsAffected, deletedSymbols(c.oldContent, c.newContent)...)
		case changeDelete:
			if err := e.gateway.Delete(c.path, ph); err != nil {
				return err
			}
			report.Deleted = append(report.Deleted, c.path)
			report.LinesDeleted += countLines(c.oldContent)
			report.SymbolsAffected = append(report.SymbolsAffected, extractSymbols(c.oldContent)...)
		case changeRename:
			if err := e.gateway.Rename(c.renameFrom, c.path, ph); err != nil {
				return err
			}
			report.Renamed = append(report.Renamed, Rename{From: c.renameFrom, To: c.path})
		}
	}
	return nil
}

// applySearchReplace replaces the unique occurrence of search in src with
// replacement. Returns ok=false if search occurs zero or more than once,
// matching spec §4.2's "search must match exactly once" rule.
func applySearchReplace(src, search, replacement string) (string, bool) {
	if search == "" {
		return "", false
	}
	if strings.Count(src, search) != 1 {
		return "", false
	}
	return strings.Replace(src, search, replacement, 1), true
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func lineDelta(old, updated string) (added, deleted int) {
	oldSet := map[string]int{}
	for _, l := range splitLinesKeepEmpty(old) {
		oldSet[l]++
	}
	newSet := map[string]int{}
	for _, l := range splitLinesKeepEmpty(updated) {
		newSet[l]++
	}
	for l, n := range newSet {
		if d := n - oldSet[l]; d > 0 {
			added += d
		}
	}
	for l, n := range oldSet {
		if d := n - newSet[l]; d > 0 {
			deleted += d
		}
	}
	return
}
