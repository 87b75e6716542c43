package patch

import "regexp"

// topLevelSymbol matches a top-level declaration across the handful of
// languages Autopack targets: Go funcs/types, Python defs/classes, and
// JS/TS exported functions/classes. It is intentionally conservative — a
// heuristic for flagging, not a parser.
var topLevelSymbol = regexp.MustCompile(
	`^(?:func\s+(?:\([^)]*\)\s*)?(\w+)|type\s+(\w+)\s|def\s+(\w+)\s*\(|class\s+(\w+)|export\s+(?:async\s+)?function\s+(\w+)|export\s+class\s+(\w+))`,
)

// extractSymbols returns the names of every top-level symbol declared in
// src, in order of appearance.
func extractSymbols(src string) []string {
	var names []string
	for _, line := range splitLinesKeepEmpty(src) {
		m := topLevelSymbol.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, g := range m[1:] {
			if g != "" {
				names = append(names, g)
				break
			}
		}
	}
	return names
}

// deletedSymbols returns the symbols present in oldSrc but absent from
// newSrc — candidates for a SymbolDeletion flag.
func deletedSymbols(oldSrc, newSrc string) []string {
	have := map[string]bool{}
	for _, s := range extractSymbols(newSrc) {
		have[s] = true
	}
	var gone []string
	for _, s := range extractSymbols(oldSrc) {
		if !have[s] {
			gone = append(gone, s)
		}
	}
	return gone
}

// skeleton reduces src to its structural shape: the ordered sequence of
// top-level declaration lines, with every other line (multi-line bodies,
// comments, blank lines) dropped. Each declaration line is kept whole, so a
// changed signature, or a body written on the declaration line itself,
// counts as a structural change.
func skeleton(src string) []string {
	var sk []string
	for _, line := range splitLinesKeepEmpty(src) {
		m := topLevelSymbol.FindStringSubmatch(line)
		if m != nil {
			sk = append(sk, line)
		}
	}
	return sk
}

// structuralSimilarity returns the fraction of oldSrc's skeleton lines
// that also appear in newSrc's skeleton, in [0,1]. 1.0 means newSrc's
// structural shape is a superset of oldSrc's (pure addition); low values
// mean the patch reshaped the file's declaration structure.
func structuralSimilarity(oldSrc, newSrc string) float64 {
	oldSk := skeleton(oldSrc)
	if len(oldSk) == 0 {
		return 1.0
	}
	newSet := map[string]bool{}
	for _, l := range skeleton(newSrc) {
		newSet[l] = true
	}
	kept := 0
	for _, l := range oldSk {
		if newSet[l] {
			kept++
		}
	}
	return float64(kept) / float64(len(oldSk))
}
