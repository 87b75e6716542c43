package patch

import (
	"strconv"
	"strings"

	"github.com/autopack-run/autopack/plan"
)

// fileDiff is one `diff --git a/... b/...` section of a unified diff,
// decomposed into ordered hunks.
type fileDiff struct {
	oldPath string
	newPath string
	isNew   bool
	isDelete bool
	isRename bool
	hunks   []hunk
}

type hunk struct {
	oldStart int
	lines    []hunkLine
}

type hunkLineKind byte

const (
	lineContext hunkLineKind = ' '
	lineAdd     hunkLineKind = '+'
	lineDel     hunkLineKind = '-'
)

type hunkLine struct {
	kind hunkLineKind
	text string
}

// parseUnifiedDiff splits raw unified-diff text into per-file sections. It
// accepts both the `diff --git` form and a bare `--- a\n+++ b\n@@ ... @@`
// single-file form.
func parseUnifiedDiff(text string) ([]fileDiff, error) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var files []fileDiff
	var cur *fileDiff

	flush := func() {
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	var i int
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &fileDiff{}
			i++
		case strings.HasPrefix(line, "new file mode"):
			if cur == nil {
				return nil, parseErr("new file mode outside a diff section")
			}
			cur.isNew = true
			i++
		case strings.HasPrefix(line, "deleted file mode"):
			if cur == nil {
				return nil, parseErr("deleted file mode outside a diff section")
			}
			cur.isDelete = true
			i++
		case strings.HasPrefix(line, "rename from "):
			if cur == nil {
				return nil, parseErr("rename from outside a diff section")
			}
			cur.isRename = true
			cur.oldPath = strings.TrimPrefix(line, "rename from ")
			i++
		case strings.HasPrefix(line, "rename to "):
			if cur == nil {
				return nil, parseErr("rename to outside a diff section")
			}
			cur.newPath = strings.TrimPrefix(line, "rename to ")
			i++
		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				cur = &fileDiff{}
			}
			cur.oldPath = stripDiffPrefix(strings.TrimPrefix(line, "--- "))
			i++
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, parseErr("+++ line without preceding --- line")
			}
			cur.newPath = stripDiffPrefix(strings.TrimPrefix(line, "+++ "))
			i++
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, parseErr("hunk header without a preceding file header")
			}
			h, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			cur.hunks = append(cur.hunks, h)
			i = next
		case strings.HasPrefix(line, "index "), line == "":
			i++
		default:
			// binary markers, "\ No newline at end of file", etc: skip.
			i++
		}
	}
	flush()

	for idx := range files {
		f := &files[idx]
		if f.oldPath == "/dev/null" {
			f.isNew = true
		}
		if f.newPath == "/dev/null" {
			f.isDelete = true
		}
	}
	if len(files) == 0 {
		return nil, parseErr("no file sections found in unified diff")
	}
	return files, nil
}

func stripDiffPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return p
	}
	if len(p) > 2 && (strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/")) {
		return p[2:]
	}
	return p
}

// parseHunk parses one "@@ -l,s +l,s @@" header plus its body lines,
// starting at lines[start], returning the hunk and the index of the next
// unconsumed line.
func parseHunk(lines []string, start int) (hunk, int, error) {
	header := lines[start]
	oldStart, _, ok := parseHunkRange(header, "-")
	if !ok {
		return hunk{}, 0, parseErr("malformed hunk header: " + header)
	}
	h := hunk{oldStart: oldStart}

	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if line == "" {
			i++
			continue
		}
		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "diff --git ") ||
			strings.HasPrefix(line, "--- ") {
			break
		}
		if strings.HasPrefix(line, `\ No newline`) {
			i++
			continue
		}
		kind := hunkLineKind(line[0])
		switch kind {
		case lineContext, lineAdd, lineDel:
			h.lines = append(h.lines, hunkLine{kind: kind, text: line[1:]})
		default:
			return hunk{}, 0, parseErr("malformed hunk line: " + line)
		}
		i++
	}
	return h, i, nil
}

// parseHunkRange extracts the start line number for the side marked by
// sign ("-" or "+") from a hunk header like "@@ -12,5 +14,6 @@ optional".
func parseHunkRange(header, sign string) (start, count int, ok bool) {
	fields := strings.Fields(header)
	for _, f := range fields {
		if strings.HasPrefix(f, sign) && len(f) > 1 {
			body := f[1:]
			parts := strings.SplitN(body, ",", 2)
			n, err := strconv.Atoi(parts[0])
			if err != nil {
				return 0, 0, false
			}
			c := 1
			if len(parts) == 2 {
				c, err = strconv.Atoi(parts[1])
				if err != nil {
					return 0, 0, false
				}
			}
			return n, c, true
		}
	}
	return 0, 0, false
}

func parseErr(detail string) error {
	return plan.New(plan.PatchParseError, detail)
}

// applyHunks reconstructs the new file content by applying fd's hunks, in
// order, against original (the current file contents split into lines).
// It returns an ApplyConflict error if a hunk's context/deletion lines do
// not match the corresponding region of original.
func applyHunks(fd fileDiff, original string) (string, int, int, error) {
	origLines := splitLinesKeepEmpty(original)
	var out []string
	cursor := 0 // 0-based index into origLines already consumed
	added, deleted := 0, 0

	for _, h := range fd.hunks {
		target := h.oldStart - 1
		if h.oldStart == 0 {
			target = 0 // "@@ -0,0 ..." marks a brand-new file: nothing precedes the hunk.
		}
		if target < cursor || target > len(origLines) {
			return "", 0, 0, plan.New(plan.ApplyConflict, "hunk start out of range").WithPath(fd.newPath)
		}
		out = append(out, origLines[cursor:target]...)
		cursor = target

		for _, hl := range h.lines {
			switch hl.kind {
			case lineContext:
				if cursor >= len(origLines) || origLines[cursor] != hl.text {
					return "", 0, 0, plan.New(plan.ApplyConflict, "context mismatch").WithPath(fd.newPath)
				}
				out = append(out, origLines[cursor])
				cursor++
			case lineDel:
				if cursor >= len(origLines) || origLines[cursor] != hl.text {
					return "", 0, 0, plan.New(plan.ApplyConflict, "deletion mismatch").WithPath(fd.newPath)
				}
				cursor++
				deleted++
			case lineAdd:
				out = append(out, hl.text)
				added++
			}
		}
	}
	out = append(out, origLines[cursor:]...)
	return strings.Join(out, "\n"), added, deleted, nil
}

func splitLinesKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
