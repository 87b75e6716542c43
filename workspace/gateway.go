// Package workspace implements the Workspace Gateway (C1): the sole path
// through which Autopack's file tree is read or mutated. It classifies
// every target path as protected/scoped/out-of-scope, produces git-backed
// save points, and performs byte-exact rollbacks.
//
// Save points are realized as git tree objects: create_save_point stages
// the working tree (including untracked files) with `git add -A` and
// captures the resulting tree hash via `git write-tree`; rollback_to resets
// the working tree and index to that tree with `git read-tree --reset -u`.
// No Go git library appears anywhere in the example pack, so the
// tree-level plumbing itself necessarily shells out to the `git` binary
// (see DESIGN.md); the classification, locking, and reporting logic around
// it is regular Go.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/telemetry"
)

// PathClass is the classification Classify returns for a workspace-relative
// path.
type PathClass string

const (
	ClassProtected  PathClass = "protected"
	ClassInScope    PathClass = "in-scope"
	ClassOutOfScope PathClass = "out-of-scope"
)

// Gateway is the Workspace Gateway. One Gateway instance owns one run's
// working directory (its own checkout/worktree, per spec §5's cross-run
// isolation model) and serializes all mutations to it with a per-run mutex.
type Gateway struct {
	root           string
	globalProtected []string
	telemetry      telemetry.Bundle

	mu sync.Mutex

	// exceptions holds one-shot exception tokens, keyed by path, granted by
	// the Approval Broker for the current attempt. Consumed on first use.
	exceptions map[string]*plan.ExceptionToken
}

// Options configures a new Gateway.
type Options struct {
	Root             string
	GlobalProtected  []string // global protected-path prefixes (spec §4.1)
	Telemetry        telemetry.Bundle
}

// New constructs a Gateway rooted at opts.Root. The global protected set
// (version-control metadata, the run-artifact root, the primary database
// file, and the governance module's own source) is unioned with
// opts.GlobalProtected.
func New(opts Options) *Gateway {
	protected := append([]string{
		".git/", ".autopack/", "autopack.db", "governance/",
	}, opts.GlobalProtected...)
	tb := opts.Telemetry
	if tb.Logger == nil {
		tb = telemetry.Noop()
	}
	return &Gateway{
		root:            opts.Root,
		globalProtected: dedupe(protected),
		telemetry:       tb,
		exceptions:      map[string]*plan.ExceptionToken{},
	}
}

// Classify reports whether path is protected, in-scope, or out-of-scope for
// the given phase. Per-phase protected_paths are unioned with the global
// set (spec §4.1).
func (g *Gateway) Classify(path string, ph *plan.Phase) PathClass {
	path = normalize(path)
	for _, prefix := range g.globalProtected {
		if matchesPrefix(path, prefix) {
			return ClassProtected
		}
	}
	if ph != nil {
		for _, prefix := range ph.ProtectedPaths {
			if matchesPrefix(path, prefix) {
				return ClassProtected
			}
		}
		for _, prefix := range ph.ScopePaths {
			if matchesPrefix(path, prefix) {
				return ClassInScope
			}
		}
	}
	return ClassOutOfScope
}

// GrantException records a one-shot exception token for a path, issued by
// the Approval Broker on human approval. The next Write/Delete/Rename call
// touching that exact path consumes it.
func (g *Gateway) GrantException(tok *plan.ExceptionToken) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exceptions[normalize(tok.Path)] = tok
}

func (g *Gateway) consumeException(path string) *plan.ExceptionToken {
	path = normalize(path)
	tok, ok := g.exceptions[path]
	if !ok {
		return nil
	}
	delete(g.exceptions, path)
	return tok
}

// Exists reports whether path is present in the working tree right now.
// Used by the Phase Finalizer's deliverable-existence check (spec §4.9),
// which deliberately checks the filesystem rather than trusting a patch's
// claimed file list.
func (g *Gateway) Exists(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := os.Stat(g.abs(path))
	return err == nil
}

// Read returns the contents of path, or plan.ErrNotFound if it does not
// exist.
func (g *Gateway) Read(path string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := os.ReadFile(g.abs(path))
	if os.IsNotExist(err) {
		return nil, plan.ErrNotFound
	}
	if err != nil {
		return nil, plan.Wrap(plan.WorkspaceIOError, "read failed", err).WithPath(path)
	}
	return data, nil
}

// Write writes bytes to path, mediated by Classify. A call that would touch
// a protected path fails with ProtectedPathViolation unless a matching
// exception-token is currently granted.
func (g *Gateway) Write(path string, data []byte, ph *plan.Phase) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.authorize(path, ph); err != nil {
		return err
	}
	full := g.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "mkdir failed", err).WithPath(path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "write failed", err).WithPath(path)
	}
	return nil
}

// Delete removes path, mediated by Classify the same way Write is.
func (g *Gateway) Delete(path string, ph *plan.Phase) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.authorize(path, ph); err != nil {
		return err
	}
	if err := os.Remove(g.abs(path)); err != nil && !os.IsNotExist(err) {
		return plan.Wrap(plan.WorkspaceIOError, "delete failed", err).WithPath(path)
	}
	return nil
}

// Rename moves from to to. A rename counts as a delete of the source and a
// write at the destination for classification purposes (spec §4.1).
func (g *Gateway) Rename(from, to string, ph *plan.Phase) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.authorize(from, ph); err != nil {
		return err
	}
	if err := g.authorize(to, ph); err != nil {
		return err
	}
	full := g.abs(to)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "mkdir failed", err).WithPath(to)
	}
	if err := os.Rename(g.abs(from), full); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "rename failed", err).WithPath(from)
	}
	return nil
}

// authorize must be called with g.mu held.
func (g *Gateway) authorize(path string, ph *plan.Phase) error {
	class := g.Classify(path, ph)
	switch class {
	case ClassProtected:
		if tok := g.consumeException(path); tok != nil {
			return nil
		}
		return plan.New(plan.ProtectedPathViolation, "protected path write without exception-token").WithPath(path)
	default:
		return nil
	}
}

// CreateSavePoint stages the entire working tree (tracked, modified, and
// untracked files) and captures its git tree hash. Save-point creation
// strictly precedes any write in the attempt (spec §5).
func (g *Gateway) CreateSavePoint(ctx context.Context, phaseID string, attempt int) (*plan.SavePoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, "add", "-A"); err != nil {
		return nil, plan.Wrap(plan.WorkspaceIOError, "git add -A failed", err)
	}
	out, err := g.git(ctx, "write-tree")
	if err != nil {
		return nil, plan.Wrap(plan.WorkspaceIOError, "git write-tree failed", err)
	}
	tree := strings.TrimSpace(out)

	sp := &plan.SavePoint{
		ID:        tree, // the tree hash is itself a stable, content-addressed id
		PhaseID:   phaseID,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}
	g.telemetry.Logger.Debug(ctx, "save point created", "phase", phaseID, "attempt", attempt, "tree", tree)
	g.telemetry.Metrics.IncCounter("workspace.save_point.created", 1)
	return sp, nil
}

// RollbackTo restores the workspace exactly to sp's state. Fails only on
// I/O errors, which are fatal to the enclosing attempt (spec §4.1).
func (g *Gateway) RollbackTo(ctx context.Context, sp *plan.SavePoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, "read-tree", "--reset", "-u", sp.ID); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "rollback failed", err).WithPath(sp.ID)
	}
	// read-tree --reset -u updates tracked paths but leaves files that were
	// untracked at rollback time and are not part of the target tree; clean
	// them so the restore is byte-exact, matching save-point semantics.
	if _, err := g.git(ctx, "clean", "-fd"); err != nil {
		return plan.Wrap(plan.WorkspaceIOError, "rollback clean failed", err).WithPath(sp.ID)
	}
	sp.Consumed = true
	g.telemetry.Logger.Debug(ctx, "rolled back", "tree", sp.ID)
	g.telemetry.Metrics.IncCounter("workspace.rollback", 1)
	return nil
}

func (g *Gateway) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (g *Gateway) abs(path string) string {
	return filepath.Join(g.root, normalize(path))
}

func normalize(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
}

func matchesPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(normalize(prefix), "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
