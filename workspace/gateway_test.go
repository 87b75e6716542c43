package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/plan"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "test@autopack.dev")
	run("config", "user.name", "autopack-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func testPhase() *plan.Phase {
	return &plan.Phase{
		ScopePaths:     []string{"src/"},
		ProtectedPaths: []string{"src/secrets/"},
	}
}

func TestClassify(t *testing.T) {
	g := New(Options{Root: newTestRepo(t)})
	ph := testPhase()

	require.Equal(t, ClassInScope, g.Classify("src/lib/foo.go", ph))
	require.Equal(t, ClassProtected, g.Classify("src/secrets/key.pem", ph))
	require.Equal(t, ClassProtected, g.Classify(".git/config", ph))
	require.Equal(t, ClassOutOfScope, g.Classify("README.md", ph))
}

func TestWriteRejectsProtectedPathWithoutException(t *testing.T) {
	g := New(Options{Root: newTestRepo(t)})
	ph := testPhase()

	err := g.Write("src/secrets/key.pem", []byte("secret"), ph)
	require.Error(t, err)
	code, ok := plan.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, plan.ProtectedPathViolation, code)
}

func TestWriteAllowedWithExceptionToken(t *testing.T) {
	g := New(Options{Root: newTestRepo(t)})
	ph := testPhase()

	g.GrantException(&plan.ExceptionToken{Path: "src/secrets/key.pem", RequestID: "req-1"})
	err := g.Write("src/secrets/key.pem", []byte("secret"), ph)
	require.NoError(t, err)

	// the token is one-shot: a second write to the same path fails again.
	err = g.Write("src/secrets/key.pem", []byte("secret2"), ph)
	require.Error(t, err)
}

func TestSavePointRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := newTestRepo(t)
	g := New(Options{Root: root})
	ph := testPhase()

	sp, err := g.CreateSavePoint(ctx, "phase-1", 1)
	require.NoError(t, err)

	require.NoError(t, g.Write("src/lib/new.go", []byte("package lib"), ph))
	require.NoError(t, os.WriteFile(filepath.Join(root, "untracked.txt"), []byte("x"), 0o644))

	data, err := g.Read("src/lib/new.go")
	require.NoError(t, err)
	require.Equal(t, "package lib", string(data))

	require.NoError(t, g.RollbackTo(ctx, sp))

	_, err = g.Read("src/lib/new.go")
	require.ErrorIs(t, err, plan.ErrNotFound)
	_, err = os.Stat(filepath.Join(root, "untracked.txt"))
	require.True(t, os.IsNotExist(err))
	require.True(t, sp.Consumed)
}

func TestRenameCountsAsDeleteAndWrite(t *testing.T) {
	root := newTestRepo(t)
	g := New(Options{Root: root})
	ph := testPhase()

	require.NoError(t, g.Write("src/lib/old.go", []byte("x"), ph))
	err := g.Rename("src/lib/old.go", "src/secrets/old.go", ph)
	require.Error(t, err)
	code, _ := plan.CodeOf(err)
	require.Equal(t, plan.ProtectedPathViolation, code)
}
