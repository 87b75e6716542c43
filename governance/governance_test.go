package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/config"
	"github.com/autopack-run/autopack/patch"
)

func testConfig() config.Governance {
	return config.Default().Governance
}

func TestDecideProtectedPathDeniesRegardlessOfOtherFlags(t *testing.T) {
	d := Decide(context.Background(), Input{
		ProtectedPathViolation: true,
		ScopeViolation:         true,
		NetDeletedLines:        1000,
	}, testConfig())
	require.Equal(t, VerdictDeny, d.Verdict)
	require.Equal(t, ReasonProtectedPath, d.Reason)
}

func TestDecideScopeViolationRequiresApproval(t *testing.T) {
	d := Decide(context.Background(), Input{ScopeViolation: true}, testConfig())
	require.Equal(t, VerdictRequireApproval, d.Verdict)
	require.Equal(t, ReasonScopeException, d.Reason)
}

func TestDecideHardDeletionThresholdDenies(t *testing.T) {
	cfg := testConfig()
	d := Decide(context.Background(), Input{NetDeletedLines: cfg.DeletionDenyThresholdLines + 1}, cfg)
	require.Equal(t, VerdictDeny, d.Verdict)
	require.Equal(t, ReasonHardDeletion, d.Reason)
}

func TestDecideApprovalDeletionThreshold(t *testing.T) {
	cfg := testConfig()
	d := Decide(context.Background(), Input{NetDeletedLines: cfg.DeletionApprovalThresholdLines + 1}, cfg)
	require.Equal(t, VerdictRequireApproval, d.Verdict)
	require.Equal(t, ReasonLargeDeletion, d.Reason)
}

func TestDecideApprovalDeletionThresholdExactBoundaryRequiresApproval(t *testing.T) {
	cfg := testConfig()
	d := Decide(context.Background(), Input{NetDeletedLines: cfg.DeletionApprovalThresholdLines}, cfg)
	require.Equal(t, VerdictRequireApproval, d.Verdict, "deletion of exactly the threshold must trigger approval, not allow")
	require.Equal(t, ReasonLargeDeletion, d.Reason)
}

func TestDecideStructuralDriftRequiresApproval(t *testing.T) {
	d := Decide(context.Background(), Input{
		Flags: []patch.Flag{{Kind: patch.FlagStructuralDrift, Path: "foo.go"}},
	}, testConfig())
	require.Equal(t, VerdictRequireApproval, d.Verdict)
	require.Equal(t, ReasonStructuralDrift, d.Reason)
}

func TestDecideSymbolDeletionRequiresApproval(t *testing.T) {
	d := Decide(context.Background(), Input{
		Flags: []patch.Flag{{Kind: patch.FlagSymbolDeletion, Path: "foo.go", Detail: "Old"}},
	}, testConfig())
	require.Equal(t, VerdictRequireApproval, d.Verdict)
	require.Equal(t, ReasonSymbolDeletion, d.Reason)
}

func TestDecideAllowsCleanPatch(t *testing.T) {
	d := Decide(context.Background(), Input{}, testConfig())
	require.Equal(t, VerdictAllow, d.Verdict)
}

func TestDecidePriorityOrderProtectedBeatsDeletion(t *testing.T) {
	cfg := testConfig()
	d := Decide(context.Background(), Input{
		ProtectedPathViolation: true,
		NetDeletedLines:        cfg.DeletionDenyThresholdLines + 1,
	}, cfg)
	require.Equal(t, ReasonProtectedPath, d.Reason, "protected-path is rule 1 and must win over the deletion-threshold rules")
}
