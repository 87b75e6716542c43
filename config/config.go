// Package config holds the typed configuration structs for every tunable
// named in spec.md §6, assembled from environment variables with optional
// YAML file overrides. Components take a typed Config field, not a raw
// string map, matching the teacher's pattern of typed Options structs
// assembled in cmd/*/main.go.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Retry holds the Phase Orchestrator's retry/escalation tunables.
type Retry struct {
	MaxAttemptsPerPhase int `yaml:"max_attempts_per_phase"`
	AttemptsPerTier     int `yaml:"attempts_per_tier"`
}

// Replan holds the Re-plan Trigger's tunables.
type Replan struct {
	MaxReplansPerPhase      int           `yaml:"max_replans_per_phase"`
	MaxReplansPerRun        int           `yaml:"max_replans_per_run"`
	SimilarityThreshold     float64       `yaml:"replan_similarity_threshold"`
	MinConsecutive          int           `yaml:"replan_min_consecutive"`
	FatalErrorTypes         []string      `yaml:"fatal_error_types"`
	ResetsEscalationLevel   bool          `yaml:"replan_resets_escalation_level"`
}

// Doctor holds the Doctor's eligibility/budget tunables.
type Doctor struct {
	MinAttemptsBeforeDoctor        int     `yaml:"min_attempts_before_doctor"`
	MaxPerPhase                    int     `yaml:"doctor_max_per_phase"`
	MaxPerRun                      int     `yaml:"doctor_max_per_run"`
	StrongMaxPerRun                int     `yaml:"doctor_strong_max_per_run"`
	MaxBuilderAttemptsBeforeComplex int    `yaml:"max_builder_attempts_before_complex"`
	ConfidenceThreshold             float64 `yaml:"doctor_confidence_threshold"`
	NearLimitRatio                  float64 `yaml:"doctor_near_limit_ratio"`
}

// Approval holds the Approval Broker's timeout tunables.
type Approval struct {
	TimeoutSeconds   int    `yaml:"approval_timeout_seconds"`
	DefaultOnTimeout string `yaml:"approval_default_on_timeout"` // "approve" | "reject"
	SweepInterval    time.Duration
}

// Governance holds the Governance Decider's thresholds.
type Governance struct {
	DeletionApprovalThresholdLines int     `yaml:"deletion_approval_threshold_lines"`
	DeletionDenyThresholdLines     int     `yaml:"deletion_deny_threshold_lines"`
	StructuralSimilarityMin        float64 `yaml:"structural_similarity_min"`
	ProtectedPaths                 []string `yaml:"protected_paths"`
}

// Patch holds Patch Engine thresholds.
type Patch struct {
	LargeScopeStructuredEditThresholdFiles int `yaml:"large_scope_structured_edit_threshold_files"`
	SymbolDeletionLineThreshold            int `yaml:"symbol_deletion_line_threshold"`
}

// Context holds the per-attempt context-budget tunable (provider-dependent).
type Context struct {
	TokenBudgetPerAttempt int `yaml:"context_token_budget_per_attempt"`
}

// Learning holds the Learning Store's promotion tunable.
type Learning struct {
	PromotionMinOccurrences int `yaml:"learning_promotion_min_occurrences"`
}

// Run holds the Run Orchestrator's cross-phase budget tunables (spec §4.11:
// "Run-level counters ... if any hard budget is exceeded, the current phase
// is paused ... and the run is marked paused").
type Run struct {
	TokenBudget         int64         `yaml:"run_token_budget"`
	WallclockBudget     time.Duration `yaml:"run_wallclock_budget"`
	PhaseTimeout        time.Duration `yaml:"phase_timeout"`
	TaskQueue           string        `yaml:"task_queue"`
}

// Postgres holds the connection tunables for the store package's run/phase
// persistence.
type Postgres struct {
	DSN          string `yaml:"postgres_dsn"`
	MaxOpenConns int    `yaml:"postgres_max_open_conns"`
	MaxIdleConns int    `yaml:"postgres_max_idle_conns"`
}

// Redis holds the connection settings for the Approval Broker's backing
// store (spec §4.5).
type Redis struct {
	Addr     string `yaml:"redis_addr"`
	Password string `yaml:"redis_password"`
}

// Mongo holds the connection settings for the Learning Store (C6). Left
// empty, cmd/autopackd falls back to learning.NewMemoryStore.
type Mongo struct {
	URI      string `yaml:"mongo_uri"`
	Database string `yaml:"mongo_database"`
}

// Temporal holds the Run/Phase Orchestrators' Temporal connection and
// task-queue settings.
type Temporal struct {
	HostPort  string `yaml:"temporal_host_port"`
	Namespace string `yaml:"temporal_namespace"`
}

// LLM holds which provider backs the Builder/Auditor/Doctor/Re-plan
// collaborators and that provider's model identifiers (spec §6: the core
// never sees these, only cmd/autopackd's composition root does).
type LLM struct {
	Provider    string `yaml:"llm_provider"` // "anthropic" | "openai" | "bedrock"
	APIKey      string `yaml:"llm_api_key"`
	CheapModel  string `yaml:"llm_cheap_model"`
	MidModel    string `yaml:"llm_mid_model"`
	StrongModel string `yaml:"llm_strong_model"`
	Region      string `yaml:"llm_region"` // bedrock only

	// InitialTPM and MaxTPM bound the adaptive rate limiter shared by every
	// collaborator built from this provider (agent/ratelimit). InitialTPM
	// of zero lets the limiter apply its own conservative default.
	InitialTPM float64 `yaml:"llm_initial_tpm"`
	MaxTPM     float64 `yaml:"llm_max_tpm"`
}

// Workspace holds the Workspace Gateway's root directory.
type Workspace struct {
	Root string `yaml:"workspace_root"`
}

// TestRun selects the Test Runner's harness. A non-empty RemoteAddr
// dials an out-of-process testrun/remote.Harness over gRPC instead of
// running go test in-process (testrun.GoTestHarness) — for build
// environments where the harness cannot share the orchestrator's
// process (a different language runtime, a sandboxed executor).
type TestRun struct {
	RemoteAddr string `yaml:"testrun_remote_addr"`
}

// Config is the full set of tunables consumed by the core components.
type Config struct {
	Retry      Retry      `yaml:"retry"`
	Replan     Replan     `yaml:"replan"`
	Doctor     Doctor     `yaml:"doctor"`
	Approval   Approval   `yaml:"approval"`
	Governance Governance `yaml:"governance"`
	Patch      Patch      `yaml:"patch"`
	Context    Context    `yaml:"context"`
	Learning   Learning   `yaml:"learning"`
	Run        Run        `yaml:"run"`
	Postgres   Postgres   `yaml:"postgres"`
	Redis      Redis      `yaml:"redis"`
	Mongo      Mongo      `yaml:"mongo"`
	Temporal   Temporal   `yaml:"temporal"`
	LLM        LLM        `yaml:"llm"`
	Workspace  Workspace  `yaml:"workspace"`
	TestRun    TestRun    `yaml:"testrun"`
}

// Default returns the configuration with every default named in spec.md §6.
func Default() Config {
	return Config{
		Retry: Retry{
			MaxAttemptsPerPhase: 5,
			AttemptsPerTier:     2,
		},
		Replan: Replan{
			MaxReplansPerPhase:    1,
			MaxReplansPerRun:      5,
			SimilarityThreshold:   0.8,
			MinConsecutive:        2,
			FatalErrorTypes:       []string{"wrong-tech-stack", "schema-mismatch"},
			ResetsEscalationLevel: true,
		},
		Doctor: Doctor{
			MinAttemptsBeforeDoctor:         2,
			MaxPerPhase:                     2,
			MaxPerRun:                       10,
			StrongMaxPerRun:                 5,
			MaxBuilderAttemptsBeforeComplex: 4,
			ConfidenceThreshold:             0.5,
			NearLimitRatio:                  0.8,
		},
		Approval: Approval{
			TimeoutSeconds:   900,
			DefaultOnTimeout: "reject",
			SweepInterval:    5 * time.Second,
		},
		Governance: Governance{
			DeletionApprovalThresholdLines: 200,
			DeletionDenyThresholdLines:     500,
			StructuralSimilarityMin:        0.6,
			ProtectedPaths: []string{
				".git/", ".autopack/", "autopack.db", "governance/",
			},
		},
		Patch: Patch{
			LargeScopeStructuredEditThresholdFiles: 30,
			SymbolDeletionLineThreshold:             200,
		},
		Context: Context{
			TokenBudgetPerAttempt: 150_000,
		},
		Learning: Learning{
			PromotionMinOccurrences: 3,
		},
		Run: Run{
			TokenBudget:     5_000_000,
			WallclockBudget: 6 * time.Hour,
			PhaseTimeout:    30 * time.Minute,
			TaskQueue:       "autopack.phase",
		},
		Postgres: Postgres{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis:     Redis{Addr: "localhost:6379"},
		Temporal:  Temporal{HostPort: "localhost:7233", Namespace: "default"},
		LLM:       LLM{Provider: "anthropic", InitialTPM: 60000, MaxTPM: 300000},
		Workspace: Workspace{Root: "."},
	}
}

// Load returns Default() overridden first by a YAML file at path (if
// non-empty and present) and then by recognized environment variables,
// mirroring spec.md §6's "Environment configuration (selected, recognized
// options)" list. Environment variables take precedence over the file so
// operators can override a checked-in config without editing it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt(&cfg.Retry.MaxAttemptsPerPhase, "AUTOPACK_MAX_ATTEMPTS_PER_PHASE")
	envInt(&cfg.Replan.MaxReplansPerPhase, "AUTOPACK_MAX_REPLANS_PER_PHASE")
	envInt(&cfg.Replan.MaxReplansPerRun, "AUTOPACK_MAX_REPLANS_PER_RUN")
	envFloat(&cfg.Replan.SimilarityThreshold, "AUTOPACK_REPLAN_SIMILARITY_THRESHOLD")
	envInt(&cfg.Replan.MinConsecutive, "AUTOPACK_REPLAN_MIN_CONSECUTIVE")
	envInt(&cfg.Doctor.MaxPerPhase, "AUTOPACK_DOCTOR_MAX_PER_PHASE")
	envInt(&cfg.Doctor.MaxPerRun, "AUTOPACK_DOCTOR_MAX_PER_RUN")
	envInt(&cfg.Doctor.StrongMaxPerRun, "AUTOPACK_DOCTOR_STRONG_MAX_PER_RUN")
	envInt(&cfg.Approval.TimeoutSeconds, "AUTOPACK_APPROVAL_TIMEOUT_SECONDS")
	envString(&cfg.Approval.DefaultOnTimeout, "AUTOPACK_APPROVAL_DEFAULT_ON_TIMEOUT")
	envInt(&cfg.Governance.DeletionApprovalThresholdLines, "AUTOPACK_DELETION_APPROVAL_THRESHOLD_LINES")
	envInt(&cfg.Governance.DeletionDenyThresholdLines, "AUTOPACK_DELETION_DENY_THRESHOLD_LINES")
	envFloat(&cfg.Governance.StructuralSimilarityMin, "AUTOPACK_STRUCTURAL_SIMILARITY_MIN")
	envInt(&cfg.Patch.LargeScopeStructuredEditThresholdFiles, "AUTOPACK_LARGE_SCOPE_STRUCTURED_EDIT_THRESHOLD_FILES")
	envInt(&cfg.Context.TokenBudgetPerAttempt, "AUTOPACK_CONTEXT_TOKEN_BUDGET_PER_ATTEMPT")
	envInt(&cfg.Learning.PromotionMinOccurrences, "AUTOPACK_LEARNING_PROMOTION_MIN_OCCURRENCES")
	envInt64(&cfg.Run.TokenBudget, "AUTOPACK_RUN_TOKEN_BUDGET")
	envString(&cfg.Run.TaskQueue, "AUTOPACK_RUN_TASK_QUEUE")
	envString(&cfg.Postgres.DSN, "AUTOPACK_POSTGRES_DSN")
	envInt(&cfg.Postgres.MaxOpenConns, "AUTOPACK_POSTGRES_MAX_OPEN_CONNS")
	envString(&cfg.Redis.Addr, "AUTOPACK_REDIS_ADDR")
	envString(&cfg.Redis.Password, "AUTOPACK_REDIS_PASSWORD")
	envString(&cfg.Mongo.URI, "AUTOPACK_MONGO_URI")
	envString(&cfg.Mongo.Database, "AUTOPACK_MONGO_DATABASE")
	envString(&cfg.Temporal.HostPort, "AUTOPACK_TEMPORAL_HOST_PORT")
	envString(&cfg.Temporal.Namespace, "AUTOPACK_TEMPORAL_NAMESPACE")
	envString(&cfg.LLM.Provider, "AUTOPACK_LLM_PROVIDER")
	envString(&cfg.LLM.APIKey, "AUTOPACK_LLM_API_KEY")
	envString(&cfg.LLM.CheapModel, "AUTOPACK_LLM_CHEAP_MODEL")
	envString(&cfg.LLM.MidModel, "AUTOPACK_LLM_MID_MODEL")
	envString(&cfg.LLM.StrongModel, "AUTOPACK_LLM_STRONG_MODEL")
	envString(&cfg.LLM.Region, "AUTOPACK_LLM_REGION")
	envFloat(&cfg.LLM.InitialTPM, "AUTOPACK_LLM_INITIAL_TPM")
	envFloat(&cfg.LLM.MaxTPM, "AUTOPACK_LLM_MAX_TPM")
	envString(&cfg.Workspace.Root, "AUTOPACK_WORKSPACE_ROOT")
	envString(&cfg.TestRun.RemoteAddr, "AUTOPACK_TESTRUN_REMOTE_ADDR")
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
