package agent

import (
	"encoding/json"
	"fmt"

	"github.com/autopack-run/autopack/patch"
)

// The wire* types are the JSON shape every provider adapter parses a
// collaborator's structured-output text into, validated against the
// Schemas in jsonresponse.go before conversion to the public agent types.
// Keeping the wire format here (rather than duplicated per provider
// package) means anthropic/openai/bedrock share one decode-and-validate
// path and differ only in how they obtain the raw JSON text.

type wireBuildResponse struct {
	PatchKind       string          `json:"patch_kind"`
	UnifiedDiff     string          `json:"unified_diff"`
	StructuredEdits json.RawMessage `json:"structured_edits"`
}

func (w wireBuildResponse) toPatch() (patch.Patch, error) {
	switch w.PatchKind {
	case "unified_diff":
		return patch.Patch{UnifiedDiff: &patch.UnifiedDiff{Text: w.UnifiedDiff}}, nil
	case "structured_edits":
		var ops []patch.Op
		if len(w.StructuredEdits) > 0 {
			if err := json.Unmarshal(w.StructuredEdits, &ops); err != nil {
				return patch.Patch{}, fmt.Errorf("decode structured_edits: %w", err)
			}
		}
		return patch.Patch{StructuredEdits: &patch.StructuredEdits{Ops: ops}}, nil
	default:
		return patch.Patch{}, fmt.Errorf("unrecognized patch_kind %q", w.PatchKind)
	}
}

type wireQualityIssue struct {
	Severity string `json:"severity"`
	Path     string `json:"path"`
	Detail   string `json:"detail"`
}

type wireAuditResponse struct {
	Issues []wireQualityIssue `json:"issues"`
}

func (w wireAuditResponse) toQualityReport() QualityReport {
	issues := make([]QualityIssue, len(w.Issues))
	for i, iss := range w.Issues {
		issues[i] = QualityIssue{Severity: iss.Severity, Path: iss.Path, Detail: iss.Detail}
	}
	return QualityReport{Issues: issues}
}

type wireDoctorAction struct {
	Kind       string `json:"kind"`
	Hint       string `json:"hint"`
	Reason     string `json:"reason"`
	ProviderID string `json:"provider_id"`
}

type wireDoctorResponse struct {
	Action     wireDoctorAction `json:"action"`
	Confidence float64          `json:"confidence"`
}

func (w wireDoctorResponse) toDoctorResponse() DoctorResponse {
	return DoctorResponse{
		Action: DoctorAction{
			Kind:       DoctorActionKind(w.Action.Kind),
			Hint:       w.Action.Hint,
			Reason:     w.Action.Reason,
			ProviderID: w.Action.ProviderID,
		},
		Confidence: w.Confidence,
	}
}

type wireRevisedPhase struct {
	Goal               string   `json:"goal"`
	Deliverables       []string `json:"deliverables"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	ScopePaths         []string `json:"scope_paths"`
	Rationale          string   `json:"rationale"`
}

type wireReplanResponse struct {
	Refused bool              `json:"refused"`
	Reason  string            `json:"reason"`
	Revised *wireRevisedPhase `json:"revised"`
}

func (w wireReplanResponse) toReplanResult() ReplanResult {
	if w.Refused || w.Revised == nil {
		return ReplanResult{Refused: true, Reason: w.Reason}
	}
	return ReplanResult{Revised: &RevisedPhase{
		Goal:               w.Revised.Goal,
		Deliverables:       w.Revised.Deliverables,
		AcceptanceCriteria: w.Revised.AcceptanceCriteria,
		ScopePaths:         w.Revised.ScopePaths,
		Rationale:          w.Revised.Rationale,
	}}
}

// DecodeBuildResponse validates raw against BuildResponseSchema and
// decodes it into a patch.Patch.
func DecodeBuildResponse(raw []byte) (patch.Patch, error) {
	if err := ValidateJSON(raw, BuildResponseSchema); err != nil {
		return patch.Patch{}, err
	}
	var w wireBuildResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return patch.Patch{}, fmt.Errorf("decode build response: %w", err)
	}
	return w.toPatch()
}

// DecodeAuditResponse validates raw against AuditResponseSchema and
// decodes it into a QualityReport.
func DecodeAuditResponse(raw []byte) (QualityReport, error) {
	if err := ValidateJSON(raw, AuditResponseSchema); err != nil {
		return QualityReport{}, err
	}
	var w wireAuditResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return QualityReport{}, fmt.Errorf("decode audit response: %w", err)
	}
	return w.toQualityReport(), nil
}

// DecodeDoctorResponse validates raw against DoctorResponseSchema and
// decodes it into a DoctorResponse.
func DecodeDoctorResponse(raw []byte) (DoctorResponse, error) {
	if err := ValidateJSON(raw, DoctorResponseSchema); err != nil {
		return DoctorResponse{}, err
	}
	var w wireDoctorResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return DoctorResponse{}, fmt.Errorf("decode doctor response: %w", err)
	}
	return w.toDoctorResponse(), nil
}

// DecodeReplanResponse validates raw against ReplanResponseSchema and
// decodes it into a ReplanResult.
func DecodeReplanResponse(raw []byte) (ReplanResult, error) {
	if err := ValidateJSON(raw, ReplanResponseSchema); err != nil {
		return ReplanResult{}, err
	}
	var w wireReplanResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return ReplanResult{}, fmt.Errorf("decode replan response: %w", err)
	}
	return w.toReplanResult(), nil
}
