// Package remote adapts an out-of-process test runner to testrun.Harness
// over gRPC, for build environments where the harness cannot share the
// orchestrator's process (a different language runtime, a sandboxed
// executor). Wired per SPEC_FULL.md's domain-stack table, which carries
// google.golang.org/grpc and google.golang.org/protobuf from the teacher's
// go.mod specifically for this collaborator-transport role.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/testrun"
)

// method is the fully-qualified gRPC method path the remote runner must
// serve. The payloads are structpb.Struct rather than generated message
// types: the out-of-process side is intentionally schema-light (it may be
// implemented in any language), and structpb gives a stable wire encoding
// without a checked-in .proto/codegen pipeline for a single RPC.
const method = "/autopack.testrun.Harness/Run"

// Harness calls a remote test-runner process over an established gRPC
// connection.
type Harness struct {
	conn *grpc.ClientConn
}

// NewHarness wraps an already-dialed connection. Callers own the
// connection's lifecycle.
func NewHarness(conn *grpc.ClientConn) *Harness {
	return &Harness{conn: conn}
}

// Run marshals sel into a request Struct, invokes the remote method, and
// unmarshals the response into a testrun.RawOutput.
func (h *Harness) Run(ctx context.Context, sel testrun.Selection) (testrun.RawOutput, error) {
	req, err := structpb.NewStruct(map[string]any{
		"packages": toAnySlice(sel.Packages),
		"tests":    toAnySlice(sel.Tests),
	})
	if err != nil {
		return testrun.RawOutput{}, plan.Wrap(plan.AgentProviderError, "encoding selection failed", err)
	}

	resp := &structpb.Struct{}
	if err := h.conn.Invoke(ctx, method, req, resp); err != nil {
		return testrun.RawOutput{}, plan.Wrap(plan.AgentProviderError, "remote test runner call failed", err)
	}

	return decodeRawOutput(resp), nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func decodeRawOutput(resp *structpb.Struct) testrun.RawOutput {
	var out testrun.RawOutput
	results := resp.GetFields()["results"].GetListValue().GetValues()
	for _, v := range results {
		fields := v.GetStructValue().GetFields()
		out.Results = append(out.Results, testrun.TestResult{
			ID:      fields["id"].GetStringValue(),
			Package: fields["package"].GetStringValue(),
			Status:  testrun.ResultStatus(fields["status"].GetStringValue()),
			Output:  fields["output"].GetStringValue(),
		})
	}
	collectionErrors := resp.GetFields()["collection_errors"].GetListValue().GetValues()
	for _, v := range collectionErrors {
		fields := v.GetStructValue().GetFields()
		out.CollectionErrors = append(out.CollectionErrors, testrun.CollectionError{
			Package: fields["package"].GetStringValue(),
			Output:  fields["output"].GetStringValue(),
		})
	}
	return out
}
