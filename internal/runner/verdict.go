package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Verdict decides whether a probed response passes, using an OPA policy.
type Verdict struct {
	query rego.PreparedEvalQuery
}

// NewVerdict prepares the given rego module. The module must live in package
// verdict and define pass (bool) and message (string).
func NewVerdict(ctx context.Context, policyContent string) (*Verdict, error) {
	r := rego.New(
		rego.Query("data.verdict"),
		rego.Module("verdict.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Verdict{query: query}, nil
}

// LoadVerdict reads a policy file, falling back to DefaultPolicy when path is empty.
func LoadVerdict(ctx context.Context, path string) (*Verdict, error) {
	if path == "" {
		return NewVerdict(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verdict policy: %w", err)
	}
	return NewVerdict(ctx, string(content))
}

// Evaluate returns the pass decision and its message for one item.
// Input carries item, request and response objects.
func (v *Verdict) Evaluate(ctx context.Context, input interface{}) (bool, string, error) {
	results, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "policy produced no decision", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	pass, _ := doc["pass"].(bool)
	message, _ := doc["message"].(string)
	return pass, message, nil
}

// DefaultPolicy passes any 2xx or 3xx response.
const DefaultPolicy = `
package verdict

default pass = false

default message = "no response"

pass {
	input.response.status >= 200
	input.response.status < 400
}

message = sprintf("%s %s returned %v", [input.request.method, input.item, input.response.status]) {
	input.response.status
}
`
