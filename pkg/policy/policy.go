package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/open-policy-agent/opa/v1/rego"
)

const generateQuery = "data.plume.generate"

// Gate screens generation requests with Rego policies. Policies are
// loaded once from a directory at startup; the decision document is
// data.plume.generate, which must set "allow" and may set "reason".
//
// With no policy directory or no .rego files, every request passes.
// Once a policy is configured the gate fails closed: an undefined
// decision denies the request.
type Gate struct {
	query *rego.PreparedEvalQuery
}

// Input is the document the policy sees as input.
type Input struct {
	Identity       model.Identity
	ConversationID model.ConversationID
	ContentType    string
	MessageLength  int
}

func New(ctx context.Context, policyDir string) (*Gate, error) {
	if policyDir == "" {
		return &Gate{}, nil
	}

	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files")
	}
	if len(files) == 0 {
		return &Gate{}, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query(generateQuery))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.Value("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy query")
	}

	return &Gate{query: &prepared}, nil
}

// Authorize returns nil when the request may proceed and an error
// wrapping model.ErrPolicyDenied when the policy rejects it.
func (g *Gate) Authorize(ctx context.Context, input *Input) error {
	if g.query == nil {
		return nil
	}

	doc := map[string]any{
		"identity":        string(input.Identity),
		"conversation_id": string(input.ConversationID),
		"content_type":    input.ContentType,
		"message_length":  input.MessageLength,
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return goerr.Wrap(err, "failed to evaluate policy")
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return goerr.Wrap(model.ErrPolicyDenied, "policy decision is undefined")
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return goerr.Wrap(model.ErrPolicyDenied, "policy decision has unexpected shape")
	}

	if allowed, _ := result["allow"].(bool); allowed {
		return nil
	}

	reason, _ := result["reason"].(string)
	return goerr.Wrap(model.ErrPolicyDenied, "request denied by policy", goerr.Value("reason", reason))
}
