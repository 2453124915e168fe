package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/valetlabs/valet/internal/llm"
)

// LLMEvaluator grades llm_eval terminal conditions by asking a model a
// yes/no question about the project's recorded results.
type LLMEvaluator struct {
	llm   LLM
	model string
}

// NewLLMEvaluator creates an evaluator that calls the given model.
func NewLLMEvaluator(client LLM, model string) *LLMEvaluator {
	return &LLMEvaluator{llm: client, model: model}
}

// Evaluate asks the model whether the condition holds. The model is
// instructed to answer YES or NO; anything that does not start with
// YES counts as unmet.
func (e *LLMEvaluator) Evaluate(ctx context.Context, prompt string, p *Project) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project goal: %s\n\n", p.Goal)
	if len(p.TaskResults) > 0 {
		b.WriteString("Task results:\n")
		for _, r := range p.TaskResults {
			status := "failed"
			if r.Success {
				status = "ok"
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", status, r.TaskID, firstLine(r.Output))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", prompt)
	b.WriteString("Answer with YES or NO on the first line.")

	resp, err := e.llm.Invoke(ctx, &llm.Request{
		Model: e.model,
		System: "You are a strict evaluator. Answer only YES or NO " +
			"based on the evidence provided.",
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	return strings.HasPrefix(answer, "YES"), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
