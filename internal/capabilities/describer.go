package capabilities

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/agentflow/internal/ai"
)

// Description is model-generated prose for one symbol
type Description struct {
	Summary  string   `json:"summary"`
	Params   []string `json:"params,omitempty"`
	Returns  string   `json:"returns,omitempty"`
	Examples []string `json:"examples,omitempty"`
}

// Describer explains a symbol given a source excerpt
type Describer interface {
	Describe(ctx context.Context, sym Symbol, source, tone string) (*Description, error)
}

// AIDescriber describes symbols with a language model
type AIDescriber struct {
	completer ai.Completer
	maxTokens int
}

// NewAIDescriber creates a describer backed by completer
func NewAIDescriber(completer ai.Completer) *AIDescriber {
	return &AIDescriber{completer: completer, maxTokens: 800}
}

// Describe implements Describer
func (a *AIDescriber) Describe(ctx context.Context, sym Symbol, source, tone string) (*Description, error) {
	prompt := buildDescribePrompt(sym, source, tone)

	text, err := a.completer.Complete(ctx, "describe-symbol", prompt, a.maxTokens)
	if err != nil {
		return nil, err
	}

	result := ai.Parse[Description](text, "describe "+sym.QualifiedName())
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}
	if strings.TrimSpace(result.Data.Summary) == "" {
		return nil, fmt.Errorf("describe %s: empty summary", sym.QualifiedName())
	}
	return &result.Data, nil
}

func buildDescribePrompt(sym Symbol, source, tone string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are documenting a %s codebase. Write in a %s tone.\n\n", sym.Language, tone)
	fmt.Fprintf(&sb, "Element: %s %s\n", sym.Kind, sym.QualifiedName())
	fmt.Fprintf(&sb, "File: %s (line %d)\n", sym.SourceFile, sym.Line)
	if sym.Extends != "" {
		fmt.Fprintf(&sb, "Extends: %s\n", sym.Extends)
	}
	sb.WriteString("\nSource:\n```\n")
	sb.WriteString(source)
	sb.WriteString("\n```\n\n")
	sb.WriteString(`Respond with JSON only:
{
  "summary": "one or two sentences explaining what it does",
  "params": ["name: meaning", ...],
  "returns": "what it returns, if anything",
  "examples": ["a short usage example"]
}`)
	return sb.String()
}
