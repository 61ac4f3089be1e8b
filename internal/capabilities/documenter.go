package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// KindSymbolDoc is the finding kind emitted by the documenter
const KindSymbolDoc = "symbol_doc"

// Tones supported by the documenter
var documenterTones = map[string]bool{
	"professional": true,
	"casual":       true,
	"technical":    true,
	"beginner":     true,
}

// DocumenterOptions configures the documenter capability
type DocumenterOptions struct {
	Tone           string `yaml:"tone"`
	IncludePrivate bool   `yaml:"include_private"`
	UseAI          bool   `yaml:"use_ai"`
	MaxSymbols     int    `yaml:"max_symbols"`

	aiAvailable bool
}

// Validate implements capability.Options
func (o *DocumenterOptions) Validate() error {
	if !documenterTones[o.Tone] {
		return fmt.Errorf("unsupported tone %q (want professional, casual, technical or beginner)", o.Tone)
	}
	if o.MaxSymbols <= 0 {
		return fmt.Errorf("max_symbols must be positive, got %d", o.MaxSymbols)
	}
	if o.UseAI && !o.aiAvailable {
		return fmt.Errorf("use_ai requires an AI client (set ANTHROPIC_API_KEY)")
	}
	return nil
}

// DocEntry is the payload of a symbol_doc finding
type DocEntry struct {
	Symbol
	Description string   `json:"description"`
	Examples    []string `json:"examples,omitempty"`
	Tone        string   `json:"tone"`
	Generated   string   `json:"generated_by"`
}

// Documenter produces an explanation for every documentable symbol.
// Philosophy: 'Every public symbol deserves an explanation'
type Documenter struct {
	describer Describer
	log       *logrus.Entry
}

// NewDocumenter creates the documenter. describer may be nil, in which case
// descriptions are rendered from templates and use_ai is rejected.
func NewDocumenter(describer Describer, logger *logrus.Logger) *Documenter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Documenter{
		describer: describer,
		log:       logger.WithField("capability", types.CapabilityDocumenter),
	}
}

// Descriptor implements capability.Capability
func (d *Documenter) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Type:         types.CapabilityDocumenter,
		Description:  "Every public symbol deserves an explanation",
		FilePatterns: SourcePatterns,
	}
}

// NewOptions implements capability.Capability
func (d *Documenter) NewOptions() capability.Options {
	return &DocumenterOptions{
		Tone:        "professional",
		MaxSymbols:  500,
		aiAvailable: d.describer != nil,
	}
}

// Run implements capability.Capability
func (d *Documenter) Run(ctx context.Context, in capability.Input) (*capability.Output, error) {
	opts, ok := in.Options.(*DocumenterOptions)
	if !ok {
		return nil, fmt.Errorf("documenter: unexpected options type %T", in.Options)
	}

	out := &capability.Output{}
	documented := 0
	missing := 0

	for _, file := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.FilesAnalyzed++

		for _, sym := range ExtractSymbols(file.Path, file.Content) {
			if !sym.Public && !opts.IncludePrivate {
				continue
			}
			if documented >= opts.MaxSymbols {
				break
			}

			entry, err := d.document(ctx, sym, file.Content, opts)
			if err != nil {
				return nil, err
			}

			payload, err := json.Marshal(entry)
			if err != nil {
				return nil, fmt.Errorf("encoding doc entry for %s: %w", sym.QualifiedName(), err)
			}

			severity := types.SeverityNone
			if !sym.HasDoc {
				severity = types.SeverityInfo
				missing++
			}

			out.Findings = append(out.Findings, &types.Finding{
				FileID:   file.ID,
				FilePath: file.Path,
				Kind:     KindSymbolDoc,
				Target:   sym.Target(),
				Title:    fmt.Sprintf("Document %s %s", sym.Kind, sym.QualifiedName()),
				Severity: severity,
				Payload:  payload,
			})
			documented++
		}
	}

	out.Summary = fmt.Sprintf("Documented %d symbols across %d files (%d had no existing doc comment)",
		documented, out.FilesAnalyzed, missing)
	return out, nil
}

// document builds the entry for one symbol. A failing AI description falls
// back to the template so one bad response never loses the symbol.
func (d *Documenter) document(ctx context.Context, sym Symbol, source string, opts *DocumenterOptions) (*DocEntry, error) {
	entry := &DocEntry{
		Symbol:      sym,
		Description: templateDescription(sym, opts.Tone),
		Tone:        opts.Tone,
		Generated:   "template",
	}

	if !opts.UseAI || d.describer == nil {
		return entry, nil
	}

	desc, err := d.describer.Describe(ctx, sym, excerpt(source, sym.Line, 30), opts.Tone)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.WithError(err).WithField("symbol", sym.QualifiedName()).Warn("AI description failed, using template")
		return entry, nil
	}

	entry.Description = desc.Summary
	entry.Examples = desc.Examples
	entry.Generated = "ai"
	return entry, nil
}

// templateDescription renders a deterministic description in the requested tone
func templateDescription(sym Symbol, tone string) string {
	var sb strings.Builder

	subject := fmt.Sprintf("%s %s", sym.Kind, sym.QualifiedName())
	switch tone {
	case "casual":
		fmt.Fprintf(&sb, "This is the %s", subject)
	case "beginner":
		fmt.Fprintf(&sb, "The %s is a piece of code you can use", subject)
	case "technical":
		fmt.Fprintf(&sb, "%s (%s, line %d)", subject, sym.Language, sym.Line)
	default:
		fmt.Fprintf(&sb, "The %s", subject)
	}

	if sym.Extends != "" {
		fmt.Fprintf(&sb, ", extending %s", sym.Extends)
	}
	if sym.Kind.Callable() {
		if len(sym.Params) > 0 {
			fmt.Fprintf(&sb, ", accepts %s", strings.Join(sym.Params, ", "))
		} else {
			sb.WriteString(", takes no arguments")
		}
		if sym.Returns != "" {
			fmt.Fprintf(&sb, " and returns %s", sym.Returns)
		}
	}
	sb.WriteString(".")
	return sb.String()
}

// excerpt returns up to n lines of source starting at a 1-based line
func excerpt(source string, line, n int) string {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	end := line - 1 + n
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[line-1:end], "\n")
}
