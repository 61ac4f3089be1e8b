package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// KindGeneratedTest is the finding kind emitted by the tester
const KindGeneratedTest = "generated_test"

// Test frameworks the tester can target
const (
	FrameworkAuto    = "auto"
	FrameworkGo      = "go"
	FrameworkPHPUnit = "phpunit"
	FrameworkJest    = "jest"
	FrameworkPytest  = "pytest"
)

// TesterOptions configures the tester capability
type TesterOptions struct {
	Framework       string `yaml:"framework"`
	MaxTestsPerFile int    `yaml:"max_tests_per_file"`
}

// Validate implements capability.Options
func (o *TesterOptions) Validate() error {
	switch o.Framework {
	case FrameworkAuto, FrameworkGo, FrameworkPHPUnit, FrameworkJest, FrameworkPytest:
	default:
		return fmt.Errorf("unsupported framework %q", o.Framework)
	}
	if o.MaxTestsPerFile <= 0 {
		return fmt.Errorf("max_tests_per_file must be positive, got %d", o.MaxTestsPerFile)
	}
	return nil
}

// TestCase is the payload of a generated_test finding
type TestCase struct {
	Framework string `json:"framework"`
	TestFile  string `json:"test_file"`
	TestName  string `json:"test_name"`
	Symbol    string `json:"symbol"`
	Code      string `json:"code"`
}

// Tester generates unit test skeletons for callable symbols.
// Philosophy: 'Every public behaviour should have a test'
//
// It consumes the documenter's symbol inventory when available and falls
// back to its own extraction otherwise.
type Tester struct{}

// NewTester creates the tester capability
func NewTester() *Tester {
	return &Tester{}
}

// Descriptor implements capability.Capability
func (t *Tester) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Type:         types.CapabilityTester,
		Description:  "Every public behaviour should have a test",
		Dependencies: []types.CapabilityType{types.CapabilityDocumenter},
		FilePatterns: SourcePatterns,
	}
}

// NewOptions implements capability.Capability
func (t *Tester) NewOptions() capability.Options {
	return &TesterOptions{Framework: FrameworkAuto, MaxTestsPerFile: 20}
}

// Run implements capability.Capability
func (t *Tester) Run(ctx context.Context, in capability.Input) (*capability.Output, error) {
	opts, ok := in.Options.(*TesterOptions)
	if !ok {
		return nil, fmt.Errorf("tester: unexpected options type %T", in.Options)
	}

	inventory := symbolsFromPrior(in.Prior[types.CapabilityDocumenter])

	out := &capability.Output{}
	for _, file := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.FilesAnalyzed++

		symbols, ok := inventory[file.Path]
		if !ok {
			symbols = ExtractSymbols(file.Path, file.Content)
		}

		generated := 0
		for _, sym := range symbols {
			if !sym.Kind.Callable() || !sym.Public {
				continue
			}
			if generated >= opts.MaxTestsPerFile {
				break
			}

			framework := opts.Framework
			if framework == FrameworkAuto {
				framework = frameworkFor(sym.Language)
			}
			if framework == "" {
				continue
			}

			tc := renderTest(framework, file.Path, sym)
			payload, err := json.Marshal(tc)
			if err != nil {
				return nil, fmt.Errorf("encoding test case for %s: %w", sym.QualifiedName(), err)
			}

			out.Findings = append(out.Findings, &types.Finding{
				FileID:   file.ID,
				FilePath: file.Path,
				Kind:     KindGeneratedTest,
				Target:   "test " + sym.Target(),
				Title:    fmt.Sprintf("Test %s", sym.QualifiedName()),
				Payload:  payload,
			})
			generated++
		}
	}

	out.Summary = fmt.Sprintf("Generated %d test cases across %d files", len(out.Findings), out.FilesAnalyzed)
	return out, nil
}

// symbolsFromPrior rebuilds the per-file symbol inventory from documenter findings
func symbolsFromPrior(prior *capability.Output) map[string][]Symbol {
	inventory := map[string][]Symbol{}
	if prior == nil {
		return inventory
	}
	for _, f := range prior.Findings {
		if f.Kind != KindSymbolDoc {
			continue
		}
		var entry DocEntry
		if err := json.Unmarshal(f.Payload, &entry); err != nil {
			continue
		}
		inventory[f.FilePath] = append(inventory[f.FilePath], entry.Symbol)
	}
	return inventory
}

func frameworkFor(lang Language) string {
	switch lang {
	case LangGo:
		return FrameworkGo
	case LangPHP:
		return FrameworkPHPUnit
	case LangJavaScript, LangTypeScript:
		return FrameworkJest
	case LangPython:
		return FrameworkPytest
	}
	return ""
}

func renderTest(framework, filePath string, sym Symbol) TestCase {
	dir, file := path.Split(filePath)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)

	tc := TestCase{Framework: framework, Symbol: sym.QualifiedName()}
	args := placeholderArgs(sym.Params, nullLiteral[framework])

	switch framework {
	case FrameworkGo:
		tc.TestFile = dir + stem + "_test.go"
		tc.TestName = "Test" + upperFirst(sym.Parent) + upperFirst(sym.Name)
		call := sym.Name + "(" + args + ")"
		if sym.Parent != "" {
			call = "subject." + call
		}
		tc.Code = fmt.Sprintf("func %s(t *testing.T) {\n\t// arrange\n\tgot := %s\n\t_ = got\n\tt.Skip(\"assert expected behaviour of %s\")\n}\n",
			tc.TestName, call, sym.QualifiedName())

	case FrameworkPHPUnit:
		class := sym.Parent
		if class == "" {
			class = upperFirst(stem)
		}
		tc.TestFile = "tests/Unit/" + class + "Test.php"
		tc.TestName = "test" + upperFirst(sym.Name)
		call := sym.Name + "(" + args + ")"
		if sym.Parent != "" {
			call = "$subject->" + call
		}
		tc.Code = fmt.Sprintf("public function %s(): void\n{\n    $result = %s;\n    $this->markTestIncomplete('assert expected behaviour of %s');\n}\n",
			tc.TestName, call, sym.QualifiedName())

	case FrameworkJest:
		tc.TestFile = dir + stem + ".test" + jsTestExt(ext)
		tc.TestName = sym.QualifiedName()
		call := sym.Name + "(" + args + ")"
		if sym.Parent != "" {
			call = "subject." + call
		}
		tc.Code = fmt.Sprintf("describe('%s', () => {\n  it('behaves as expected', () => {\n    const result = %s;\n    expect(result).toBeDefined();\n  });\n});\n",
			tc.TestName, call)

	case FrameworkPytest:
		tc.TestFile = dir + "test_" + stem + ".py"
		name := strings.ToLower(sym.Name)
		if sym.Parent != "" {
			name = strings.ToLower(sym.Parent) + "_" + name
		}
		tc.TestName = "test_" + strings.Trim(name, "_")
		call := sym.Name + "(" + args + ")"
		if sym.Parent != "" {
			call = "subject." + call
		}
		tc.Code = fmt.Sprintf("def %s():\n    result = %s\n    assert result is not None\n", tc.TestName, call)
	}

	return tc
}

var nullLiteral = map[string]string{
	FrameworkGo:      "nil",
	FrameworkPHPUnit: "null",
	FrameworkJest:    "undefined",
	FrameworkPytest:  "None",
}

func placeholderArgs(params []string, null string) string {
	args := make([]string, 0, len(params))
	for range params {
		args = append(args, null)
	}
	return strings.Join(args, ", ")
}

func jsTestExt(ext string) string {
	switch ext {
	case ".ts", ".tsx":
		return ".ts"
	case ".vue":
		return ".js"
	}
	return ext
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
