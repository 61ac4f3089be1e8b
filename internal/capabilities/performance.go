package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// Finding kinds emitted by the performance analyzer
const (
	KindLongFunction    = "long_function"
	KindDeepNesting     = "deep_nesting"
	KindQueryInLoop     = "query_in_loop"
	KindConcatenateLoop = "string_concat_in_loop"
)

// PerformanceOptions configures the performance analyzer
type PerformanceOptions struct {
	MaxFunctionLines     int  `yaml:"max_function_lines"`
	MaxNestingDepth      int  `yaml:"max_nesting_depth"`
	DetectQueriesInLoops bool `yaml:"detect_queries_in_loops"`
}

// Validate implements capability.Options
func (o *PerformanceOptions) Validate() error {
	if o.MaxFunctionLines < 10 {
		return fmt.Errorf("max_function_lines must be at least 10, got %d", o.MaxFunctionLines)
	}
	if o.MaxNestingDepth < 1 {
		return fmt.Errorf("max_nesting_depth must be at least 1, got %d", o.MaxNestingDepth)
	}
	return nil
}

// PerformanceIssue is the payload of a performance finding
type PerformanceIssue struct {
	Function  string `json:"function,omitempty"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end,omitempty"`
	Measured  int    `json:"measured,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// PerformanceAnalyzer flags structural patterns that tend to be slow or
// hard to optimise.
// Philosophy: 'Hot paths should be simple and do their I/O outside loops'
type PerformanceAnalyzer struct{}

// NewPerformanceAnalyzer creates the performance capability
func NewPerformanceAnalyzer() *PerformanceAnalyzer {
	return &PerformanceAnalyzer{}
}

// Descriptor implements capability.Capability
func (p *PerformanceAnalyzer) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Type:         types.CapabilityPerformance,
		Description:  "Hot paths should be simple and do their I/O outside loops",
		FilePatterns: SourcePatterns,
	}
}

// NewOptions implements capability.Capability
func (p *PerformanceAnalyzer) NewOptions() capability.Options {
	return &PerformanceOptions{
		MaxFunctionLines:     80,
		MaxNestingDepth:      4,
		DetectQueriesInLoops: true,
	}
}

// Run implements capability.Capability
func (p *PerformanceAnalyzer) Run(ctx context.Context, in capability.Input) (*capability.Output, error) {
	opts, ok := in.Options.(*PerformanceOptions)
	if !ok {
		return nil, fmt.Errorf("performance: unexpected options type %T", in.Options)
	}

	out := &capability.Output{}
	for _, file := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.FilesAnalyzed++

		var findings []*types.Finding
		switch lang := DetectLanguage(file.Path); lang {
		case LangGo:
			findings = analyzeGoPerformance(file, opts)
		case LangPython:
			findings = analyzeIndentedPerformance(file, opts)
		case LangUnknown:
		default:
			findings = analyzeBracedPerformance(file, opts)
		}
		out.Findings = append(out.Findings, findings...)
	}

	out.Summary = fmt.Sprintf("Analyzed %d files for performance issues. Found %d potential issues.",
		out.FilesAnalyzed, len(out.Findings))
	return out, nil
}

var goQueryMethods = map[string]bool{
	"Query": true, "QueryContext": true, "QueryRow": true, "QueryRowContext": true,
	"Exec": true, "ExecContext": true, "Select": true, "Find": true, "First": true,
}

func analyzeGoPerformance(file *types.File, opts *PerformanceOptions) []*types.Finding {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, file.Path, file.Content, 0)
	if err != nil {
		return nil
	}

	var findings []*types.Finding
	for _, decl := range node.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		name := fn.Name.Name
		if fn.Recv != nil && len(fn.Recv.List) > 0 {
			name = goReceiverName(fn.Recv.List[0].Type) + "." + name
		}
		start := fset.Position(fn.Pos()).Line
		end := fset.Position(fn.End()).Line

		if length := end - start + 1; length > opts.MaxFunctionLines {
			findings = append(findings, longFunctionFinding(file, name, start, end, length, opts.MaxFunctionLines))
		}

		if depth, line := goMaxNesting(fset, fn.Body, 0); depth > opts.MaxNestingDepth {
			findings = append(findings, deepNestingFinding(file, name, line, depth, opts.MaxNestingDepth))
		}

		walkGoLoops(fn.Body, func(loop ast.Node) {
			ast.Inspect(loop, func(n ast.Node) bool {
				switch e := n.(type) {
				case *ast.FuncLit:
					return false
				case *ast.CallExpr:
					sel, ok := e.Fun.(*ast.SelectorExpr)
					if ok && opts.DetectQueriesInLoops && goQueryMethods[sel.Sel.Name] {
						line := fset.Position(e.Pos()).Line
						findings = append(findings, queryInLoopFinding(file, name, line, exprText(sel)))
					}
				case *ast.AssignStmt:
					if e.Tok == token.ADD_ASSIGN && len(e.Rhs) == 1 && isStringExpr(e.Rhs[0]) {
						line := fset.Position(e.Pos()).Line
						findings = append(findings, concatInLoopFinding(file, name, line))
					}
				}
				return true
			})
		})
	}
	return findings
}

// walkGoLoops calls fn for each outermost loop body so nested loops are
// reported once.
func walkGoLoops(body *ast.BlockStmt, fn func(ast.Node)) {
	ast.Inspect(body, func(n ast.Node) bool {
		switch l := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.ForStmt:
			fn(l.Body)
			return false
		case *ast.RangeStmt:
			fn(l.Body)
			return false
		}
		return true
	})
}

// goMaxNesting returns the deepest control-flow nesting below node and the
// line where it occurs.
func goMaxNesting(fset *token.FileSet, node ast.Node, depth int) (int, int) {
	maxDepth, maxLine := depth, 0
	record := func(d, l int) {
		if d > maxDepth {
			maxDepth, maxLine = d, l
		}
	}

	ast.Inspect(node, func(n ast.Node) bool {
		if n == node {
			return true
		}
		switch s := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.IfStmt:
			record(goIfNesting(fset, s, depth+1))
			return false
		case *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
			record(depth+1, fset.Position(n.Pos()).Line)
			record(goMaxNesting(fset, n, depth+1))
			return false
		}
		return true
	})
	return maxDepth, maxLine
}

// goIfNesting measures an if statement at depth. else-if chains stay at the
// same depth as the first if.
func goIfNesting(fset *token.FileSet, s *ast.IfStmt, depth int) (int, int) {
	maxDepth, maxLine := depth, fset.Position(s.Pos()).Line
	record := func(d, l int) {
		if d > maxDepth {
			maxDepth, maxLine = d, l
		}
	}

	record(goMaxNesting(fset, s.Body, depth))
	switch e := s.Else.(type) {
	case *ast.IfStmt:
		record(goIfNesting(fset, e, depth))
	case *ast.BlockStmt:
		record(goMaxNesting(fset, e, depth))
	}
	return maxDepth, maxLine
}

func isStringExpr(expr ast.Expr) bool {
	switch e := expr.(type) {
	case *ast.BasicLit:
		return e.Kind == token.STRING
	case *ast.BinaryExpr:
		return e.Op == token.ADD && (isStringExpr(e.X) || isStringExpr(e.Y))
	case *ast.CallExpr:
		if sel, ok := e.Fun.(*ast.SelectorExpr); ok {
			return strings.HasPrefix(sel.Sel.Name, "Sprint")
		}
	}
	return false
}

var (
	bracedFunctionRegex = regexp.MustCompile(`^\s*(?:(?:export|public|private|protected|static|async|abstract|final)\s+)*(?:function\s*\*?\s*(\w+)|(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?\([^)]*\)\s*=>|(\w+)\s*\([^)]*\)\s*\{)`)
	loopRegex           = regexp.MustCompile(`^\s*(?:\}\s*)?(?:for|foreach|while)\b|\.(?:forEach|map)\s*\(`)
	controlRegex        = regexp.MustCompile(`^\s*(?:\}\s*)?(?:if|else|for|foreach|while|switch|try|catch|do)\b`)
	queryCallRegex      = regexp.MustCompile(`(?i)(?:->|::|\.)\s*(?:query|execute|exec|find|findOne|findAll|where|first|get|save|select|fetch|fetchAll|create|update|delete)\s*\(`)
	concatAssignRegex   = regexp.MustCompile(`\$?\w+\s*(?:\.=|\+=)\s*["'` + "`" + `]`)
)

// analyzeBracedPerformance is a line-oriented analysis for brace languages.
// It tracks brace depth to find function extents, nesting and loop bodies.
func analyzeBracedPerformance(file *types.File, opts *PerformanceOptions) []*types.Finding {
	type frame struct {
		kind  string // "func", "loop", "control", "block"
		name  string
		line  int
		depth int
	}

	var (
		findings  []*types.Finding
		stack     []frame
		depth     int
		pending   *frame
		nestingBy = map[int]bool{}
	)

	inFunction := func() *frame {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].kind == "func" {
				return &stack[i]
			}
		}
		return nil
	}
	loopDepth := func() int {
		n := 0
		for _, f := range stack {
			if f.kind == "loop" {
				n++
			}
		}
		return n
	}
	controlDepth := func(fn *frame) int {
		n := 0
		for _, f := range stack {
			if f.depth > fn.depth && (f.kind == "loop" || f.kind == "control") {
				n++
			}
		}
		return n
	}

	for i, line := range strings.Split(file.Content, "\n") {
		lineNo := i + 1
		code := stripLineComment(line)

		if m := bracedFunctionRegex.FindStringSubmatch(code); m != nil && !controlRegex.MatchString(code) {
			name := m[1] + m[2] + m[3]
			pending = &frame{kind: "func", name: name, line: lineNo}
		} else if loopRegex.MatchString(code) {
			pending = &frame{kind: "loop", line: lineNo}
		} else if controlRegex.MatchString(code) {
			pending = &frame{kind: "control", line: lineNo}
		}

		if fn := inFunction(); fn != nil && loopDepth() > 0 {
			if opts.DetectQueriesInLoops && queryCallRegex.MatchString(code) {
				findings = append(findings, queryInLoopFinding(file, fn.name, lineNo, truncateEvidence(strings.TrimSpace(code))))
			}
			if concatAssignRegex.MatchString(code) {
				findings = append(findings, concatInLoopFinding(file, fn.name, lineNo))
			}
		}

		for _, c := range code {
			switch c {
			case '{':
				f := frame{kind: "block", line: lineNo}
				if pending != nil {
					f = *pending
					pending = nil
				}
				f.depth = depth
				stack = append(stack, f)
				depth++

				if fn := inFunction(); fn != nil && f.kind != "func" {
					if d := controlDepth(fn); d > opts.MaxNestingDepth && !nestingBy[fn.line] {
						nestingBy[fn.line] = true
						findings = append(findings, deepNestingFinding(file, fn.name, lineNo, d, opts.MaxNestingDepth))
					}
				}
			case '}':
				if len(stack) == 0 {
					continue
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				depth--
				if top.kind == "func" {
					if length := lineNo - top.line + 1; length > opts.MaxFunctionLines {
						findings = append(findings, longFunctionFinding(file, top.name, top.line, lineNo, length, opts.MaxFunctionLines))
					}
				}
			}
		}
	}
	return findings
}

// analyzeIndentedPerformance handles indentation-scoped sources (Python)
func analyzeIndentedPerformance(file *types.File, opts *PerformanceOptions) []*types.Finding {
	type block struct {
		kind   string
		indent int
	}

	var (
		findings  []*types.Finding
		fnName    string
		fnIndent  = -1
		fnStart   int
		fnLast    int
		blocks    []block
		nestingBy = map[string]bool{}
	)

	closeFunction := func() {
		if fnName != "" {
			if length := fnLast - fnStart + 1; length > opts.MaxFunctionLines {
				findings = append(findings, longFunctionFinding(file, fnName, fnStart, fnLast, length, opts.MaxFunctionLines))
			}
		}
		fnName, fnIndent = "", -1
		blocks = nil
	}

	for i, line := range strings.Split(file.Content, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if fnName != "" && indent <= fnIndent {
			closeFunction()
		}
		for len(blocks) > 0 && indent <= blocks[len(blocks)-1].indent {
			blocks = blocks[:len(blocks)-1]
		}

		if m := pyDefRegex.FindStringSubmatch(line); m != nil && fnName == "" {
			fnName, fnIndent, fnStart, fnLast = m[2], indent, lineNo, lineNo
			continue
		}
		if fnName == "" {
			continue
		}
		fnLast = lineNo

		inLoop := false
		for _, b := range blocks {
			if b.kind == "loop" {
				inLoop = true
			}
		}
		if inLoop {
			if opts.DetectQueriesInLoops && queryCallRegex.MatchString(trimmed) {
				findings = append(findings, queryInLoopFinding(file, fnName, lineNo, truncateEvidence(trimmed)))
			}
			if concatAssignRegex.MatchString(trimmed) {
				findings = append(findings, concatInLoopFinding(file, fnName, lineNo))
			}
		}

		if strings.HasSuffix(trimmed, ":") {
			kind := "control"
			if strings.HasPrefix(trimmed, "for ") || strings.HasPrefix(trimmed, "while ") {
				kind = "loop"
			}
			blocks = append(blocks, block{kind: kind, indent: indent})
			if len(blocks) > opts.MaxNestingDepth && !nestingBy[fnName] {
				nestingBy[fnName] = true
				findings = append(findings, deepNestingFinding(file, fnName, lineNo, len(blocks), opts.MaxNestingDepth))
			}
		}
	}
	closeFunction()

	return findings
}

func stripLineComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*") {
		return ""
	}
	return line
}

func longFunctionFinding(file *types.File, fn string, start, end, length, threshold int) *types.Finding {
	return newPerformanceFinding(file, KindLongFunction, fn, types.SeverityLow,
		fmt.Sprintf("Function %s is %d lines long", fn, length),
		PerformanceIssue{Function: fn, LineStart: start, LineEnd: end, Measured: length, Threshold: threshold})
}

func deepNestingFinding(file *types.File, fn string, line, depth, threshold int) *types.Finding {
	return newPerformanceFinding(file, KindDeepNesting, fn, types.SeverityLow,
		fmt.Sprintf("Function %s nests control flow %d levels deep", fn, depth),
		PerformanceIssue{Function: fn, LineStart: line, Measured: depth, Threshold: threshold})
}

func queryInLoopFinding(file *types.File, fn string, line int, evidence string) *types.Finding {
	return newPerformanceFinding(file, KindQueryInLoop, fmt.Sprintf("%s:%d", file.Path, line), types.SeverityMedium,
		fmt.Sprintf("Query inside loop in %s", fn),
		PerformanceIssue{Function: fn, LineStart: line, Evidence: evidence})
}

func concatInLoopFinding(file *types.File, fn string, line int) *types.Finding {
	return newPerformanceFinding(file, KindConcatenateLoop, fmt.Sprintf("%s:%d", file.Path, line), types.SeverityLow,
		fmt.Sprintf("String concatenation inside loop in %s", fn),
		PerformanceIssue{Function: fn, LineStart: line})
}

func newPerformanceFinding(file *types.File, kind, target string, sev types.Severity, title string, issue PerformanceIssue) *types.Finding {
	payload, _ := json.Marshal(issue)
	return &types.Finding{
		FileID:   file.ID,
		FilePath: file.Path,
		Kind:     kind,
		Target:   target,
		Title:    title,
		Severity: sev,
		Payload:  payload,
	}
}
