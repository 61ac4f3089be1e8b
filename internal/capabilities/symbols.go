package capabilities

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Language of a source file, derived from its extension
type Language string

const (
	LangGo         Language = "go"
	LangPHP        Language = "php"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangPython     Language = "python"
	LangUnknown    Language = ""
)

// DetectLanguage maps a file path to a Language.
func DetectLanguage(filePath string) Language {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".go":
		return LangGo
	case ".php":
		return LangPHP
	case ".js", ".jsx", ".mjs", ".cjs", ".vue":
		return LangJavaScript
	case ".ts", ".tsx":
		return LangTypeScript
	case ".py":
		return LangPython
	}
	return LangUnknown
}

// SourcePatterns are the file globs every source-oriented capability accepts
var SourcePatterns = []string{"*.go", "*.php", "*.js", "*.jsx", "*.mjs", "*.cjs", "*.vue", "*.ts", "*.tsx", "*.py"}

// SymbolKind classifies an extracted code element
type SymbolKind string

const (
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolType      SymbolKind = "type"
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolRoute     SymbolKind = "route"
	SymbolModel     SymbolKind = "model"
	SymbolMigration SymbolKind = "migration"
)

// Callable reports whether the symbol can be exercised by a unit test
func (k SymbolKind) Callable() bool {
	return k == SymbolFunction || k == SymbolMethod
}

// Symbol is one documentable element found in a source file
type Symbol struct {
	Kind       SymbolKind `json:"kind"`
	Name       string     `json:"name"`
	Parent     string     `json:"parent,omitempty"`
	Params     []string   `json:"params,omitempty"`
	Returns    string     `json:"returns,omitempty"`
	Extends    string     `json:"extends,omitempty"`
	Line       int        `json:"line"`
	Public     bool       `json:"public"`
	HasDoc     bool       `json:"has_doc"`
	Language   Language   `json:"language"`
	Signature  string     `json:"signature"`
	SourceFile string     `json:"source_file"`
}

// QualifiedName is "Parent.Name" for members and "Name" otherwise
func (s Symbol) QualifiedName() string {
	if s.Parent != "" {
		return s.Parent + "." + s.Name
	}
	return s.Name
}

// Target is the stable identifier used in finding natural keys
func (s Symbol) Target() string {
	return string(s.Kind) + " " + s.QualifiedName()
}

// ExtractSymbols finds documentable elements in a source file.
// Unparseable or unsupported files yield no symbols.
func ExtractSymbols(filePath, content string) []Symbol {
	var symbols []Symbol
	switch lang := DetectLanguage(filePath); lang {
	case LangGo:
		symbols = extractGoSymbols(filePath, content)
	case LangPHP:
		symbols = extractPHPSymbols(filePath, content)
	case LangJavaScript, LangTypeScript:
		symbols = extractJSSymbols(filePath, content, lang)
	case LangPython:
		symbols = extractPythonSymbols(filePath, content)
	}

	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Line < symbols[j].Line })
	return symbols
}

func extractGoSymbols(filePath, content string) []Symbol {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filePath, content, parser.ParseComments)
	if err != nil {
		return nil
	}

	var symbols []Symbol
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := Symbol{
				Kind:       SymbolFunction,
				Name:       d.Name.Name,
				Line:       fset.Position(d.Pos()).Line,
				Public:     d.Name.IsExported(),
				HasDoc:     d.Doc != nil,
				Language:   LangGo,
				SourceFile: filePath,
				Params:     goFieldNames(d.Type.Params),
				Returns:    goFieldTypes(d.Type.Results),
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				sym.Kind = SymbolMethod
				sym.Parent = goReceiverName(d.Recv.List[0].Type)
			}
			sym.Signature = lineAt(content, sym.Line)
			symbols = append(symbols, sym)

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				kind := SymbolType
				if _, isIface := ts.Type.(*ast.InterfaceType); isIface {
					kind = SymbolInterface
				}
				line := fset.Position(ts.Pos()).Line
				symbols = append(symbols, Symbol{
					Kind:       kind,
					Name:       ts.Name.Name,
					Line:       line,
					Public:     ts.Name.IsExported(),
					HasDoc:     d.Doc != nil || ts.Doc != nil,
					Language:   LangGo,
					SourceFile: filePath,
					Signature:  lineAt(content, line),
				})
			}
		}
	}
	return symbols
}

func goFieldNames(fl *ast.FieldList) []string {
	if fl == nil {
		return nil
	}
	var names []string
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			names = append(names, exprString(f.Type))
			continue
		}
		for _, n := range f.Names {
			names = append(names, n.Name)
		}
	}
	return names
}

func goFieldTypes(fl *ast.FieldList) string {
	if fl == nil {
		return ""
	}
	var out []string
	for _, f := range fl.List {
		t := exprString(f.Type)
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, t)
		}
	}
	return strings.Join(out, ", ")
}

func goReceiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return goReceiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return goReceiverName(t.X)
	case *ast.IndexListExpr:
		return goReceiverName(t.X)
	}
	return ""
}

// exprString renders a type expression the way it appears in source
func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return "map[" + exprString(t.Key) + "]" + exprString(t.Value)
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.FuncType:
		return "func"
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.IndexExpr:
		return exprString(t.X) + "[" + exprString(t.Index) + "]"
	}
	return "?"
}

var (
	phpClassRegex     = regexp.MustCompile(`(?m)^[ \t]*(?:abstract\s+|final\s+)?(class|interface|trait)\s+(\w+)(?:\s+extends\s+([\w\\]+))?`)
	phpFunctionRegex  = regexp.MustCompile(`(?m)^[ \t]*((?:(?:public|private|protected|static|abstract|final)\s+)*)function\s+&?(\w+)\s*\(([^)]*)\)(?:\s*:\s*\??([\w\\]+))?`)
	phpRouteRegex     = regexp.MustCompile(`Route::(get|post|put|patch|delete|any)\s*\(\s*['"]([^'"]+)['"]`)
	phpParamNameRegex = regexp.MustCompile(`\$(\w+)`)
)

func extractPHPSymbols(filePath, content string) []Symbol {
	var symbols []Symbol
	classes := blockSpans(content, phpClassRegex)

	for _, m := range phpClassRegex.FindAllStringSubmatchIndex(content, -1) {
		keyword := content[m[2]:m[3]]
		name := content[m[4]:m[5]]
		extends := ""
		if m[6] >= 0 {
			extends = content[m[6]:m[7]]
		}

		kind := SymbolClass
		switch {
		case keyword == "interface":
			kind = SymbolInterface
		case keyword == "trait":
			kind = SymbolType
		case baseName(extends) == "Model":
			kind = SymbolModel
		case baseName(extends) == "Migration":
			kind = SymbolMigration
		}

		line := lineOf(content, m[0])
		symbols = append(symbols, Symbol{
			Kind:       kind,
			Name:       name,
			Extends:    extends,
			Line:       line,
			Public:     true,
			HasDoc:     precededByDocBlock(content, m[0]),
			Language:   LangPHP,
			SourceFile: filePath,
			Signature:  lineAt(content, line),
		})
	}

	for _, m := range phpFunctionRegex.FindAllStringSubmatchIndex(content, -1) {
		modifiers := content[m[2]:m[3]]
		name := content[m[4]:m[5]]
		params := phpParamNameRegex.FindAllStringSubmatch(content[m[6]:m[7]], -1)
		returns := ""
		if m[8] >= 0 {
			returns = content[m[8]:m[9]]
		}

		sym := Symbol{
			Kind:       SymbolFunction,
			Name:       name,
			Returns:    returns,
			Line:       lineOf(content, m[0]),
			Public:     !strings.Contains(modifiers, "private") && !strings.Contains(modifiers, "protected"),
			HasDoc:     precededByDocBlock(content, m[0]),
			Language:   LangPHP,
			SourceFile: filePath,
		}
		for _, p := range params {
			sym.Params = append(sym.Params, p[1])
		}
		if parent := enclosingSpan(classes, m[0]); parent != "" {
			sym.Kind = SymbolMethod
			sym.Parent = parent
		}
		sym.Signature = lineAt(content, sym.Line)
		symbols = append(symbols, sym)
	}

	for _, m := range phpRouteRegex.FindAllStringSubmatchIndex(content, -1) {
		verb := strings.ToUpper(content[m[2]:m[3]])
		uri := content[m[4]:m[5]]
		line := lineOf(content, m[0])
		symbols = append(symbols, Symbol{
			Kind:       SymbolRoute,
			Name:       verb + " " + uri,
			Line:       line,
			Public:     true,
			Language:   LangPHP,
			SourceFile: filePath,
			Signature:  lineAt(content, line),
		})
	}

	return symbols
}

var (
	jsClassRegex    = regexp.MustCompile(`(?m)^[ \t]*(export\s+(?:default\s+)?)?(?:abstract\s+)?(class|interface)\s+(\w+)(?:\s+extends\s+([\w.]+))?`)
	jsFunctionRegex = regexp.MustCompile(`(?m)^[ \t]*(export\s+(?:default\s+)?)?(?:async\s+)?function\s*\*?\s*(\w+)\s*(?:<[^>]*>)?\(([^)]*)\)`)
	jsArrowRegex    = regexp.MustCompile(`(?m)^[ \t]*(export\s+)?(?:const|let|var)\s+(\w+)\s*(?::\s*[^=]+)?=\s*(?:async\s*)?\(([^)]*)\)\s*(?::\s*[^=]+)?=>`)
	jsMethodRegex   = regexp.MustCompile(`(?m)^[ \t]+((?:(?:public|private|protected|static|async|readonly)\s+)*)(#?\w+)\s*\(([^)]*)\)\s*(?::\s*[\w<>\[\]|, ]+)?\s*\{`)
	jsParamRegex    = regexp.MustCompile(`^\s*(?:\.\.\.)?([\w$]+)`)
)

var jsReservedWords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"function": true, "return": true, "constructor": true, "super": true,
}

func extractJSSymbols(filePath, content string, lang Language) []Symbol {
	var symbols []Symbol
	classes := blockSpans(content, jsClassRegex)

	for _, m := range jsClassRegex.FindAllStringSubmatchIndex(content, -1) {
		kind := SymbolClass
		if content[m[4]:m[5]] == "interface" {
			kind = SymbolInterface
		}
		line := lineOf(content, m[0])
		sym := Symbol{
			Kind:       kind,
			Name:       content[m[6]:m[7]],
			Line:       line,
			Public:     m[2] >= 0,
			HasDoc:     precededByDocBlock(content, m[0]),
			Language:   lang,
			SourceFile: filePath,
			Signature:  lineAt(content, line),
		}
		if m[8] >= 0 {
			sym.Extends = content[m[8]:m[9]]
		}
		symbols = append(symbols, sym)
	}

	addFunc := func(m []int, exported bool, name, params string) {
		line := lineOf(content, m[0])
		symbols = append(symbols, Symbol{
			Kind:       SymbolFunction,
			Name:       name,
			Params:     jsParams(params),
			Line:       line,
			Public:     exported,
			HasDoc:     precededByDocBlock(content, m[0]),
			Language:   lang,
			SourceFile: filePath,
			Signature:  lineAt(content, line),
		})
	}
	for _, m := range jsFunctionRegex.FindAllStringSubmatchIndex(content, -1) {
		if enclosingSpan(classes, m[0]) != "" {
			continue
		}
		addFunc(m, m[2] >= 0, content[m[4]:m[5]], content[m[6]:m[7]])
	}
	for _, m := range jsArrowRegex.FindAllStringSubmatchIndex(content, -1) {
		if enclosingSpan(classes, m[0]) != "" {
			continue
		}
		addFunc(m, m[2] >= 0, content[m[4]:m[5]], content[m[6]:m[7]])
	}

	for _, m := range jsMethodRegex.FindAllStringSubmatchIndex(content, -1) {
		parent := enclosingSpan(classes, m[0])
		name := content[m[4]:m[5]]
		if parent == "" || jsReservedWords[name] {
			continue
		}
		modifiers := content[m[2]:m[3]]
		line := lineOf(content, m[0])
		symbols = append(symbols, Symbol{
			Kind:       SymbolMethod,
			Name:       name,
			Parent:     parent,
			Params:     jsParams(content[m[6]:m[7]]),
			Line:       line,
			Public:     !strings.HasPrefix(name, "#") && !strings.HasPrefix(name, "_") && !strings.Contains(modifiers, "private"),
			HasDoc:     precededByDocBlock(content, m[0]),
			Language:   lang,
			SourceFile: filePath,
			Signature:  lineAt(content, line),
		})
	}

	return symbols
}

func jsParams(params string) []string {
	var out []string
	for _, p := range strings.Split(params, ",") {
		if m := jsParamRegex.FindStringSubmatch(p); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

var (
	pyDefRegex   = regexp.MustCompile(`(?m)^([ \t]*)(?:async\s+)?def\s+(\w+)\s*\(([^)]*)\)(?:\s*->\s*([^:]+))?:`)
	pyClassRegex = regexp.MustCompile(`(?m)^([ \t]*)class\s+(\w+)(?:\(([^)]*)\))?:`)
)

func extractPythonSymbols(filePath, content string) []Symbol {
	var symbols []Symbol

	type classSpan struct {
		name   string
		indent int
		start  int
	}
	var classList []classSpan

	for _, m := range pyClassRegex.FindAllStringSubmatchIndex(content, -1) {
		indent := m[3] - m[2]
		name := content[m[4]:m[5]]
		classList = append(classList, classSpan{name: name, indent: indent, start: m[0]})

		line := lineOf(content, m[0])
		sym := Symbol{
			Kind:       SymbolClass,
			Name:       name,
			Line:       line,
			Public:     !strings.HasPrefix(name, "_"),
			HasDoc:     followedByDocstring(content, m[1]),
			Language:   LangPython,
			SourceFile: filePath,
			Signature:  strings.TrimSpace(lineAt(content, line)),
		}
		if m[6] >= 0 {
			sym.Extends = strings.TrimSpace(content[m[6]:m[7]])
		}
		symbols = append(symbols, sym)
	}

	for _, m := range pyDefRegex.FindAllStringSubmatchIndex(content, -1) {
		indent := m[3] - m[2]
		name := content[m[4]:m[5]]
		line := lineOf(content, m[0])

		sym := Symbol{
			Kind:       SymbolFunction,
			Name:       name,
			Line:       line,
			Public:     !strings.HasPrefix(name, "_") || (strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")),
			HasDoc:     followedByDocstring(content, m[1]),
			Language:   LangPython,
			SourceFile: filePath,
			Signature:  strings.TrimSpace(lineAt(content, line)),
		}
		if m[8] >= 0 {
			sym.Returns = strings.TrimSpace(content[m[8]:m[9]])
		}
		for _, p := range strings.Split(content[m[6]:m[7]], ",") {
			p = strings.TrimSpace(strings.SplitN(strings.SplitN(p, ":", 2)[0], "=", 2)[0])
			p = strings.TrimLeft(p, "*")
			if p != "" && p != "self" && p != "cls" {
				sym.Params = append(sym.Params, p)
			}
		}

		// Innermost preceding class with smaller indentation owns the method
		if indent > 0 {
			for i := len(classList) - 1; i >= 0; i-- {
				if classList[i].start < m[0] && classList[i].indent < indent {
					sym.Kind = SymbolMethod
					sym.Parent = classList[i].name
					break
				}
			}
		}
		symbols = append(symbols, sym)
	}

	return symbols
}

// span is the byte range of a brace-delimited block and its owner's name
type span struct {
	name       string
	start, end int
}

// blockSpans locates the brace-delimited body following each match of re.
// The last capture group that matched a word is taken as the block's name.
func blockSpans(content string, re *regexp.Regexp) []span {
	var spans []span
	for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
		name := ""
		for g := 2; g+1 < len(m); g += 2 {
			if m[g] >= 0 {
				candidate := content[m[g]:m[g+1]]
				if isIdentifier(candidate) && candidate != "class" && candidate != "interface" && candidate != "trait" {
					name = candidate
					break
				}
			}
		}
		open := strings.IndexByte(content[m[1]:], '{')
		if open < 0 {
			continue
		}
		start := m[1] + open
		spans = append(spans, span{name: name, start: start, end: matchBrace(content, start)})
	}
	return spans
}

// matchBrace returns the index of the brace closing the one at open,
// or len(content) when unbalanced. Braces inside string literals are skipped.
func matchBrace(content string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(content); i++ {
		c := content[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(content)
}

func enclosingSpan(spans []span, offset int) string {
	name := ""
	for _, s := range spans {
		if offset > s.start && offset < s.end {
			name = s.name
		}
	}
	return name
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}

// precededByDocBlock reports whether the declaration at offset follows a
// /** ... */ block or // comment line.
func precededByDocBlock(content string, offset int) bool {
	before := strings.TrimRight(content[:offset], " \t\r\n")
	return strings.HasSuffix(before, "*/") || strings.HasPrefix(strings.TrimSpace(lastLine(before)), "//")
}

func followedByDocstring(content string, offset int) bool {
	after := strings.TrimLeft(content[offset:], " \t\r\n")
	return strings.HasPrefix(after, `"""`) || strings.HasPrefix(after, `'''`)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// lineOf returns the 1-based line number of a byte offset
func lineOf(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

// lineAt returns the trimmed text of a 1-based line
func lineAt(content string, line int) string {
	lines := strings.SplitN(content, "\n", line+1)
	if line-1 < len(lines) {
		return strings.TrimSpace(lines[line-1])
	}
	return ""
}

func baseName(qualified string) string {
	if i := strings.LastIndexAny(qualified, `\.`); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
