package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// Finding kinds emitted by the security scanner
const (
	KindHardcodedCredential = "hardcoded_credential"
	KindSQLInjection        = "sql_injection"
	KindCommandInjection    = "command_injection"
	KindCodeEval            = "code_eval"
	KindWeakCrypto          = "weak_crypto"
	KindLocalReplace        = "local_replace"
	KindPseudoVersion       = "pseudo_version"
	KindOutdatedGo          = "outdated_go"
)

// minimumGoVersion is the oldest go directive not reported as outdated
const minimumGoVersion = "v1.21"

// SecurityOptions configures the security scanner
type SecurityOptions struct {
	MinSeverity       string `yaml:"min_severity"`
	CheckDependencies bool   `yaml:"check_dependencies"`
	IncludeTests      bool   `yaml:"include_tests"`
}

// Validate implements capability.Options
func (o *SecurityOptions) Validate() error {
	sev := types.Severity(o.MinSeverity)
	if sev == types.SeverityNone || !sev.IsValid() {
		return fmt.Errorf("invalid min_severity %q", o.MinSeverity)
	}
	return nil
}

// SecurityIssue is the payload of a security finding
type SecurityIssue struct {
	Line        int     `json:"line,omitempty"`
	Evidence    string  `json:"evidence,omitempty"`
	Rule        string  `json:"rule"`
	Remediation string  `json:"remediation"`
	Confidence  float64 `json:"confidence"`
}

// SecurityScanner scans source files for common vulnerabilities.
// Philosophy: 'Security vulnerabilities should be caught before production'
//
// Analyzes:
// - Credential leaks (API keys, passwords, tokens in code)
// - SQL injection (string concatenation in queries)
// - Command injection (user input in exec calls)
// - Dynamic code evaluation
// - Cryptography misuse (weak algorithms)
// - go.mod hygiene (local replaces, pseudo-versions, old toolchains)
type SecurityScanner struct {
	credentialPatterns []*regexp.Regexp
	sqlFuncs           map[string]bool
	cryptoPatterns     []string
	rules              []lineRule
}

// lineRule is a regex-driven check for non-Go sources
type lineRule struct {
	kind        string
	langs       []Language
	re          *regexp.Regexp
	severity    types.Severity
	title       string
	remediation string
	confidence  float64
}

// NewSecurityScanner creates the security scanner capability
func NewSecurityScanner() *SecurityScanner {
	return &SecurityScanner{
		credentialPatterns: compileCredentialPatterns(),
		sqlFuncs:           map[string]bool{"Exec": true, "ExecContext": true, "Query": true, "QueryContext": true, "QueryRow": true, "QueryRowContext": true, "Raw": true},
		cryptoPatterns:     []string{"md5", "MD5", "sha1", "SHA1", "DES", "RC4"},
		rules:              compileLineRules(),
	}
}

// Descriptor implements capability.Capability
func (s *SecurityScanner) Descriptor() capability.Descriptor {
	patterns := append([]string{"go.mod", "*.env", "*.yml", "*.yaml", "*.json"}, SourcePatterns...)
	return capability.Descriptor{
		Type:         types.CapabilitySecurity,
		Description:  "Security vulnerabilities should be caught before production",
		FilePatterns: patterns,
	}
}

// NewOptions implements capability.Capability
func (s *SecurityScanner) NewOptions() capability.Options {
	return &SecurityOptions{
		MinSeverity:       string(types.SeverityLow),
		CheckDependencies: true,
	}
}

// Run implements capability.Capability
func (s *SecurityScanner) Run(ctx context.Context, in capability.Input) (*capability.Output, error) {
	opts, ok := in.Options.(*SecurityOptions)
	if !ok {
		return nil, fmt.Errorf("security: unexpected options type %T", in.Options)
	}
	minRank := types.Severity(opts.MinSeverity).Rank()

	out := &capability.Output{}
	for _, file := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !opts.IncludeTests && isTestFile(file.Path) {
			continue
		}
		out.FilesAnalyzed++

		var issues []*types.Finding
		if path.Base(file.Path) == "go.mod" {
			if !opts.CheckDependencies {
				continue
			}
			issues = s.auditGoMod(file)
		} else {
			issues = s.scanCredentials(file)
			switch DetectLanguage(file.Path) {
			case LangGo:
				issues = append(issues, s.analyzeGoFile(file)...)
			case LangUnknown:
			default:
				issues = append(issues, s.scanLines(file)...)
			}
		}

		for _, f := range issues {
			if f.Severity.Rank() >= minRank {
				out.Findings = append(out.Findings, f)
			}
		}
	}

	out.Summary = fmt.Sprintf("Scanned %d files for security vulnerabilities. Found %d potential security issues.",
		out.FilesAnalyzed, len(out.Findings))
	return out, nil
}

// scanCredentials checks every line for hardcoded secrets. One finding per line.
func (s *SecurityScanner) scanCredentials(file *types.File) []*types.Finding {
	var findings []*types.Finding
	for i, line := range strings.Split(file.Content, "\n") {
		for _, pattern := range s.credentialPatterns {
			if pattern.MatchString(line) {
				findings = append(findings, newSecurityFinding(file, KindHardcodedCredential, i+1, types.SeverityCritical,
					fmt.Sprintf("Potential credential leak in %s", file.Path),
					SecurityIssue{
						Evidence:    redact(line),
						Rule:        pattern.String(),
						Remediation: "Move the secret to environment variables or a secret manager",
						Confidence:  0.7,
					}))
				break
			}
		}
	}
	return findings
}

// analyzeGoFile performs AST-based security analysis.
func (s *SecurityScanner) analyzeGoFile(file *types.File) []*types.Finding {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, file.Path, file.Content, 0)
	if err != nil {
		return nil
	}

	var findings []*types.Finding
	ast.Inspect(node, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		name := sel.Sel.Name
		line := fset.Position(call.Pos()).Line

		switch {
		case s.sqlFuncs[name] && hasStringConcat(call.Args):
			findings = append(findings, newSecurityFinding(file, KindSQLInjection, line, types.SeverityHigh,
				fmt.Sprintf("Potential SQL injection in %s", file.Path),
				SecurityIssue{
					Evidence:    name,
					Rule:        "string concatenation in SQL call",
					Remediation: "Use parameterized queries instead",
					Confidence:  0.8,
				}))

		case (name == "Command" || name == "CommandContext") && hasStringConcat(call.Args):
			findings = append(findings, newSecurityFinding(file, KindCommandInjection, line, types.SeverityHigh,
				fmt.Sprintf("Potential command injection in %s", file.Path),
				SecurityIssue{
					Evidence:    name,
					Rule:        "string concatenation in exec.Command",
					Remediation: "Validate and sanitize inputs; pass arguments separately",
					Confidence:  0.7,
				}))

		case s.isWeakCrypto(name) || s.isWeakCryptoPackage(sel):
			findings = append(findings, newSecurityFinding(file, KindWeakCrypto, line, types.SeverityMedium,
				fmt.Sprintf("Weak cryptography in %s", file.Path),
				SecurityIssue{
					Evidence:    exprText(sel),
					Rule:        "weak hash or cipher",
					Remediation: "Use SHA-256 or stronger",
					Confidence:  0.9,
				}))
		}
		return true
	})
	return findings
}

// scanLines applies the regex rules for the file's language
func (s *SecurityScanner) scanLines(file *types.File) []*types.Finding {
	lang := DetectLanguage(file.Path)
	var findings []*types.Finding

	for i, line := range strings.Split(file.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		for _, rule := range s.rules {
			if !rule.appliesTo(lang) || !rule.re.MatchString(line) {
				continue
			}
			findings = append(findings, newSecurityFinding(file, rule.kind, i+1, rule.severity,
				fmt.Sprintf("%s in %s", rule.title, file.Path),
				SecurityIssue{
					Evidence:    truncateEvidence(trimmed),
					Rule:        rule.re.String(),
					Remediation: rule.remediation,
					Confidence:  rule.confidence,
				}))
		}
	}
	return findings
}

// auditGoMod inspects a go.mod for supply-chain hygiene issues
func (s *SecurityScanner) auditGoMod(file *types.File) []*types.Finding {
	mf, err := modfile.Parse(file.Path, []byte(file.Content), nil)
	if err != nil {
		return nil
	}

	var findings []*types.Finding

	if mf.Go != nil {
		version := mf.Go.Version
		if !strings.HasPrefix(version, "v") {
			version = "v" + version
		}
		if semver.IsValid(version) && semver.Compare(semver.MajorMinor(version), minimumGoVersion) < 0 {
			findings = append(findings, newSecurityFinding(file, KindOutdatedGo, mf.Go.Syntax.Start.Line, types.SeverityInfo,
				fmt.Sprintf("Go version %s is outdated", mf.Go.Version),
				SecurityIssue{
					Evidence:    "go " + mf.Go.Version,
					Rule:        "go directive older than " + minimumGoVersion,
					Remediation: "Upgrade to a supported Go release for security fixes",
					Confidence:  0.9,
				}))
		}
	}

	for _, rep := range mf.Replace {
		if !modfile.IsDirectoryPath(rep.New.Path) {
			continue
		}
		findings = append(findings, newSecurityFinding(file, KindLocalReplace, rep.Syntax.Start.Line, types.SeverityLow,
			fmt.Sprintf("Local replace directive for %s", rep.Old.Path),
			SecurityIssue{
				Evidence:    rep.Old.Path + " => " + rep.New.Path,
				Rule:        "replace directive pointing at a filesystem path",
				Remediation: "Publish the module or pin a released version before shipping",
				Confidence:  1.0,
			}))
	}

	for _, req := range mf.Require {
		if req.Indirect {
			continue
		}
		if module.IsPseudoVersion(req.Mod.Version) {
			findings = append(findings, newSecurityFinding(file, KindPseudoVersion, req.Syntax.Start.Line, types.SeverityLow,
				fmt.Sprintf("Unreleased dependency version: %s", req.Mod.Path),
				SecurityIssue{
					Evidence:    req.Mod.Path + " " + req.Mod.Version,
					Rule:        "pseudo-version require",
					Remediation: "Depend on a tagged release so the code is reviewable and reproducible",
					Confidence:  1.0,
				}))
		}
	}

	return findings
}

func (s *SecurityScanner) isWeakCrypto(name string) bool {
	for _, pattern := range s.cryptoPatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// isWeakCryptoPackage catches md5.Sum, sha1.New and des.NewCipher style calls
func (s *SecurityScanner) isWeakCryptoPackage(sel *ast.SelectorExpr) bool {
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return false
	}
	switch pkg.Name {
	case "md5", "sha1", "des", "rc4":
		return true
	}
	return false
}

// hasStringConcat reports whether any argument builds a string dynamically
func hasStringConcat(args []ast.Expr) bool {
	for _, arg := range args {
		switch e := arg.(type) {
		case *ast.BinaryExpr:
			if e.Op == token.ADD {
				return true
			}
		case *ast.CallExpr:
			if sel, ok := e.Fun.(*ast.SelectorExpr); ok {
				if sel.Sel.Name == "Sprintf" || sel.Sel.Name == "Sprint" {
					return true
				}
			}
		}
	}
	return false
}

func (r lineRule) appliesTo(lang Language) bool {
	for _, l := range r.langs {
		if l == lang {
			return true
		}
	}
	return false
}

func newSecurityFinding(file *types.File, kind string, line int, sev types.Severity, title string, issue SecurityIssue) *types.Finding {
	issue.Line = line
	payload, _ := json.Marshal(issue)
	return &types.Finding{
		FileID:   file.ID,
		FilePath: file.Path,
		Kind:     kind,
		Target:   fmt.Sprintf("%s:%d", file.Path, line),
		Title:    title,
		Severity: sev,
		Payload:  payload,
	}
}

func isTestFile(p string) bool {
	base := path.Base(p)
	return strings.HasSuffix(base, "_test.go") ||
		strings.HasSuffix(base, "Test.php") ||
		strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.HasPrefix(base, "test_")
}

var secretValueRegex = regexp.MustCompile(`(["'])[^"']{4,}(["'])`)

// redact hides quoted values so findings never persist the secret itself
func redact(line string) string {
	return truncateEvidence(secretValueRegex.ReplaceAllString(strings.TrimSpace(line), `$1****$2`))
}

func truncateEvidence(s string) string {
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

func exprText(sel *ast.SelectorExpr) string {
	if id, ok := sel.X.(*ast.Ident); ok {
		return id.Name + "." + sel.Sel.Name
	}
	return sel.Sel.Name
}

// compileCredentialPatterns returns regex patterns for detecting credentials.
func compileCredentialPatterns() []*regexp.Regexp {
	patterns := []string{
		// API keys
		`(?i)api[_-]?key\s*[:=]>?\s*["'][^"']{20,}["']`,
		// AWS keys
		`(?i)aws[_-]?access[_-]?key[_-]?id\s*[:=]>?\s*["'][A-Z0-9]{20}["']`,
		`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]>?\s*["'][A-Za-z0-9/+=]{40}["']`,
		`\bAKIA[0-9A-Z]{16}\b`,
		// Generic secrets
		`(?i)secret\s*[:=]>?\s*["'][^"']{16,}["']`,
		`(?i)password\s*[:=]>?\s*["'][^"']{8,}["']`,
		// Tokens
		`(?i)token\s*[:=]>?\s*["'][^"']{20,}["']`,
		// Private keys
		`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

func compileLineRules() []lineRule {
	scripting := []Language{LangPHP, LangJavaScript, LangTypeScript, LangPython}
	return []lineRule{
		{
			kind:        KindSQLInjection,
			langs:       scripting,
			re:          regexp.MustCompile(`(?i)["'](?:SELECT|INSERT|UPDATE|DELETE)\b[^"']*["']\s*(?:\.|\+)\s*\$?\w+`),
			severity:    types.SeverityHigh,
			title:       "Potential SQL injection",
			remediation: "Use parameterized queries or the query builder's bindings",
			confidence:  0.8,
		},
		{
			kind:        KindSQLInjection,
			langs:       []Language{LangPHP},
			re:          regexp.MustCompile(`(?i)(?:query|raw|statement|select)\s*\([^)]*\$_(?:GET|POST|REQUEST|COOKIE)`),
			severity:    types.SeverityCritical,
			title:       "SQL built from request input",
			remediation: "Never interpolate request input into SQL; bind parameters",
			confidence:  0.9,
		},
		{
			kind:        KindSQLInjection,
			langs:       []Language{LangPython},
			re:          regexp.MustCompile(`(?i)\.execute\s*\(\s*(?:f["']|["'][^"']*["']\s*%)`),
			severity:    types.SeverityHigh,
			title:       "Potential SQL injection",
			remediation: "Pass parameters to execute() instead of formatting the query",
			confidence:  0.8,
		},
		{
			kind:        KindCommandInjection,
			langs:       []Language{LangPHP},
			re:          regexp.MustCompile(`\b(?:shell_exec|exec|system|passthru|popen|proc_open)\s*\([^)]*\$`),
			severity:    types.SeverityHigh,
			title:       "Potential command injection",
			remediation: "Escape arguments with escapeshellarg or avoid the shell",
			confidence:  0.7,
		},
		{
			kind:        KindCommandInjection,
			langs:       []Language{LangPython},
			re:          regexp.MustCompile(`\bos\.system\s*\(|subprocess\.\w+\([^)]*shell\s*=\s*True`),
			severity:    types.SeverityHigh,
			title:       "Potential command injection",
			remediation: "Pass an argument list and avoid shell=True",
			confidence:  0.7,
		},
		{
			kind:        KindCommandInjection,
			langs:       []Language{LangJavaScript, LangTypeScript},
			re:          regexp.MustCompile(`\b(?:exec|execSync)\s*\(\s*(?:` + "`" + `[^` + "`" + `]*\$\{|[^)]*\+)`),
			severity:    types.SeverityHigh,
			title:       "Potential command injection",
			remediation: "Use execFile/spawn with an argument array",
			confidence:  0.7,
		},
		{
			kind:        KindCodeEval,
			langs:       scripting,
			re:          regexp.MustCompile(`(?:^|[^\w.])eval\s*\(`),
			severity:    types.SeverityHigh,
			title:       "Dynamic code evaluation",
			remediation: "Remove eval; parse data explicitly",
			confidence:  0.8,
		},
		{
			kind:        KindWeakCrypto,
			langs:       scripting,
			re:          regexp.MustCompile(`(?i)(?:\b(?:md5|sha1)\s*\(|hashlib\.(?:md5|sha1)\b|createHash\(\s*["'](?:md5|sha1)["'])`),
			severity:    types.SeverityMedium,
			title:       "Weak cryptography",
			remediation: "Use SHA-256 or a password hashing function such as bcrypt",
			confidence:  0.9,
		},
	}
}
