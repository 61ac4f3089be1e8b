package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Pre-compiled cleanup patterns for model output
var (
	// Matches ```json\n{...}\n```, ```{...}```, ``` json{...}```, etc.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)(^|[,{\[])\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// maxParseInput bounds the size of model output we attempt to parse
const maxParseInput = 10 * 1024 * 1024

// ParseResult is the outcome of a lenient JSON parse.
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// Parse attempts to decode model output as JSON, tolerating the usual
// formatting quirks. Strategies, in order:
//  1. Direct JSON parse
//  2. Strip code fences
//  3. Fix trailing commas, unquoted keys and comments
//  4. Extract the first JSON object or array from mixed content
//
// label is prepended to error messages.
func Parse[T any](text, label string) ParseResult[T] {
	if len(text) > maxParseInput {
		return parseError[T](label, fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxParseInput))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T](label, "empty input")
	}

	if data, err := tryDirectParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		if data, err := tryDirectParse[T](withoutFences); err == nil {
			return ParseResult[T]{Success: true, Data: data}
		}
	}

	cleaned := cleanupJSON(withoutFences)
	if data, err := tryDirectParse[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		if data, err := tryDirectParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: data}
		}
	}

	logrus.WithFields(logrus.Fields{
		"context": label,
		"preview": truncate(text, 100),
	}).Debug("JSON parse failed")

	return parseError[T](label, "all JSON parsing strategies failed")
}

func tryDirectParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// removeCodeFences strips markdown code fences from text.
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}

	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimPrefix(cleaned, "`")
		cleaned = strings.TrimSuffix(cleaned, "`")
	}

	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes common formatting issues in model-produced JSON.
// Single quotes are left alone since valid JSON strings may contain apostrophes.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "$1")
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls a JSON object or array out of mixed content.
// The leading character decides the type so an array of objects is not
// reduced to its first element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '[':
			if match := arrayRegex.FindString(text); match != "" {
				return match
			}
		case '{':
			if match := objectRegex.FindString(text); match != "" {
				return match
			}
		}
	}

	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	return arrayRegex.FindString(text)
}

func parseError[T any](label, message string) ParseResult[T] {
	if label != "" {
		message = label + ": " + message
	}
	return ParseResult[T]{Error: message}
}

// truncate shortens s to maxLen bytes, appending an ellipsis.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
