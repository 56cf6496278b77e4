package decision

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoDecisionArray the response contains no JSON array of decision objects
var ErrNoDecisionArray = errors.New("no JSON decision array found")

// ResponseEntry one decision entry as returned by the reasoning service
type ResponseEntry struct {
	Identifier   string
	Action       string
	PositionType string
	Reasoning    string
}

// ParseResult either the parsed entries or the failure that makes the whole response unusable
type ParseResult struct {
	Entries []ResponseEntry
	Err     error
}

// Failed reports whether the response could not be used
func (r ParseResult) Failed() bool {
	return r.Err != nil
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseResponse tolerantly extracts the decision array from free text. Code fences and
// surrounding prose are skipped, smart quotes and trailing commas repaired, unknown fields
// ignored. Entries without an identifier are dropped.
func ParseResponse(response string) ParseResult {
	raw, err := extractDecisionArray(response)
	if err != nil {
		return ParseResult{Err: err}
	}

	var entries []ResponseEntry
	for _, item := range gjson.Parse(raw).Array() {
		if !item.IsObject() {
			continue
		}
		e := ResponseEntry{
			Identifier:   strings.TrimSpace(firstString(item, "identifier", "id", "symbol")),
			Action:       strings.TrimSpace(firstString(item, "action")),
			PositionType: strings.TrimSpace(firstString(item, "positionType", "position_type", "side")),
			Reasoning:    strings.TrimSpace(firstString(item, "reasoning", "reason")),
		}
		if e.Identifier == "" {
			continue
		}
		entries = append(entries, e)
	}
	return ParseResult{Entries: entries}
}

// extractDecisionArray finds the first array of objects, preferring fenced code blocks
func extractDecisionArray(response string) (string, error) {
	for _, block := range codeBlocks(response) {
		if arr, ok := findObjectArray(block); ok {
			return arr, nil
		}
	}
	if arr, ok := findObjectArray(response); ok {
		return arr, nil
	}
	return "", fmt.Errorf("%w (response: %s)", ErrNoDecisionArray, truncateString(response, 200))
}

// codeBlocks returns the contents of ``` fenced blocks (language tag stripped)
func codeBlocks(response string) []string {
	var blocks []string
	rest := response
	for {
		start := strings.Index(rest, "```")
		if start == -1 {
			break
		}
		body := rest[start+3:]
		end := strings.Index(body, "```")
		if end == -1 {
			break
		}
		content := body[:end]
		// Skip the language tag line (```json)
		if nl := strings.IndexAny(content, "\r\n"); nl != -1 && !strings.ContainsAny(content[:nl], "[{") {
			content = content[nl+1:]
		}
		blocks = append(blocks, content)
		rest = body[end+3:]
	}
	return blocks
}

// findObjectArray scans for "[" followed by "{" whose bracketed span is valid JSON. The raw
// text is tried first; smart-quote repair runs only when no raw span is usable, since curly
// quotes inside valid string values must survive.
func findObjectArray(text string) (string, bool) {
	if arr, ok := scanObjectArray(text); ok {
		return arr, true
	}
	if repaired := fixMissingQuotes(text); repaired != text {
		return scanObjectArray(repaired)
	}
	return "", false
}

func scanObjectArray(text string) (string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		j := i + 1
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		if j >= len(text) || text[j] != '{' {
			continue
		}
		end := findMatchingBracket(text, i)
		if end == -1 {
			continue
		}
		span := text[i : end+1]
		if gjson.Valid(span) {
			return span, true
		}
		if candidate := trailingComma.ReplaceAllString(span, "$1"); gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// findMatchingBracket finds the "]" closing the "[" at start, ignoring brackets inside strings
func findMatchingBracket(s string, start int) int {
	if start >= len(s) || s[start] != '[' {
		return -1
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// fixMissingQuotes replaces typographic quotes with ASCII quotes
func fixMissingQuotes(s string) string {
	s = strings.ReplaceAll(s, "“", "\"")
	s = strings.ReplaceAll(s, "”", "\"")
	s = strings.ReplaceAll(s, "‘", "'")
	s = strings.ReplaceAll(s, "’", "'")
	return s
}

func firstString(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		if r := item.Get(k); r.Exists() && r.Type != gjson.Null {
			return r.String()
		}
	}
	return ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// truncateString truncates string to specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
