package service

import (
	"regexp"
	"strings"
)

// SymbolFormatter renders the ASCII spellings of common math symbols in
// printed output as their Unicode glyphs. Word-like symbols are replaced
// only on token boundaries, so "spin" keeps its "pi" and "zoom" its "oo".
type SymbolFormatter struct{}

var (
	wordSymbols = regexp.MustCompile(`\b(oo|sqrt|pi)\b`)
	glyphs      = map[string]string{"oo": "∞", "sqrt": "√", "pi": "π"}
	opGlyphs    = map[string]string{"&": "∧", "|": "∨"}

	// mathOperand matches the short symbols logic expressions print, such
	// as x, p1, x_2 or ~q, with any parentheses attached.
	mathOperand = regexp.MustCompile(`^[(~]*([A-Za-z][A-Za-z]?\d*(_\w+)?|\d+(\.\d+)?|True|False)\)*$`)
)

func (SymbolFormatter) Format(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = formatOperators(line)
	}
	return wordSymbols.ReplaceAllStringFunc(strings.Join(lines, "\n"), func(word string) string {
		return glyphs[word]
	})
}

// formatOperators rewrites & and | standing alone between two symbolic
// operands. Rows framed by | are tables and stay as printed.
func formatOperators(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "|") || strings.HasSuffix(trimmed, "|") {
		return line
	}
	tokens := strings.Split(line, " ")
	for i := 1; i < len(tokens)-1; i++ {
		glyph, ok := opGlyphs[tokens[i]]
		if ok && mathOperand.MatchString(tokens[i-1]) && mathOperand.MatchString(tokens[i+1]) {
			tokens[i] = glyph
		}
	}
	return strings.Join(tokens, " ")
}

// PlainFormatter leaves text untouched.
type PlainFormatter struct{}

func (PlainFormatter) Format(text string) string { return text }
