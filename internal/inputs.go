package internal

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// FileOptions is the dialect accepted for submitted code: Python-like
// top-level control flow, while loops, sets, recursion and rebinding.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// InputPlaceholder is a `name = [cast](input(prompt))` assignment.
type InputPlaceholder struct {
	Name   string
	Cast   string // "", "int", "float", "str" or "eval"
	Prompt string
	Line   int

	start, end syntax.Position
}

// InputResolver supplies the value typed by the user for a placeholder.
type InputResolver func(p InputPlaceholder) (string, error)

var castFuncs = map[string]bool{"int": true, "float": true, "str": true, "eval": true}

// FindInputs parses src and returns its input placeholders in source order.
// Source that does not parse yields no placeholders; the interpreter will
// report the syntax error when the code runs.
func FindInputs(src string) []InputPlaceholder {
	translated, err := TranslateImports(src)
	if err != nil {
		return nil
	}
	file, err := FileOptions.Parse("<input>", translated, 0)
	if err != nil {
		return nil
	}
	importLines := map[int]bool{}
	for _, imp := range ScanImports(src) {
		importLines[imp.Line] = true
	}
	var found []InputPlaceholder
	syntax.Walk(file, func(n syntax.Node) bool {
		assign, ok := n.(*syntax.AssignStmt)
		if !ok || assign.Op != syntax.EQ {
			return true
		}
		ident, ok := assign.LHS.(*syntax.Ident)
		if !ok {
			return true
		}
		cast, prompt, ok := matchInputCall(assign.RHS)
		if !ok {
			return true
		}
		start, end := assign.Span()
		if importLines[int(start.Line)] || importLines[int(end.Line)] {
			// columns on rewritten import lines do not match src
			return false
		}
		found = append(found, InputPlaceholder{
			Name:   ident.Name,
			Cast:   cast,
			Prompt: prompt,
			Line:   int(start.Line),
			start:  start,
			end:    end,
		})
		return false
	})
	return found
}

func matchInputCall(expr syntax.Expr) (cast, prompt string, ok bool) {
	call, ok := expr.(*syntax.CallExpr)
	if !ok {
		return "", "", false
	}
	fn, ok := call.Fn.(*syntax.Ident)
	if !ok {
		return "", "", false
	}
	if fn.Name == "input" {
		return "", inputPrompt(call), true
	}
	if !castFuncs[fn.Name] || len(call.Args) != 1 {
		return "", "", false
	}
	inner, ok := call.Args[0].(*syntax.CallExpr)
	if !ok {
		return "", "", false
	}
	if innerFn, ok := inner.Fn.(*syntax.Ident); !ok || innerFn.Name != "input" {
		return "", "", false
	}
	return fn.Name, inputPrompt(inner), true
}

func inputPrompt(call *syntax.CallExpr) string {
	if len(call.Args) == 0 {
		return ""
	}
	if lit, ok := call.Args[0].(*syntax.Literal); ok {
		if s, ok := lit.Value.(string); ok {
			return s
		}
	}
	return ""
}

// SubstituteInputs resolves every input placeholder in src and replaces the
// assignment with a direct assignment of the supplied value. Placeholders are
// located on the syntax tree, so only whole statements are rewritten.
func SubstituteInputs(src string, resolve InputResolver) (string, []InputPlaceholder, error) {
	placeholders := FindInputs(src)
	if len(placeholders) == 0 {
		return src, nil, nil
	}
	values := make([]string, len(placeholders))
	for i, p := range placeholders {
		v, err := resolve(p)
		if err != nil {
			return "", nil, fmt.Errorf("input for %s on line %d: %w", p.Name, p.Line, err)
		}
		values[i] = v
	}
	// Rewrite from the end so earlier offsets stay valid.
	out := src
	for i := len(placeholders) - 1; i >= 0; i-- {
		p := placeholders[i]
		from := offsetOf(out, p.start)
		to := offsetOf(out, p.end)
		if from < 0 || to < from {
			return "", nil, fmt.Errorf("input for %s on line %d: position out of range", p.Name, p.Line)
		}
		out = out[:from] + p.Name + " = " + InputLiteral(p.Cast, values[i]) + out[to:]
	}
	return out, placeholders, nil
}

var (
	intLiteral   = regexp.MustCompile(`^[+-]?\d+(_\d+)*$`)
	floatLiteral = regexp.MustCompile(`^[+-]?(\d+(_\d+)*\.?(\d+(_\d+)*)?|\.\d+(_\d+)*)([eE][+-]?\d+(_\d+)*)?$`)
)

// InputLiteral renders a user-supplied value as source text. Numbers under
// an int or float cast are parsed and inserted in canonical form; anything
// else becomes a string literal, keeping the cast so a bad value fails when
// the code runs.
func InputLiteral(cast, value string) string {
	trimmed := strings.TrimSpace(value)
	quoted := starlark.String(value).String()
	switch cast {
	case "int":
		if lit, ok := intSource(trimmed); ok {
			return lit
		}
		return "int(" + quoted + ")"
	case "float":
		if lit, ok := floatSource(trimmed); ok {
			return lit
		}
		return "float(" + quoted + ")"
	case "eval":
		if trimmed == "" {
			return "None"
		}
		return trimmed
	default:
		return quoted
	}
}

// intSource accepts what int() accepts for base 10, including leading zeros
// and digit separators, and returns a decimal literal.
func intSource(s string) (string, bool) {
	if !intLiteral.MatchString(s) {
		return "", false
	}
	n, ok := new(big.Int).SetString(strings.ReplaceAll(s, "_", ""), 10)
	if !ok {
		return "", false
	}
	return n.String(), true
}

// floatSource returns a finite float literal that always reads back as a
// float, never an int.
func floatSource(s string) (string, bool) {
	if !floatLiteral.MatchString(s) {
		return "", false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
	if err != nil || math.IsInf(f, 0) {
		return "", false
	}
	lit := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(lit, ".e") {
		lit += ".0"
	}
	return lit, true
}

// offsetOf converts a 1-based line and rune column into a byte offset.
func offsetOf(src string, pos syntax.Position) int {
	line, col := int(pos.Line), int(pos.Col)
	offset := 0
	for l := 1; l < line; l++ {
		i := strings.IndexByte(src[offset:], '\n')
		if i < 0 {
			return -1
		}
		offset += i + 1
	}
	for c := 1; c < col; c++ {
		if offset >= len(src) || src[offset] == '\n' {
			return offset
		}
		_, size := utf8.DecodeRuneInString(src[offset:])
		offset += size
	}
	return offset
}
