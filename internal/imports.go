package internal

import (
	"fmt"
	"regexp"
	"strings"
)

// StdlibModules lists the modules that ship with the interpreter. They are
// never requested for installation; any other import goes through the
// installer, which rejects names it cannot provide.
var StdlibModules = map[string]bool{
	"math":   true,
	"random": true,
	"time":   true,
	"json":   true,
}

// BaselinePackage is requested for every run so that plot rendering is
// always captured.
const BaselinePackage = "matplotlib"

// Import is one module binding taken from an import statement.
type Import struct {
	Line   int    // 1-based source line
	Module string // dotted module path
	Bind   string // name bound in the namespace
	Member string // member taken from the module for from-imports
}

// TopLevel returns the first component of the module path.
func (i Import) TopLevel() string {
	name, _, _ := strings.Cut(i.Module, ".")
	return name
}

func (i Import) statement() string {
	if i.Member != "" {
		return fmt.Sprintf("%s = __import__(%q).%s", i.Bind, i.Module, i.Member)
	}
	return fmt.Sprintf("%s = __import__(%q)", i.Bind, i.Module)
}

// ImportError reports an import statement that cannot be expressed.
type ImportError struct {
	Line int
	Msg  string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("SyntaxError: %s (line %d)", e.Msg, e.Line)
}

var (
	importLine = regexp.MustCompile(`^(\s*)import\s+([^;#]+?)\s*([;#].*)?$`)
	fromLine   = regexp.MustCompile(`^(\s*)from\s+([\w.]+)\s+import\s+([^;#]+?)\s*([;#].*)?$`)
	dottedName = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)*$`)
	identName  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

type importStatement struct {
	line    int
	indent  string
	rest    string
	imports []Import
}

// ScanImports returns every import binding in src, in source order.
// Malformed statements are skipped; TranslateImports reports them.
func ScanImports(src string) []Import {
	stmts, _ := parseImports(src)
	var out []Import
	for _, stmt := range stmts {
		out = append(out, stmt.imports...)
	}
	return out
}

// RequiredPackages returns the installable top-level modules imported by
// src, in order of first appearance, followed by the baseline package.
func RequiredPackages(src string) []string {
	seen := map[string]bool{}
	var pkgs []string
	add := func(name string) {
		if name == "" || seen[name] || StdlibModules[name] {
			return
		}
		seen[name] = true
		pkgs = append(pkgs, name)
	}
	for _, imp := range ScanImports(src) {
		add(imp.TopLevel())
	}
	add(BaselinePackage)
	return pkgs
}

// TranslateImports rewrites import statements into assignments from the
// interpreter's __import__ builtin. Line structure is preserved so error
// positions keep pointing at the submitted source.
func TranslateImports(src string) (string, error) {
	stmts, err := parseImports(src)
	if err != nil {
		return "", err
	}
	if len(stmts) == 0 {
		return src, nil
	}
	lines := strings.Split(src, "\n")
	for _, stmt := range stmts {
		parts := make([]string, 0, len(stmt.imports))
		for _, imp := range stmt.imports {
			parts = append(parts, imp.statement())
		}
		lines[stmt.line-1] = stmt.indent + strings.Join(parts, "; ") + stmt.rest
	}
	return strings.Join(lines, "\n"), nil
}

func parseImports(src string) ([]importStatement, error) {
	var (
		stmts    []importStatement
		inString string
	)
	for i, line := range strings.Split(src, "\n") {
		lineNo := i + 1
		if inString != "" {
			if strings.Count(line, inString)%2 == 1 {
				inString = ""
			}
			continue
		}
		if m := importLine.FindStringSubmatch(line); m != nil {
			stmt := importStatement{line: lineNo, indent: m[1], rest: m[3]}
			for _, clause := range strings.Split(m[2], ",") {
				module, alias, err := splitAlias(clause, lineNo)
				if err != nil {
					return nil, err
				}
				if !dottedName.MatchString(module) {
					return nil, &ImportError{Line: lineNo, Msg: fmt.Sprintf("invalid module name %q", module)}
				}
				imp := Import{Line: lineNo, Module: module, Bind: alias}
				if alias == "" {
					// import a.b binds a
					imp.Module, _, _ = strings.Cut(module, ".")
					imp.Bind = imp.Module
				}
				stmt.imports = append(stmt.imports, imp)
			}
			stmts = append(stmts, stmt)
			continue
		}
		if m := fromLine.FindStringSubmatch(line); m != nil {
			stmt := importStatement{line: lineNo, indent: m[1], rest: m[4]}
			names := strings.TrimSpace(m[3])
			names = strings.TrimSuffix(strings.TrimPrefix(names, "("), ")")
			for _, clause := range strings.Split(names, ",") {
				if strings.TrimSpace(clause) == "" {
					continue
				}
				member, alias, err := splitAlias(clause, lineNo)
				if err != nil {
					return nil, err
				}
				if member == "*" {
					return nil, &ImportError{Line: lineNo, Msg: "wildcard imports are not supported"}
				}
				if alias == "" {
					alias = member
				}
				stmt.imports = append(stmt.imports, Import{Line: lineNo, Module: m[2], Bind: alias, Member: member})
			}
			stmts = append(stmts, stmt)
			continue
		}
		for _, quote := range []string{`"""`, `'''`} {
			if strings.Count(line, quote)%2 == 1 {
				inString = quote
				break
			}
		}
	}
	return stmts, nil
}

func splitAlias(clause string, line int) (name, alias string, err error) {
	fields := strings.Fields(clause)
	switch {
	case len(fields) == 1:
		name = fields[0]
	case len(fields) == 3 && fields[1] == "as":
		name, alias = fields[0], fields[2]
		if !identName.MatchString(alias) {
			return "", "", &ImportError{Line: line, Msg: fmt.Sprintf("invalid alias %q", alias)}
		}
	default:
		return "", "", &ImportError{Line: line, Msg: fmt.Sprintf("invalid import clause %q", strings.TrimSpace(clause))}
	}
	if name != "*" && !dottedName.MatchString(name) {
		return "", "", &ImportError{Line: line, Msg: fmt.Sprintf("invalid name %q", name)}
	}
	return name, alias, nil
}
