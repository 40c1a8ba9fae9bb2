// Package validator provides static analysis of untrusted code before it
// reaches any execution backend.
//
// The validator inspects a Python snippet without executing it and flags
// imports outside the allow-list, references to denylisted builtins, and
// string patterns typical of obfuscated injection. All violations found are
// returned together with their source location so the caller can explain a
// rejection precisely. Malformed input is itself a violation, never a panic:
// code that fails the structural checks must never reach a backend either.
package validator

import (
	"regexp"
	"strings"
)

// RuleKind identifies which class of check a violation came from.
type RuleKind string

const (
	RuleImport  RuleKind = "import"
	RuleBuiltin RuleKind = "builtin"
	RulePattern RuleKind = "pattern"
	RuleSyntax  RuleKind = "syntax"
)

// Violation is one rejected construct, tagged with its source location.
type Violation struct {
	Kind        RuleKind
	Description string
	Line        int // 1-based
	Column      int // 1-based
}

// Result is the immutable outcome of validating one code string.
type Result struct {
	Valid      bool
	Violations []Violation
}

// DefaultAllowedImports is the baseline import allow-list: common data,
// text, and math utilities. Process control, sockets, reflection, and
// deserialization modules are deliberately absent.
func DefaultAllowedImports() []string {
	return []string{
		"bisect", "collections", "csv", "dataclasses", "datetime",
		"decimal", "enum", "fractions", "functools", "heapq",
		"itertools", "json", "math", "random", "re", "statistics",
		"string", "textwrap", "typing", "unicodedata",
	}
}

// deniedBuiltins are builtin names that provide dynamic code evaluation,
// reflection into live object state, or raw file/process access.
var deniedBuiltins = []string{
	"eval", "exec", "compile", "__import__", "open", "input",
	"globals", "locals", "vars", "getattr", "setattr", "delattr",
	"breakpoint", "memoryview",
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	builtinRe    = regexp.MustCompile(`(^|[^\w.])(` + strings.Join(deniedBuiltins, "|") + `)\s*\(`)
	dunderImport = regexp.MustCompile(`__import__`)
)

// injectionPatterns flag obfuscation tricks that pair encoded payloads with
// dynamic evaluation. The builtin denylist already rejects the evaluation
// call itself; these catch the construction of the payload.
var injectionPatterns = []struct {
	re          *regexp.Regexp
	description string
}{
	{regexp.MustCompile(`base64\s*\.\s*b64decode`), "base64-decoded payload"},
	{regexp.MustCompile(`codecs\s*\.\s*decode`), "codecs-decoded payload"},
	{regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){4,}`), "hex-escaped string payload"},
	{regexp.MustCompile(`chr\s*\(\s*\d+\s*\)\s*\+\s*chr`), "chr()-assembled string payload"},
	{regexp.MustCompile(`__builtins__`), "reference to the builtins table"},
	{regexp.MustCompile(`__subclasses__|__globals__|__class__\s*\.\s*__bases__`), "object-graph traversal"},
	{regexp.MustCompile(`os\s*\.\s*(system|popen|exec\w*|spawn\w*|fork)`), "process-control invocation"},
	{regexp.MustCompile(`subprocess\s*\.`), "subprocess invocation"},
	{regexp.MustCompile(`socket\s*\.\s*socket`), "raw socket construction"},
	{regexp.MustCompile(`(pickle|marshal|shelve)\s*\.\s*loads?\b`), "unsafe deserialization"},
	{regexp.MustCompile(`ctypes\s*\.`), "foreign-function interface access"},
}

// Validate statically analyzes code against the allow/deny configuration.
// It is a pure function: no side effects, and it terminates on any input.
// A nil allowedImports means DefaultAllowedImports.
func Validate(code string, allowedImports []string) Result {
	if allowedImports == nil {
		allowedImports = DefaultAllowedImports()
	}
	allowed := make(map[string]bool, len(allowedImports))
	for _, name := range allowedImports {
		allowed[name] = true
	}

	var violations []Violation

	structViolations, inString := scanStructure(code)
	violations = append(violations, structViolations...)

	for i, line := range strings.Split(code, "\n") {
		if i < len(inString) && inString[i] {
			// Body of a multi-line string: prose, not code.
			continue
		}
		lineNo := i + 1
		stripped := stripComment(line)

		violations = append(violations, checkImports(stripped, lineNo, allowed)...)
		violations = append(violations, checkBuiltins(stripped, lineNo)...)
		violations = append(violations, checkPatterns(stripped, lineNo)...)
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

// checkImports flags `import x` and `from x import y` statements whose
// top-level module is not allow-listed.
func checkImports(line string, lineNo int, allowed map[string]bool) []Violation {
	var violations []Violation

	if m := importRe.FindStringSubmatchIndex(line); m != nil {
		modules := line[m[2]:m[3]]
		pos := 0
		for _, part := range strings.Split(modules, ",") {
			name := strings.TrimSpace(part)
			leading := len(part) - len(strings.TrimLeft(part, " \t"))
			col := m[2] + pos + leading + 1
			top := strings.SplitN(name, ".", 2)[0]
			if !allowed[top] {
				violations = append(violations, Violation{
					Kind:        RuleImport,
					Description: "import of module '" + top + "' is not in the allow-list",
					Line:        lineNo,
					Column:      col,
				})
			}
			pos += len(part) + 1
		}
	}

	if m := fromImportRe.FindStringSubmatchIndex(line); m != nil {
		name := line[m[2]:m[3]]
		top := strings.SplitN(name, ".", 2)[0]
		if !allowed[top] {
			violations = append(violations, Violation{
				Kind:        RuleImport,
				Description: "import of module '" + top + "' is not in the allow-list",
				Line:        lineNo,
				Column:      m[2] + 1,
			})
		}
	}

	return violations
}

// checkBuiltins flags calls to denylisted builtin names and any reference
// to __import__ regardless of call syntax.
func checkBuiltins(line string, lineNo int) []Violation {
	var violations []Violation

	for _, m := range builtinRe.FindAllStringSubmatchIndex(line, -1) {
		name := line[m[4]:m[5]]
		violations = append(violations, Violation{
			Kind:        RuleBuiltin,
			Description: "use of denylisted builtin '" + name + "'",
			Line:        lineNo,
			Column:      m[4] + 1,
		})
	}

	// __import__ passed around without being called is just as dangerous.
	// The call form is already covered by the builtin check above.
	if loc := dunderImport.FindStringIndex(line); loc != nil {
		rest := strings.TrimLeft(line[loc[1]:], " \t")
		if !strings.HasPrefix(rest, "(") {
			violations = append(violations, Violation{
				Kind:        RuleBuiltin,
				Description: "use of denylisted builtin '__import__'",
				Line:        lineNo,
				Column:      loc[0] + 1,
			})
		}
	}

	return violations
}

func checkPatterns(line string, lineNo int) []Violation {
	var violations []Violation
	for _, pattern := range injectionPatterns {
		if loc := pattern.re.FindStringIndex(line); loc != nil {
			violations = append(violations, Violation{
				Kind:        RulePattern,
				Description: "suspicious pattern: " + pattern.description,
				Line:        lineNo,
				Column:      loc[0] + 1,
			})
		}
	}
	return violations
}

// scanStructure is a lightweight parse: it verifies bracket balance and
// string termination, and records which lines begin inside a triple-quoted
// string so the per-line checks can skip string bodies. Code that fails the
// structural checks would fail the interpreter's parser too, and must be
// rejected rather than shipped to a backend.
func scanStructure(code string) ([]Violation, []bool) {
	type open struct {
		ch   byte
		line int
		col  int
	}
	var stack []open
	var violations []Violation

	line, col := 1, 0
	var inString, inTriple bool
	var quote byte
	var stringLine, stringCol int
	startsInString := []bool{false}

	for i := 0; i < len(code); i++ {
		c := code[i]
		col++
		if c == '\n' {
			if inString && !inTriple {
				// Single-quoted strings do not span lines; the heuristic
				// stays permissive by closing the string at the newline.
				inString = false
			}
			startsInString = append(startsInString, inString)
			line++
			col = 0
			continue
		}

		if inString {
			if c == '\\' {
				i++
				col++
			} else if c == quote {
				if !inTriple {
					inString = false
				} else if strings.HasPrefix(code[i:], string([]byte{quote, quote, quote})) {
					inString, inTriple = false, false
					i += 2
					col += 2
				}
			}
			continue
		}

		switch c {
		case '\'', '"':
			inString = true
			quote = c
			stringLine, stringCol = line, col
			if strings.HasPrefix(code[i:], string([]byte{c, c, c})) {
				inTriple = true
				i += 2
				col += 2
			}
		case '#':
			for i < len(code) && code[i] != '\n' {
				i++
			}
			i--
		case '(', '[', '{':
			stack = append(stack, open{ch: c, line: line, col: col})
		case ')', ']', '}':
			if len(stack) == 0 || closerFor(stack[len(stack)-1].ch) != c {
				violations = append(violations, Violation{
					Kind:        RuleSyntax,
					Description: "unmatched '" + string(c) + "'",
					Line:        line,
					Column:      col,
				})
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}

	if inString {
		violations = append(violations, Violation{
			Kind:        RuleSyntax,
			Description: "unterminated string literal",
			Line:        stringLine,
			Column:      stringCol,
		})
	}
	for _, o := range stack {
		violations = append(violations, Violation{
			Kind:        RuleSyntax,
			Description: "unclosed '" + string(o.ch) + "'",
			Line:        o.line,
			Column:      o.col,
		})
	}

	return violations, startsInString
}

func closerFor(opener byte) byte {
	switch opener {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}

// stripComment removes a trailing # comment, respecting string literals.
func stripComment(line string) string {
	var inString bool
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
		case '#':
			return line[:i]
		}
	}
	return line
}
