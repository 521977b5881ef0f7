package evaluator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

var (
	// ErrNotAllowed marks input that uses a name or construct outside the
	// whitelist.
	ErrNotAllowed = errors.New("not allowed")

	// ErrSyntax marks input that cannot be parsed.
	ErrSyntax = errors.New("invalid expression syntax")

	// ErrTooComplex marks input that exceeds the length or nesting limits.
	ErrTooComplex = errors.New("expression too complex")
)

var variablePattern = regexp.MustCompile(`^[A-Za-z][0-9]*$`)

// functionArity maps each whitelisted function to its accepted argument
// counts. Operators such as diff and integrate are resolved while parsing.
var functionArity = map[string][]int{
	"sqrt":      {1},
	"log":       {1, 2},
	"ln":        {1},
	"exp":       {1},
	"sin":       {1},
	"cos":       {1},
	"tan":       {1},
	"asin":      {1},
	"acos":      {1},
	"atan":      {1},
	"Abs":       {1},
	"factorial": {1},
	"binomial":  {2},
	"simplify":  {1},
	"expand":    {1},
	"factor":    {1},
	"diff":      {1, 2, 3},
	"integrate": {1, 2, 4},
	"limit":     {3, 4},
}

// Whitelist returns every function and constant name the evaluator accepts.
func Whitelist() []string {
	names := []string{constPi, constE, constInf}
	for name := range functionArity {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isFunctionName(name string) bool {
	_, ok := functionArity[name]
	return ok
}

// IsVariableName reports whether name is a valid variable: one letter
// optionally followed by digits, and not a reserved constant.
func IsVariableName(name string) bool {
	return variablePattern.MatchString(name) && !isConstName(name)
}

type tokenKind int

const (
	tokOther tokenKind = iota
	tokNumber
	tokValue
	tokFunc
	tokClose
)

// normalize rewrites the math notation people type into the grammar the
// parser accepts: ^ becomes ** and implicit products such as 2x, 3(x+1)
// and (a)(b) get an explicit *.
func normalize(input string) string {
	rs := []rune(strings.TrimSpace(input))
	n := len(rs)
	var b strings.Builder
	prev := tokOther
	implicit := func() bool { return prev == tokNumber || prev == tokValue || prev == tokClose }
	isDigit := func(r rune) bool { return r >= '0' && r <= '9' }

	for i := 0; i < n; {
		r := rs[i]
		switch {
		case r == '"' || r == '\'':
			j := i + 1
			for j < n && rs[j] != r {
				j++
			}
			if j < n {
				j++
			}
			b.WriteString(string(rs[i:j]))
			prev = tokOther
			i = j
		case isDigit(r) || (r == '.' && i+1 < n && isDigit(rs[i+1])):
			j := i
			for j < n && (isDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			if j < n && (rs[j] == 'e' || rs[j] == 'E') {
				k := j + 1
				if k < n && (rs[k] == '+' || rs[k] == '-') {
					k++
				}
				if k < n && isDigit(rs[k]) {
					for k < n && isDigit(rs[k]) {
						k++
					}
					j = k
				}
			}
			if implicit() {
				b.WriteByte('*')
			}
			b.WriteString(string(rs[i:j]))
			prev = tokNumber
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < n && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			word := string(rs[i:j])
			if implicit() {
				b.WriteByte('*')
			}
			b.WriteString(word)
			if isFunctionName(word) {
				prev = tokFunc
			} else {
				prev = tokValue
			}
			i = j
		case r == '(':
			if implicit() {
				b.WriteByte('*')
			}
			b.WriteRune(r)
			prev = tokOther
			i++
		case r == ')':
			b.WriteRune(r)
			prev = tokClose
			i++
		case r == '^':
			b.WriteString("**")
			prev = tokOther
			i++
		case unicode.IsSpace(r):
			b.WriteByte(' ')
			i++
		default:
			b.WriteRune(r)
			prev = tokOther
			i++
		}
	}
	return b.String()
}

// parse normalizes and parses input, then converts the syntax tree into a
// symbolic expression. Operators like diff are applied during conversion.
func (ev *Evaluator) parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	if len(input) > ev.maxLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrTooComplex, ev.maxLength)
	}
	tree, err := parser.Parse(normalize(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSyntax, firstLine(err.Error()))
	}
	c := converter{maxDepth: ev.maxDepth}
	return c.convert(tree.Node, 0)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type converter struct {
	maxDepth int
}

func (c converter) convert(node ast.Node, depth int) (Expr, error) {
	if depth > c.maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrTooComplex, c.maxDepth)
	}
	switch n := node.(type) {
	case *ast.IntegerNode:
		return num(float64(n.Value)), nil
	case *ast.FloatNode:
		return num(n.Value), nil
	case *ast.IdentifierNode:
		return identifier(n.Value)
	case *ast.UnaryNode:
		operand, err := c.convert(n.Node, depth+1)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "-":
			return neg(operand), nil
		case "+":
			return operand, nil
		}
		return nil, fmt.Errorf("%w: operator %q", ErrNotAllowed, n.Operator)
	case *ast.BinaryNode:
		return c.binary(n, depth)
	case *ast.CallNode:
		ident, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return nil, fmt.Errorf("%w: only direct calls to whitelisted functions", ErrNotAllowed)
		}
		return c.apply(ident.Value, n.Arguments, depth)
	case *ast.BuiltinNode:
		return c.apply(n.Name, n.Arguments, depth)
	case *ast.MemberNode:
		return nil, fmt.Errorf("%w: attribute access", ErrNotAllowed)
	case *ast.StringNode:
		return nil, fmt.Errorf("%w: string literal", ErrNotAllowed)
	}
	return nil, fmt.Errorf("%w: unsupported construct %s", ErrNotAllowed, describe(node))
}

func describe(node ast.Node) string {
	name := fmt.Sprintf("%T", node)
	name = strings.TrimPrefix(name, "*ast.")
	return strings.ToLower(strings.TrimSuffix(name, "Node"))
}

func identifier(name string) (Expr, error) {
	switch {
	case isConstName(name):
		return sym(name), nil
	case isFunctionName(name):
		return nil, fmt.Errorf("%w: function %s used without arguments", ErrSyntax, name)
	case IsVariableName(name):
		return sym(name), nil
	}
	return nil, fmt.Errorf("%w: name %q", ErrNotAllowed, name)
}

func (c converter) binary(n *ast.BinaryNode, depth int) (Expr, error) {
	switch n.Operator {
	case "+", "-", "*", "/", "**", "^":
	default:
		return nil, fmt.Errorf("%w: operator %q", ErrNotAllowed, n.Operator)
	}
	l, err := c.convert(n.Left, depth+1)
	if err != nil {
		return nil, err
	}
	r, err := c.convert(n.Right, depth+1)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case "+":
		return add(l, r), nil
	case "-":
		return sub(l, r), nil
	case "*":
		return mul(l, r), nil
	case "/":
		return div(l, r), nil
	}
	return pow(l, r), nil
}

func (c converter) apply(name string, argNodes []ast.Node, depth int) (Expr, error) {
	arities, ok := functionArity[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %q", ErrNotAllowed, name)
	}
	if !containsInt(arities, len(argNodes)) {
		return nil, fmt.Errorf("%w: %s takes %s arguments, got %d", ErrSyntax, name, joinInts(arities), len(argNodes))
	}

	switch name {
	case "integrate":
		return c.applyIntegrate(argNodes, depth)
	case "limit":
		return c.applyLimit(argNodes, depth)
	}

	args := make([]Expr, len(argNodes))
	for i, a := range argNodes {
		e, err := c.convert(a, depth+1)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}

	switch name {
	case "sqrt":
		return pow(args[0], num(0.5)), nil
	case "ln":
		return call("log", args[0]), nil
	case "log":
		if len(args) == 2 {
			return div(call("log", args[0]), call("log", args[1])), nil
		}
		return call("log", args[0]), nil
	case "simplify":
		return simplify(args[0]), nil
	case "expand":
		return expand(args[0])
	case "factor":
		return factor(args[0])
	case "diff":
		return applyDiff(args)
	}
	return call(name, args...), nil
}

func applyDiff(args []Expr) (Expr, error) {
	f := args[0]
	v, err := variableArg(f, args[1:], "diff")
	if err != nil {
		return nil, err
	}
	order := 1
	if len(args) == 3 {
		n, ok := simplify(args[2]).(Num)
		if !ok || !isInteger(n.V) || n.V < 0 || n.V > 10 {
			return nil, fmt.Errorf("%w: diff order must be an integer between 0 and 10", ErrSyntax)
		}
		order = int(n.V)
	}
	for i := 0; i < order; i++ {
		if f, err = diff(f, v); err != nil {
			return nil, err
		}
	}
	return simplify(f), nil
}

// variableArg returns the variable named by rest[0], or the only free
// variable of f when rest is empty.
func variableArg(f Expr, rest []Expr, op string) (string, error) {
	if len(rest) > 0 {
		s, ok := rest[0].(Sym)
		if !ok || !IsVariableName(s.Name) {
			return "", fmt.Errorf("%w: %s expects a variable, got %s", ErrSyntax, op, rest[0])
		}
		return s.Name, nil
	}
	vars := freeVars(f)
	switch len(vars) {
	case 0:
		return "x", nil
	case 1:
		return vars[0], nil
	}
	return "", fmt.Errorf("%w: %s needs an explicit variable for %s", ErrSyntax, op, strings.Join(vars, ", "))
}

func (c converter) applyIntegrate(argNodes []ast.Node, depth int) (Expr, error) {
	f, err := c.convert(argNodes[0], depth+1)
	if err != nil {
		return nil, err
	}
	var rest []Expr
	if len(argNodes) == 2 {
		if arr, ok := argNodes[1].(*ast.ArrayNode); ok {
			if len(arr.Nodes) != 3 {
				return nil, fmt.Errorf("%w: integrate bounds must be [x, a, b]", ErrSyntax)
			}
			argNodes = append([]ast.Node{argNodes[0]}, arr.Nodes...)
		}
	}
	for _, a := range argNodes[1:] {
		e, err := c.convert(a, depth+1)
		if err != nil {
			return nil, err
		}
		rest = append(rest, e)
	}
	v, err := variableArg(f, rest, "integrate")
	if err != nil {
		return nil, err
	}
	switch len(rest) {
	case 0, 1:
		return integrate(f, v)
	case 3:
		return definiteIntegral(f, v, rest[1], rest[2])
	}
	return nil, fmt.Errorf("%w: integrate takes (f), (f, x), (f, x, a, b) or (f, [x, a, b])", ErrSyntax)
}

func (c converter) applyLimit(argNodes []ast.Node, depth int) (Expr, error) {
	args := make([]Expr, 3)
	for i := 0; i < 3; i++ {
		e, err := c.convert(argNodes[i], depth+1)
		if err != nil {
			return nil, err
		}
		args[i] = e
	}
	v, err := variableArg(args[0], args[1:2], "limit")
	if err != nil {
		return nil, err
	}
	dir := "+-"
	if len(argNodes) == 4 {
		s, ok := argNodes[3].(*ast.StringNode)
		if !ok || (s.Value != "+" && s.Value != "-" && s.Value != "+-") {
			return nil, fmt.Errorf(`%w: limit direction must be "+", "-" or "+-"`, ErrSyntax)
		}
		dir = s.Value
	}
	return limit(args[0], v, args[2], dir)
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, " or ")
}
