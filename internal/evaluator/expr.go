package evaluator

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Expr is a node of the symbolic expression tree.
// Trees are immutable; every transformation returns a new tree.
type Expr interface {
	String() string
}

// Num is a numeric literal.
type Num struct{ V float64 }

// Sym is a free variable or one of the constants pi, e, oo.
type Sym struct{ Name string }

// Add is a sum of terms.
type Add struct{ Terms []Expr }

// Mul is a product of factors. In canonical form a numeric coefficient,
// if present, is the first factor.
type Mul struct{ Factors []Expr }

// Pow is Base raised to Exp.
type Pow struct{ Base, Exp Expr }

// Call is an application of a whitelisted function.
type Call struct {
	Name string
	Args []Expr
}

const (
	constPi  = "pi"
	constE   = "e"
	constInf = "oo"
)

func num(v float64) Expr { return Num{V: v} }

func sym(name string) Expr { return Sym{Name: name} }

func pow(b, e Expr) Expr { return Pow{Base: b, Exp: e} }

func call(name string, a ...Expr) Expr { return Call{Name: name, Args: a} }

func add(terms ...Expr) Expr { return Add{Terms: terms} }

func mul(fs ...Expr) Expr { return Mul{Factors: fs} }

func neg(e Expr) Expr { return mul(num(-1), e) }

func sub(a, b Expr) Expr { return add(a, neg(b)) }

func div(a, b Expr) Expr { return mul(a, pow(b, num(-1))) }

func isConstName(name string) bool {
	return name == constPi || name == constE || name == constInf
}

func isNum(e Expr, v float64) bool {
	n, ok := e.(Num)
	return ok && n.V == v
}

// freeVars returns the sorted set of variable names in e.
func freeVars(e Expr) []string {
	seen := map[string]bool{}
	walk(e, func(n Expr) {
		if s, ok := n.(Sym); ok && !isConstName(s.Name) {
			seen[s.Name] = true
		}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func dependsOn(e Expr, v string) bool {
	found := false
	walk(e, func(n Expr) {
		if s, ok := n.(Sym); ok && s.Name == v {
			found = true
		}
	})
	return found
}

func isClosed(e Expr) bool { return len(freeVars(e)) == 0 }

func hasInfinity(e Expr) bool {
	found := false
	walk(e, func(n Expr) {
		if s, ok := n.(Sym); ok && s.Name == constInf {
			found = true
		}
	})
	return found
}

// hasNonFinite reports a NaN or infinite literal produced by folding.
func hasNonFinite(e Expr) bool {
	found := false
	walk(e, func(n Expr) {
		if x, ok := n.(Num); ok && (math.IsNaN(x.V) || math.IsInf(x.V, 0)) {
			found = true
		}
	})
	return found
}

func walk(e Expr, fn func(Expr)) {
	fn(e)
	switch x := e.(type) {
	case Add:
		for _, t := range x.Terms {
			walk(t, fn)
		}
	case Mul:
		for _, f := range x.Factors {
			walk(f, fn)
		}
	case Pow:
		walk(x.Base, fn)
		walk(x.Exp, fn)
	case Call:
		for _, a := range x.Args {
			walk(a, fn)
		}
	}
}

// substitute replaces every occurrence of variable v with val.
func substitute(e Expr, v string, val Expr) Expr {
	switch x := e.(type) {
	case Sym:
		if x.Name == v {
			return val
		}
		return x
	case Add:
		terms := make([]Expr, len(x.Terms))
		for i, t := range x.Terms {
			terms[i] = substitute(t, v, val)
		}
		return Add{Terms: terms}
	case Mul:
		fs := make([]Expr, len(x.Factors))
		for i, f := range x.Factors {
			fs[i] = substitute(f, v, val)
		}
		return Mul{Factors: fs}
	case Pow:
		return Pow{Base: substitute(x.Base, v, val), Exp: substitute(x.Exp, v, val)}
	case Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = substitute(a, v, val)
		}
		return Call{Name: x.Name, Args: args}
	}
	return e
}

// Printing. The printed form of a simplified tree is its canonical key.

func (n Num) String() string { return formatNumber(n.V) }

func (s Sym) String() string { return s.Name }

func (a Add) String() string {
	var b strings.Builder
	for i, t := range a.Terms {
		switch {
		case i == 0:
			b.WriteString(t.String())
		case isNegativeTerm(t):
			b.WriteString(" - ")
			b.WriteString(negateTerm(t).String())
		default:
			b.WriteString(" + ")
			b.WriteString(t.String())
		}
	}
	return b.String()
}

func (m Mul) String() string {
	coeff := 1.0
	factors := m.Factors
	if len(factors) > 0 {
		if n, ok := factors[0].(Num); ok {
			coeff = n.V
			factors = factors[1:]
		}
	}

	var numer, denom []string
	for _, f := range factors {
		if p, ok := f.(Pow); ok {
			if e, ok := p.Exp.(Num); ok && e.V < 0 {
				inv := Expr(Pow{Base: p.Base, Exp: num(-e.V)})
				if e.V == -1 {
					inv = p.Base
				}
				denom = append(denom, wrapFactor(inv))
				continue
			}
		}
		numer = append(numer, wrapFactor(f))
	}

	sign := ""
	if coeff < 0 {
		sign = "-"
		coeff = -coeff
	}
	if p, q, ok := rationalApprox(coeff); ok {
		if p != 1 || len(numer) == 0 {
			numer = append([]string{strconv.FormatInt(p, 10)}, numer...)
		}
		if q != 1 {
			denom = append([]string{strconv.FormatInt(q, 10)}, denom...)
		}
	} else if coeff != 1 || len(numer) == 0 {
		numer = append([]string{formatNumber(coeff)}, numer...)
	}

	out := sign + strings.Join(numer, "*")
	if len(denom) == 1 {
		out += "/" + denom[0]
	} else if len(denom) > 1 {
		out += "/(" + strings.Join(denom, "*") + ")"
	}
	return out
}

func (p Pow) String() string {
	if s, ok := p.Base.(Sym); ok && s.Name == constE {
		return "exp(" + p.Exp.String() + ")"
	}
	if e, ok := p.Exp.(Num); ok {
		switch e.V {
		case 0.5:
			return "sqrt(" + p.Base.String() + ")"
		case -1:
			return "1/" + wrapFactor(p.Base)
		}
	}
	return wrapBase(p.Base) + "**" + wrapExp(p.Exp)
}

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

func wrapFactor(e Expr) string {
	switch x := e.(type) {
	case Add:
		return "(" + x.String() + ")"
	case Num:
		if x.V < 0 {
			return "(" + x.String() + ")"
		}
	}
	return e.String()
}

func wrapBase(e Expr) string {
	switch x := e.(type) {
	case Add, Mul, Pow:
		return "(" + x.String() + ")"
	case Num:
		if x.V < 0 || x.V != math.Trunc(x.V) {
			return "(" + x.String() + ")"
		}
	}
	return e.String()
}

func wrapExp(e Expr) string {
	switch x := e.(type) {
	case Sym:
		return x.String()
	case Num:
		if x.V >= 0 && x.V == math.Trunc(x.V) {
			return x.String()
		}
		if p, q, ok := rationalApprox(x.V); ok && q != 1 {
			return "(" + strconv.FormatInt(p, 10) + "/" + strconv.FormatInt(q, 10) + ")"
		}
	}
	return "(" + e.String() + ")"
}

func isNegativeTerm(e Expr) bool {
	switch x := e.(type) {
	case Num:
		return x.V < 0
	case Mul:
		if len(x.Factors) > 0 {
			if n, ok := x.Factors[0].(Num); ok {
				return n.V < 0
			}
		}
	}
	return false
}

func negateTerm(e Expr) Expr {
	switch x := e.(type) {
	case Num:
		return Num{V: -x.V}
	case Mul:
		n := x.Factors[0].(Num)
		rest := x.Factors[1:]
		if n.V == -1 {
			if len(rest) == 1 {
				return rest[0]
			}
			return Mul{Factors: rest}
		}
		fs := append([]Expr{Num{V: -n.V}}, rest...)
		return Mul{Factors: fs}
	}
	return neg(e)
}

// formatNumber prints integers without a fraction and everything else with
// twelve significant digits.
func formatNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return constInf
	case math.IsInf(v, -1):
		return "-" + constInf
	}
	v = snap(v)
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// snap rounds values within floating noise of an integer.
func snap(v float64) float64 {
	r := math.Round(v)
	if math.Abs(v-r) < 1e-12*math.Max(1, math.Abs(v)) {
		if r == 0 {
			return 0
		}
		return r
	}
	return v
}

// rationalApprox finds p/q with q <= 1000 equal to v within noise.
func rationalApprox(v float64) (int64, int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > 1e12 {
		return 0, 0, false
	}
	for q := int64(1); q <= 1000; q++ {
		p := math.Round(v * float64(q))
		if math.Abs(v-p/float64(q)) < 1e-12*math.Max(1, math.Abs(v)) {
			return int64(p), q, true
		}
	}
	return 0, 0, false
}
