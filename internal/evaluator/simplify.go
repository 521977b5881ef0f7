package evaluator

import (
	"math"
	"sort"
)

// simplify rewrites e into canonical form: nested sums and products are
// flattened, constants folded, like terms collected and like bases merged.
// Two equal canonical trees print identically.
func simplify(e Expr) Expr {
	switch x := e.(type) {
	case Num:
		return Num{V: snap(x.V)}
	case Sym:
		return x
	case Add:
		return simplifyAdd(x)
	case Mul:
		return simplifyMul(x)
	case Pow:
		return simplifyPow(simplify(x.Base), simplify(x.Exp))
	case Call:
		return simplifyCall(x)
	}
	return e
}

type termGroup struct {
	coeff float64
	rest  Expr
}

func simplifyAdd(a Add) Expr {
	var flat []Expr
	for _, t := range a.Terms {
		s := simplify(t)
		if inner, ok := s.(Add); ok {
			flat = append(flat, inner.Terms...)
			continue
		}
		flat = append(flat, s)
	}

	constant := 0.0
	groups := map[string]*termGroup{}
	var order []string
	for _, t := range flat {
		if n, ok := t.(Num); ok {
			constant += n.V
			continue
		}
		c, rest := splitCoeff(t)
		key := rest.String()
		g, ok := groups[key]
		if !ok {
			g = &termGroup{rest: rest}
			groups[key] = g
			order = append(order, key)
		}
		g.coeff += c
	}

	terms := make([]Expr, 0, len(order)+1)
	for _, key := range order {
		g := groups[key]
		c := snap(g.coeff)
		if math.Abs(c) < 1e-12 {
			continue
		}
		terms = append(terms, scale(c, g.rest))
	}
	sortTerms(terms)
	constant = snap(constant)
	if constant != 0 || math.IsNaN(constant) {
		terms = append(terms, Num{V: constant})
	}

	switch len(terms) {
	case 0:
		return Num{V: 0}
	case 1:
		return terms[0]
	}
	return Add{Terms: terms}
}

// splitCoeff separates the numeric coefficient of a canonical term.
func splitCoeff(t Expr) (float64, Expr) {
	m, ok := t.(Mul)
	if !ok || len(m.Factors) < 2 {
		return 1, t
	}
	n, ok := m.Factors[0].(Num)
	if !ok {
		return 1, t
	}
	if len(m.Factors) == 2 {
		return n.V, m.Factors[1]
	}
	return n.V, Mul{Factors: m.Factors[1:]}
}

// scale multiplies a coefficient-free canonical term by c.
func scale(c float64, rest Expr) Expr {
	if c == 1 {
		return rest
	}
	if m, ok := rest.(Mul); ok {
		return Mul{Factors: append([]Expr{Num{V: c}}, m.Factors...)}
	}
	return Mul{Factors: []Expr{Num{V: c}, rest}}
}

type baseGroup struct {
	base Expr
	exps []Expr
}

func simplifyMul(m Mul) Expr {
	var flat []Expr
	for _, f := range m.Factors {
		s := simplify(f)
		if inner, ok := s.(Mul); ok {
			flat = append(flat, inner.Factors...)
			continue
		}
		flat = append(flat, s)
	}

	coeff := 1.0
	groups := map[string]*baseGroup{}
	var order []string
	for _, f := range flat {
		if n, ok := f.(Num); ok {
			coeff *= n.V
			continue
		}
		base, exp := f, Expr(Num{V: 1})
		if p, ok := f.(Pow); ok {
			base, exp = p.Base, p.Exp
		}
		key := base.String()
		g, ok := groups[key]
		if !ok {
			g = &baseGroup{base: base}
			groups[key] = g
			order = append(order, key)
		}
		g.exps = append(g.exps, exp)
	}

	var factors []Expr
	for _, key := range order {
		g := groups[key]
		exp := g.exps[0]
		if len(g.exps) > 1 {
			exp = simplify(Add{Terms: g.exps})
		}
		merged := simplifyPow(g.base, exp)
		switch x := merged.(type) {
		case Num:
			coeff *= x.V
		case Mul:
			for _, f := range x.Factors {
				if n, ok := f.(Num); ok {
					coeff *= n.V
					continue
				}
				factors = append(factors, f)
			}
		default:
			factors = append(factors, merged)
		}
	}

	coeff = snap(coeff)
	if coeff == 0 {
		return Num{V: 0}
	}
	if math.IsNaN(coeff) || math.IsInf(coeff, 0) {
		return Num{V: coeff}
	}
	sort.SliceStable(factors, func(i, j int) bool {
		return factorRank(factors[i]) < factorRank(factors[j]) ||
			(factorRank(factors[i]) == factorRank(factors[j]) && factors[i].String() < factors[j].String())
	})
	if len(factors) == 0 {
		return Num{V: coeff}
	}
	if coeff != 1 {
		factors = append([]Expr{Num{V: coeff}}, factors...)
	}
	if len(factors) == 1 {
		return factors[0]
	}
	return Mul{Factors: factors}
}

// factorRank orders constants before variables before compound factors.
func factorRank(e Expr) int {
	base := e
	if p, ok := e.(Pow); ok {
		base = p.Base
	}
	switch b := base.(type) {
	case Num:
		return 0
	case Sym:
		if isConstName(b.Name) {
			return 1
		}
		return 2
	case Call:
		return 3
	}
	return 4
}

func simplifyPow(b, e Expr) Expr {
	if n, ok := e.(Num); ok {
		switch {
		case n.V == 0:
			return Num{V: 1}
		case n.V == 1:
			return b
		}
		if bn, ok := b.(Num); ok {
			return Num{V: snap(foldPow(bn.V, n.V))}
		}
		if n.V == math.Trunc(n.V) {
			switch x := b.(type) {
			case Pow:
				return simplifyPow(x.Base, simplify(Mul{Factors: []Expr{x.Exp, n}}))
			case Mul:
				fs := make([]Expr, len(x.Factors))
				for i, f := range x.Factors {
					fs[i] = Pow{Base: f, Exp: n}
				}
				return simplifyMul(Mul{Factors: fs})
			}
		}
	}
	if bn, ok := b.(Num); ok && bn.V == 1 {
		return Num{V: 1}
	}
	if s, ok := b.(Sym); ok && s.Name == constE {
		if c, ok := e.(Call); ok && c.Name == "log" {
			return c.Args[0]
		}
	}
	return Pow{Base: b, Exp: e}
}

// foldPow keeps odd roots of negative numbers real.
func foldPow(b, e float64) float64 {
	if b < 0 && e != math.Trunc(e) {
		if p, q, ok := rationalApprox(e); ok && q%2 == 1 {
			r := math.Pow(-b, float64(p)/float64(q))
			if p%2 != 0 {
				return -r
			}
			return r
		}
	}
	return math.Pow(b, e)
}

// numericFuncs fold when every argument is a literal.
var numericFuncs = map[string]bool{
	"log": true, "exp": true, "sin": true, "cos": true, "tan": true,
	"asin": true, "acos": true, "atan": true, "Abs": true,
	"binomial": true, "factorial": true,
}

func simplifyCall(c Call) Expr {
	args := make([]Expr, len(c.Args))
	literal := true
	for i, a := range c.Args {
		args[i] = simplify(a)
		if _, ok := args[i].(Num); !ok {
			literal = false
		}
	}

	if numericFuncs[c.Name] {
		if literal || allClosedFinite(args) {
			vals := make([]float64, len(args))
			ok := true
			for i, a := range args {
				v, err := evalNumeric(a, nil)
				if err != nil {
					ok = false
					break
				}
				vals[i] = v
			}
			if ok {
				if v, err := applyFunc(c.Name, vals); err == nil {
					return Num{V: snap(v)}
				}
			}
		}
	}

	if len(args) == 1 {
		inner, isCall := args[0].(Call)
		switch {
		case c.Name == "exp" && isCall && inner.Name == "log":
			return inner.Args[0]
		case c.Name == "log" && isCall && inner.Name == "exp":
			return inner.Args[0]
		case c.Name == "exp":
			return simplifyPow(Sym{Name: constE}, args[0])
		}
	}
	return Call{Name: c.Name, Args: args}
}

// allClosedFinite reports whether every argument is a closed expression
// free of infinity, so it can be folded numerically.
func allClosedFinite(args []Expr) bool {
	for _, a := range args {
		if !isClosed(a) || hasInfinity(a) {
			return false
		}
	}
	return true
}

// degree is the total polynomial degree of a canonical term, used for ordering.
func degree(e Expr) float64 {
	switch x := e.(type) {
	case Sym:
		if isConstName(x.Name) {
			return 0
		}
		return 1
	case Pow:
		if n, ok := x.Exp.(Num); ok {
			return degree(x.Base) * n.V
		}
		return degree(x.Base)
	case Mul:
		d := 0.0
		for _, f := range x.Factors {
			d += degree(f)
		}
		return d
	case Add:
		d := 0.0
		for i, t := range x.Terms {
			if td := degree(t); i == 0 || td > d {
				d = td
			}
		}
		return d
	}
	return 0
}

func sortTerms(terms []Expr) {
	sort.SliceStable(terms, func(i, j int) bool {
		di, dj := degree(terms[i]), degree(terms[j])
		if di != dj {
			return di > dj
		}
		_, ri := splitCoeff(terms[i])
		_, rj := splitCoeff(terms[j])
		return ri.String() < rj.String()
	})
}
