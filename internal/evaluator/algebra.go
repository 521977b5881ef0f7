package evaluator

import (
	"errors"
	"math"
	"sort"
)

const (
	maxExpandTerms  = 2000
	maxExpandPower  = 12
	maxPolyDegree   = 50
	maxRootDivisors = 1_000_000
)

var errTooLarge = errors.New("expression is too large to expand")

// expand distributes products over sums and multiplies out integer powers
// of sums.
func expand(e Expr) (Expr, error) {
	r, err := expandNode(simplify(e))
	if err != nil {
		return nil, err
	}
	return simplify(r), nil
}

func expandNode(e Expr) (Expr, error) {
	switch x := e.(type) {
	case Add:
		terms := make([]Expr, len(x.Terms))
		for i, t := range x.Terms {
			r, err := expandNode(t)
			if err != nil {
				return nil, err
			}
			terms[i] = r
		}
		return simplify(Add{Terms: terms}), nil
	case Mul:
		sum := []Expr{num(1)}
		for _, f := range x.Factors {
			ef, err := expandNode(f)
			if err != nil {
				return nil, err
			}
			sum, err = distribute(sum, ef)
			if err != nil {
				return nil, err
			}
		}
		return simplify(Add{Terms: sum}), nil
	case Pow:
		base, err := expandNode(x.Base)
		if err != nil {
			return nil, err
		}
		n, isNumExp := x.Exp.(Num)
		sumBase, isSum := base.(Add)
		if !isNumExp || !isSum || !isInteger(n.V) || math.Abs(n.V) > maxExpandPower {
			return simplifyPow(base, x.Exp), nil
		}
		sum := []Expr{num(1)}
		for i := 0; i < int(math.Abs(n.V)); i++ {
			sum, err = distribute(sum, sumBase)
			if err != nil {
				return nil, err
			}
		}
		r := simplify(Add{Terms: sum})
		if n.V < 0 {
			return simplifyPow(r, num(-1)), nil
		}
		return r, nil
	case Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			r, err := expandNode(a)
			if err != nil {
				return nil, err
			}
			args[i] = r
		}
		return simplify(Call{Name: x.Name, Args: args}), nil
	}
	return e, nil
}

// distribute multiplies the sum of terms by f and collects the result.
func distribute(terms []Expr, f Expr) ([]Expr, error) {
	parts := []Expr{f}
	if a, ok := f.(Add); ok {
		parts = a.Terms
	}
	if len(terms)*len(parts) > maxExpandTerms {
		return nil, errTooLarge
	}
	next := make([]Expr, 0, len(terms)*len(parts))
	for _, t := range terms {
		for _, p := range parts {
			next = append(next, Mul{Factors: []Expr{t, p}})
		}
	}
	collected := simplify(Add{Terms: next})
	if a, ok := collected.(Add); ok {
		return a.Terms, nil
	}
	return []Expr{collected}, nil
}

// factor factors univariate polynomials with integer coefficients over the
// rationals. Anything else is returned expanded and unchanged in value.
func factor(e Expr) (Expr, error) {
	s, err := expand(e)
	if err != nil {
		return simplify(e), nil
	}
	vars := freeVars(s)
	if len(vars) != 1 {
		return s, nil
	}
	v := vars[0]
	coeffs, ok := polyCoeffs(s, v)
	if !ok || len(coeffs) < 2 {
		return s, nil
	}
	for _, c := range coeffs {
		if !isInteger(c) {
			return s, nil
		}
	}

	deg := len(coeffs) - 1
	g := 0.0
	for _, c := range coeffs {
		g = gcd(g, math.Abs(c))
	}
	if coeffs[deg] < 0 {
		g = -g
	}
	for i := range coeffs {
		coeffs[i] /= g
	}

	var factors []Expr
	if g != 1 {
		factors = append(factors, num(g))
	}
	shift := 0
	for coeffs[shift] == 0 {
		shift++
	}
	if shift > 0 {
		factors = append(factors, pow(sym(v), num(float64(shift))))
	}
	poly := coeffs[shift:]

	for len(poly) > 1 {
		p, q, found := rationalRoot(poly)
		if !found {
			break
		}
		poly = deflate(poly, p/q)
		for i := range poly {
			poly[i] /= q
		}
		factors = append(factors, simplify(add(mul(num(q), sym(v)), num(-p))))
	}
	switch {
	case len(poly) == 1:
		factors = append(factors, num(poly[0]))
	default:
		factors = append(factors, polyExpr(poly, v))
	}
	return simplify(Mul{Factors: factors}), nil
}

// polyCoeffs returns ascending coefficients of s as a polynomial in v.
func polyCoeffs(s Expr, v string) ([]float64, bool) {
	terms := []Expr{s}
	if a, ok := s.(Add); ok {
		terms = a.Terms
	}
	byDegree := map[int]float64{}
	maxDeg := 0
	for _, t := range terms {
		if n, ok := t.(Num); ok {
			byDegree[0] += n.V
			continue
		}
		c, rest := splitCoeff(t)
		d := -1
		switch r := rest.(type) {
		case Sym:
			if r.Name == v {
				d = 1
			}
		case Pow:
			b, okB := r.Base.(Sym)
			n, okN := r.Exp.(Num)
			if okB && okN && b.Name == v && isInteger(n.V) && n.V >= 1 && n.V <= maxPolyDegree {
				d = int(n.V)
			}
		}
		if d < 0 {
			return nil, false
		}
		byDegree[d] += c
		if d > maxDeg {
			maxDeg = d
		}
	}
	out := make([]float64, maxDeg+1)
	for d, c := range byDegree {
		out[d] = c
	}
	return out, true
}

func polyExpr(coeffs []float64, v string) Expr {
	terms := make([]Expr, 0, len(coeffs))
	for d, c := range coeffs {
		if c == 0 {
			continue
		}
		terms = append(terms, mul(num(c), pow(sym(v), num(float64(d)))))
	}
	return simplify(Add{Terms: terms})
}

// rationalRoot searches p/q with p | a0 and q | an for a root of the
// ascending-coefficient polynomial a.
func rationalRoot(a []float64) (float64, float64, bool) {
	a0, an := math.Abs(a[0]), math.Abs(a[len(a)-1])
	if a0 > maxRootDivisors || an > maxRootDivisors {
		return 0, 0, false
	}
	ps, qs := divisors(a0), divisors(an)
	type cand struct{ p, q float64 }
	var cands []cand
	for _, q := range qs {
		for _, p := range ps {
			if gcd(p, q) != 1 {
				continue
			}
			cands = append(cands, cand{p, q}, cand{-p, q})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].p/cands[i].q < cands[j].p/cands[j].q
	})
	for _, c := range cands {
		if math.Abs(horner(a, c.p/c.q)) < 1e-9 {
			return c.p, c.q, true
		}
	}
	return 0, 0, false
}

func horner(a []float64, x float64) float64 {
	r := 0.0
	for i := len(a) - 1; i >= 0; i-- {
		r = r*x + a[i]
	}
	return r
}

// deflate divides a by (x - r) and returns the quotient coefficients.
func deflate(a []float64, r float64) []float64 {
	n := len(a) - 1
	q := make([]float64, n)
	carry := a[n]
	q[n-1] = carry
	for k := n - 1; k >= 1; k-- {
		carry = a[k] + r*carry
		q[k-1] = carry
	}
	return q
}

func divisors(n float64) []float64 {
	var out []float64
	for d := 1.0; d*d <= n; d++ {
		if math.Mod(n, d) == 0 {
			out = append(out, d)
			if d*d != n {
				out = append(out, n/d)
			}
		}
	}
	return out
}

func gcd(a, b float64) float64 {
	for b != 0 {
		a, b = b, math.Mod(a, b)
	}
	return a
}
