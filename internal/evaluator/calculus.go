package evaluator

import (
	"errors"
	"fmt"
	"math"
)

var (
	errNoClosedForm = errors.New("no closed-form antiderivative found")
	errNoLimit      = errors.New("limit does not exist")
)

// diff returns the simplified derivative of e with respect to v.
func diff(e Expr, v string) (Expr, error) {
	d, err := derive(simplify(e), v)
	if err != nil {
		return nil, err
	}
	return simplify(d), nil
}

func derive(e Expr, v string) (Expr, error) {
	if !dependsOn(e, v) {
		return num(0), nil
	}
	switch x := e.(type) {
	case Sym:
		return num(1), nil
	case Add:
		terms := make([]Expr, 0, len(x.Terms))
		for _, t := range x.Terms {
			d, err := derive(t, v)
			if err != nil {
				return nil, err
			}
			terms = append(terms, d)
		}
		return Add{Terms: terms}, nil
	case Mul:
		var terms []Expr
		for i, f := range x.Factors {
			if !dependsOn(f, v) {
				continue
			}
			d, err := derive(f, v)
			if err != nil {
				return nil, err
			}
			fs := make([]Expr, 0, len(x.Factors))
			fs = append(fs, x.Factors[:i]...)
			fs = append(fs, d)
			fs = append(fs, x.Factors[i+1:]...)
			terms = append(terms, Mul{Factors: fs})
		}
		return Add{Terms: terms}, nil
	case Pow:
		baseDep, expDep := dependsOn(x.Base, v), dependsOn(x.Exp, v)
		switch {
		case baseDep && !expDep:
			db, err := derive(x.Base, v)
			if err != nil {
				return nil, err
			}
			return mul(x.Exp, pow(x.Base, add(x.Exp, num(-1))), db), nil
		case !baseDep && expDep:
			de, err := derive(x.Exp, v)
			if err != nil {
				return nil, err
			}
			return mul(x, call("log", x.Base), de), nil
		default:
			db, err := derive(x.Base, v)
			if err != nil {
				return nil, err
			}
			de, err := derive(x.Exp, v)
			if err != nil {
				return nil, err
			}
			return mul(x, add(mul(de, call("log", x.Base)), mul(x.Exp, db, pow(x.Base, num(-1))))), nil
		}
	case Call:
		return deriveCall(x, v)
	}
	return nil, fmt.Errorf("cannot differentiate %s", e)
}

func deriveCall(c Call, v string) (Expr, error) {
	if len(c.Args) != 1 {
		return nil, fmt.Errorf("cannot differentiate %s", c)
	}
	u := c.Args[0]
	du, err := derive(u, v)
	if err != nil {
		return nil, err
	}
	var outer Expr
	switch c.Name {
	case "sin":
		outer = call("cos", u)
	case "cos":
		outer = neg(call("sin", u))
	case "tan":
		outer = add(num(1), pow(call("tan", u), num(2)))
	case "exp":
		outer = c
	case "log":
		outer = pow(u, num(-1))
	case "asin":
		outer = pow(sub(num(1), pow(u, num(2))), num(-0.5))
	case "acos":
		outer = neg(pow(sub(num(1), pow(u, num(2))), num(-0.5)))
	case "atan":
		outer = pow(add(num(1), pow(u, num(2))), num(-1))
	case "Abs":
		outer = div(u, c)
	default:
		return nil, fmt.Errorf("cannot differentiate %s", c)
	}
	return mul(outer, du), nil
}

// integrate returns an antiderivative of e with respect to v.
func integrate(e Expr, v string) (Expr, error) {
	r, err := antiderivative(simplify(e), v, 0)
	if err != nil {
		return nil, err
	}
	return simplify(r), nil
}

func antiderivative(e Expr, v string, depth int) (Expr, error) {
	if depth > 8 {
		return nil, errNoClosedForm
	}
	x := sym(v)
	if !dependsOn(e, v) {
		return mul(e, x), nil
	}
	switch t := e.(type) {
	case Sym:
		return mul(num(0.5), pow(x, num(2))), nil
	case Add:
		terms := make([]Expr, 0, len(t.Terms))
		for _, term := range t.Terms {
			r, err := antiderivative(term, v, depth+1)
			if err != nil {
				return nil, err
			}
			terms = append(terms, r)
		}
		return Add{Terms: terms}, nil
	case Mul:
		var consts, deps []Expr
		for _, f := range t.Factors {
			if dependsOn(f, v) {
				deps = append(deps, f)
			} else {
				consts = append(consts, f)
			}
		}
		if len(deps) == 1 {
			r, err := antiderivative(deps[0], v, depth+1)
			if err != nil {
				return nil, err
			}
			return Mul{Factors: append(consts, r)}, nil
		}
		expanded, err := expand(t)
		if err == nil {
			if sum, ok := expanded.(Add); ok {
				return antiderivative(sum, v, depth+1)
			}
		}
		return nil, errNoClosedForm
	case Pow:
		return integratePow(t, v, depth)
	case Call:
		return integrateCall(t, v)
	}
	return nil, errNoClosedForm
}

func integratePow(p Pow, v string, depth int) (Expr, error) {
	baseDep, expDep := dependsOn(p.Base, v), dependsOn(p.Exp, v)
	switch {
	case baseDep && !expDep:
		if a, ok := linearCoeff(p.Base, v); ok {
			if isNum(p.Exp, -1) {
				return div(call("log", p.Base), a), nil
			}
			n1 := simplify(add(p.Exp, num(1)))
			return div(pow(p.Base, n1), mul(n1, a)), nil
		}
		if n, ok := p.Exp.(Num); ok && n.V >= 2 && isInteger(n.V) {
			expanded, err := expand(p)
			if err != nil {
				return nil, err
			}
			return antiderivative(expanded, v, depth+1)
		}
	case !baseDep && expDep:
		if a, ok := linearCoeff(p.Exp, v); ok {
			return div(p, mul(call("log", p.Base), a)), nil
		}
	}
	return nil, errNoClosedForm
}

func integrateCall(c Call, v string) (Expr, error) {
	if len(c.Args) != 1 {
		return nil, errNoClosedForm
	}
	u := c.Args[0]
	a, ok := linearCoeff(u, v)
	if !ok {
		return nil, errNoClosedForm
	}
	var r Expr
	switch c.Name {
	case "sin":
		r = neg(call("cos", u))
	case "cos":
		r = call("sin", u)
	case "exp":
		r = c
	case "tan":
		r = neg(call("log", call("cos", u)))
	case "log":
		r = sub(mul(u, call("log", u)), u)
	default:
		return nil, errNoClosedForm
	}
	return div(r, a), nil
}

// linearCoeff returns a when u = a*v + b with a nonzero and free of v.
func linearCoeff(u Expr, v string) (Expr, bool) {
	d, err := diff(u, v)
	if err != nil || dependsOn(d, v) || isNum(d, 0) {
		return nil, false
	}
	return d, true
}

// definiteIntegral evaluates the integral of f over [lo, hi]. It uses the
// antiderivative when one exists and composite Simpson quadrature otherwise.
func definiteIntegral(f Expr, v string, lo, hi Expr) (Expr, error) {
	if anti, err := integrate(f, v); err == nil {
		upper, uerr := boundValue(anti, v, hi)
		lower, lerr := boundValue(anti, v, lo)
		if uerr == nil && lerr == nil {
			r := simplify(sub(upper, lower))
			if !hasNonFinite(r) {
				return r, nil
			}
		}
	}

	vars := freeVars(f)
	if len(vars) > 1 || (len(vars) == 1 && vars[0] != v) {
		return nil, errNoClosedForm
	}
	a, errA := evalNumeric(simplify(lo), nil)
	b, errB := evalNumeric(simplify(hi), nil)
	if errA != nil || errB != nil || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return nil, errNoClosedForm
	}
	r, err := simpson(f, v, a, b, 2000)
	if err != nil {
		return nil, err
	}
	return num(r), nil
}

func boundValue(anti Expr, v string, bound Expr) (Expr, error) {
	if hasInfinity(bound) {
		return limit(anti, v, bound, "+-")
	}
	return simplify(substitute(anti, v, bound)), nil
}

func simpson(f Expr, v string, a, b float64, n int) (float64, error) {
	h := (b - a) / float64(n)
	eval := func(t float64) (float64, error) {
		y, err := evalNumeric(f, map[string]float64{v: t})
		if err != nil {
			return 0, err
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return 0, errDomain
		}
		return y, nil
	}
	fa, err := eval(a)
	if err != nil {
		return 0, err
	}
	fb, err := eval(b)
	if err != nil {
		return 0, err
	}
	sum := fa + fb
	for i := 1; i < n; i++ {
		y, err := eval(a + float64(i)*h)
		if err != nil {
			return 0, err
		}
		if i%2 == 1 {
			sum += 4 * y
		} else {
			sum += 2 * y
		}
	}
	return roundSig(sum*h/3, 10), nil
}

// limit computes the limit of f as v approaches p. dir is "+", "-" or "+-".
func limit(f Expr, v string, p Expr, dir string) (Expr, error) {
	f = simplify(f)
	p = simplify(p)

	if !hasInfinity(p) {
		direct := simplify(substitute(f, v, p))
		if !hasNonFinite(direct) && !hasInfinity(direct) {
			if isClosed(direct) {
				if _, err := evalNumeric(direct, nil); err == nil {
					return direct, nil
				}
			} else if !dependsOn(direct, v) && !hasUnevaluable(direct) {
				return direct, nil
			}
		}
	}

	vars := freeVars(f)
	if len(vars) > 1 || (len(vars) == 1 && vars[0] != v) {
		return nil, fmt.Errorf("%w: limit with free parameters needs a closed form", errNoClosedForm)
	}
	g := func(t float64) (float64, error) {
		return evalNumeric(f, map[string]float64{v: t})
	}

	target, err := evalNumeric(p, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case math.IsInf(target, 1):
		return approach(func(h float64) (float64, error) { return g(1 / h) })
	case math.IsInf(target, -1):
		return approach(func(h float64) (float64, error) { return g(-1 / h) })
	}

	right := func(h float64) (float64, error) { return g(target + h) }
	left := func(h float64) (float64, error) { return g(target - h) }
	switch dir {
	case "+":
		return approach(right)
	case "-":
		return approach(left)
	}
	r, err := approach(right)
	if err != nil {
		return nil, err
	}
	l, err := approach(left)
	if err != nil {
		return nil, err
	}
	if r.String() != l.String() {
		return nil, fmt.Errorf("%w: left limit %s differs from right limit %s", errNoLimit, l, r)
	}
	return r, nil
}

// hasUnevaluable reports symbolic calls left unfolded, such as log(0).
func hasUnevaluable(e Expr) bool {
	found := false
	walk(e, func(n Expr) {
		if c, ok := n.(Call); ok && allClosedFinite(c.Args) {
			found = true
		}
	})
	return found
}

// approach estimates lim h->0+ of g(h) with first-order Richardson
// extrapolation at two step sizes.
func approach(g func(h float64) (float64, error)) (Expr, error) {
	estimate := func(h float64) (float64, error) {
		a, err := g(h)
		if err != nil {
			return 0, err
		}
		b, err := g(h / 2)
		if err != nil {
			return 0, err
		}
		return 2*b - a, nil
	}

	near, nearErr := g(1e-7)
	far, farErr := g(1e-4)
	if nearErr == nil && farErr == nil && math.Abs(near) > 1e6 && math.Abs(near) > 10*math.Abs(far) {
		if math.Signbit(near) != math.Signbit(far) {
			return nil, errNoLimit
		}
		if near > 0 {
			return sym(constInf), nil
		}
		return neg(sym(constInf)), nil
	}

	coarse, err := estimate(1e-3)
	if err != nil {
		return nil, err
	}
	fine, err := estimate(1e-4)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(coarse) || math.IsNaN(fine) || math.IsInf(fine, 0) {
		return nil, errNoLimit
	}
	if math.Abs(coarse-fine) > 1e-4*math.Max(1, math.Abs(fine)) {
		return nil, errNoLimit
	}
	return num(roundSig(fine, 7)), nil
}

// roundSig rounds v to n significant digits.
func roundSig(v float64, n int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	if math.Abs(v) < 1e-9 {
		return 0
	}
	mag := math.Pow(10, float64(n)-math.Ceil(math.Log10(math.Abs(v))))
	return math.Round(v*mag) / mag
}
