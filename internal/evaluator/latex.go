package evaluator

import (
	"math"
	"strconv"
	"strings"
)

// LaTeX rendering of simplified trees. Layout mirrors String.

var latexFuncs = map[string]string{
	"log":  `\log`,
	"ln":   `\ln`,
	"sin":  `\sin`,
	"cos":  `\cos`,
	"tan":  `\tan`,
	"asin": `\arcsin`,
	"acos": `\arccos`,
	"atan": `\arctan`,
}

func latex(e Expr) string {
	switch x := e.(type) {
	case Num:
		return latexNum(x.V)
	case Sym:
		return latexSym(x.Name)
	case Add:
		return latexAdd(x)
	case Mul:
		return latexMul(x)
	case Pow:
		return latexPow(x)
	case Call:
		return latexCall(x)
	}
	return e.String()
}

func latexNum(v float64) string {
	s := formatNumber(v)
	switch s {
	case constInf:
		return `\infty`
	case "-" + constInf:
		return `-\infty`
	}
	if p, q, ok := rationalApprox(v); ok && q != 1 {
		sign := ""
		if p < 0 {
			sign, p = "-", -p
		}
		return sign + `\frac{` + strconv.FormatInt(p, 10) + "}{" + strconv.FormatInt(q, 10) + "}"
	}
	if i := strings.IndexByte(s, 'e'); i > 0 {
		return s[:i] + ` \cdot 10^{` + strings.TrimPrefix(s[i+1:], "+") + "}"
	}
	return s
}

func latexSym(name string) string {
	switch name {
	case constPi:
		return `\pi`
	case constInf:
		return `\infty`
	}
	if len(name) > 1 {
		return name[:1] + "_{" + name[1:] + "}"
	}
	return name
}

func latexAdd(a Add) string {
	var b strings.Builder
	for i, t := range a.Terms {
		switch {
		case i == 0:
			b.WriteString(latex(t))
		case isNegativeTerm(t):
			b.WriteString(" - ")
			b.WriteString(latex(negateTerm(t)))
		default:
			b.WriteString(" + ")
			b.WriteString(latex(t))
		}
	}
	return b.String()
}

func latexMul(m Mul) string {
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
				denom = append(denom, latex(inv))
				continue
			}
		}
		numer = append(numer, latexFactor(f))
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
		numer = append([]string{latexNum(coeff)}, numer...)
	}

	top := joinFactors(numer)
	if len(denom) == 0 {
		return sign + top
	}
	if top == "" {
		top = "1"
	}
	return sign + `\frac{` + top + "}{" + joinFactors(denom) + "}"
}

// joinFactors juxtaposes factors, using \cdot before a leading digit.
func joinFactors(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			if p != "" && p[0] >= '0' && p[0] <= '9' {
				b.WriteString(` \cdot `)
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(p)
	}
	return b.String()
}

func latexPow(p Pow) string {
	if s, ok := p.Base.(Sym); ok && s.Name == constE {
		return "e^{" + latex(p.Exp) + "}"
	}
	if e, ok := p.Exp.(Num); ok {
		switch {
		case e.V == 0.5:
			return `\sqrt{` + latex(p.Base) + "}"
		case e.V == -1:
			return `\frac{1}{` + latex(p.Base) + "}"
		case e.V < 0:
			return `\frac{1}{` + latexPow(Pow{Base: p.Base, Exp: num(-e.V)}) + "}"
		}
	}
	return latexBase(p.Base) + "^{" + latex(p.Exp) + "}"
}

func latexCall(c Call) string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = latex(a)
	}
	switch c.Name {
	case "sqrt":
		return `\sqrt{` + args[0] + "}"
	case "exp":
		return "e^{" + args[0] + "}"
	case "Abs":
		return `\left|` + args[0] + `\right|`
	case "factorial":
		return latexBase(c.Args[0]) + "!"
	case "binomial":
		if len(args) == 2 {
			return `\binom{` + args[0] + "}{" + args[1] + "}"
		}
	}
	name, ok := latexFuncs[c.Name]
	if !ok {
		name = `\operatorname{` + c.Name + "}"
	}
	return name + `\left(` + strings.Join(args, ", ") + `\right)`
}

func latexFactor(e Expr) string {
	switch x := e.(type) {
	case Add:
		return `\left(` + latex(x) + `\right)`
	case Num:
		if x.V < 0 {
			return `\left(` + latex(x) + `\right)`
		}
	}
	return latex(e)
}

func latexBase(e Expr) string {
	switch x := e.(type) {
	case Add, Mul, Pow:
		return `\left(` + latex(x) + `\right)`
	case Num:
		if x.V < 0 || x.V != math.Trunc(x.V) {
			return `\left(` + latex(x) + `\right)`
		}
	}
	return latex(e)
}
