package evaluator

import (
	"errors"
	"fmt"
	"math"
)

var (
	errDomain  = errors.New("value is undefined (division by zero or outside the function's domain)")
	errUnbound = errors.New("expression has unbound variables")
)

// evalNumeric computes e with variables bound from env.
func evalNumeric(e Expr, env map[string]float64) (float64, error) {
	switch x := e.(type) {
	case Num:
		return x.V, nil
	case Sym:
		switch x.Name {
		case constPi:
			return math.Pi, nil
		case constE:
			return math.E, nil
		case constInf:
			return math.Inf(1), nil
		}
		if v, ok := env[x.Name]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("%w: %s", errUnbound, x.Name)
	case Add:
		sum := 0.0
		for _, t := range x.Terms {
			v, err := evalNumeric(t, env)
			if err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	case Mul:
		prod := 1.0
		for _, f := range x.Factors {
			v, err := evalNumeric(f, env)
			if err != nil {
				return 0, err
			}
			prod *= v
		}
		return prod, nil
	case Pow:
		b, err := evalNumeric(x.Base, env)
		if err != nil {
			return 0, err
		}
		p, err := evalNumeric(x.Exp, env)
		if err != nil {
			return 0, err
		}
		return foldPow(b, p), nil
	case Call:
		args := make([]float64, len(x.Args))
		for i, a := range x.Args {
			v, err := evalNumeric(a, env)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return applyFunc(x.Name, args)
	}
	return 0, fmt.Errorf("cannot evaluate %T", e)
}

// applyFunc evaluates a whitelisted function on literal arguments.
// A non-finite result is reported as a domain error.
func applyFunc(name string, args []float64) (float64, error) {
	var v float64
	switch name {
	case "log":
		v = math.Log(args[0])
	case "exp":
		v = math.Exp(args[0])
	case "sin":
		v = math.Sin(args[0])
	case "cos":
		v = math.Cos(args[0])
	case "tan":
		v = math.Tan(args[0])
	case "asin":
		v = math.Asin(args[0])
	case "acos":
		v = math.Acos(args[0])
	case "atan":
		v = math.Atan(args[0])
	case "Abs":
		v = math.Abs(args[0])
	case "factorial":
		v = factorial(args[0])
	case "binomial":
		v = binomial(args[0], args[1])
	default:
		return 0, fmt.Errorf("function %s cannot be evaluated numerically", name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s: %w", name, errDomain)
	}
	return v, nil
}

func isInteger(v float64) bool { return v == math.Trunc(v) && !math.IsInf(v, 0) }

func factorial(n float64) float64 {
	if n < 0 {
		return math.NaN()
	}
	if isInteger(n) && n <= 170 {
		r := 1.0
		for i := 2.0; i <= n; i++ {
			r *= i
		}
		return r
	}
	return math.Gamma(n + 1)
}

// maxBinomialTerms bounds the multiplicative loop. Larger k goes through
// log-gamma, which overflows to a domain error instead of running long.
const maxBinomialTerms = 1000

// binomial uses the multiplicative formula for small integer k and the
// log-gamma function otherwise.
func binomial(n, k float64) float64 {
	if !isInteger(k) {
		return lbinomial(n, k)
	}
	if k < 0 {
		return 0
	}
	if isInteger(n) && n >= 0 {
		if k > n {
			return 0
		}
		if n-k < k {
			k = n - k
		}
	}
	if k <= maxBinomialTerms {
		r := 1.0
		for i := 1.0; i <= k; i++ {
			r = r * (n - k + i) / i
		}
		if isInteger(n) {
			return math.Round(r)
		}
		return r
	}
	if isInteger(n) && n < 0 {
		// C(-m, k) = (-1)^k C(m+k-1, k)
		v := lbinomial(-n+k-1, k)
		if math.Mod(k, 2) != 0 {
			v = -v
		}
		return math.Round(v)
	}
	v := lbinomial(n, k)
	if isInteger(n) {
		return math.Round(v)
	}
	return v
}

// lbinomial is Gamma(n+1) / (Gamma(k+1) Gamma(n-k+1)) computed in log space.
func lbinomial(n, k float64) float64 {
	a, sa := math.Lgamma(n + 1)
	b, sb := math.Lgamma(k + 1)
	c, sc := math.Lgamma(n - k + 1)
	if math.IsInf(a, 1) {
		return math.NaN()
	}
	return float64(sa*sb*sc) * math.Exp(a-b-c)
}
