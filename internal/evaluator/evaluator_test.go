package evaluator

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Numeric(t *testing.T) {
	ev := New()
	tests := []struct {
		input string
		want  string
		value float64
	}{
		{"2 + 3*4", "14", 14},
		{"binomial(5,3)/2**5", "0.3125", 0.3125},
		{"10/32", "0.3125", 0.3125},
		{"2^10", "1024", 1024},
		{"sqrt(16)", "4", 4},
		{"log(e)", "1", 1},
		{"ln(1)", "0", 0},
		{"factorial(5)", "120", 120},
		{"Abs(-3)", "3", 3},
		{"sin(0) + cos(0)", "1", 1},
		{"integrate(x, x, 0, 1)", "0.5", 0.5},
		{"integrate(x, [x, 0, 2])", "2", 2},
		{"integrate(exp(-x), x, 0, oo)", "1", 1},
		{"limit(sin(x)/x, x, 0)", "1", 1},
		{"limit((x**2 - 1)/(x - 1), x, 1)", "2", 2},
		{"limit(1/x, x, oo)", "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r := ev.Evaluate(tt.input)
			require.True(t, r.Success, r.Error)
			assert.Equal(t, tt.want, r.Result)
			require.NotNil(t, r.Value)
			assert.InDelta(t, tt.value, *r.Value, 1e-9)
		})
	}
}

func TestEvaluate_Symbolic(t *testing.T) {
	ev := New()
	tests := []struct {
		input string
		want  string
	}{
		{"x + x", "2*x"},
		{"2x + 3x", "5*x"},
		{"diff(x**2, x)", "2*x"},
		{"diff(x^3)", "3*x**2"},
		{"diff(sin(x), x)", "cos(x)"},
		{"diff(x**3, x, 2)", "6*x"},
		{"integrate(2*x, x)", "x**2"},
		{"integrate(cos(x), x)", "sin(x)"},
		{"integrate(x, x)", "x**2/2"},
		{"factor(x**2 - 1)", "(x + 1)*(x - 1)"},
		{"factor(x**2 + 2*x + 1)", "(x + 1)**2"},
		{"expand((x+1)**2)", "x**2 + 2*x + 1"},
		{"simplify(x*x)", "x**2"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r := ev.Evaluate(tt.input)
			require.True(t, r.Success, r.Error)
			assert.Equal(t, tt.want, r.Result)
			assert.Equal(t, tt.want, r.NormalizedForm)
			assert.Nil(t, r.Value)
		})
	}
}

func TestEvaluate_Constants(t *testing.T) {
	r := New().Evaluate("pi")
	require.True(t, r.Success)
	assert.Equal(t, "pi", r.NormalizedForm)
	require.NotNil(t, r.Value)
	assert.InDelta(t, 3.141592653589793, *r.Value, 1e-12)
}

func TestEvaluate_InfiniteLimit(t *testing.T) {
	ev := New()

	r := ev.Evaluate(`limit(1/x, x, 0, "+")`)
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "oo", r.Result)
	assert.Nil(t, r.Value)

	r = ev.Evaluate("limit(1/x, x, 0)")
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "does not exist")
}

func TestEvaluate_DomainErrors(t *testing.T) {
	ev := New()
	for _, input := range []string{"1/0", "log(0)", "sqrt(-1)", "asin(2)"} {
		t.Run(input, func(t *testing.T) {
			r := ev.Evaluate(input)
			assert.False(t, r.Success)
			assert.NotEmpty(t, r.Error)
			assert.Nil(t, r.Value)
		})
	}
}

func TestEvaluate_RejectsNonWhitelisted(t *testing.T) {
	ev := New()
	for _, input := range []string{
		"__import__('os')",
		"os.system('ls')",
		"open('/etc/passwd')",
		"eval('1+1')",
		"abs(-1)",
		"[1, 2, 3]",
		"x == 1",
		"foo + 1",
	} {
		t.Run(input, func(t *testing.T) {
			r := ev.Evaluate(input)
			assert.False(t, r.Success)
			assert.Contains(t, r.Error, "not allowed")
		})
	}
}

func TestEvaluate_MalformedInput(t *testing.T) {
	ev := New()
	for _, input := range []string{"", "   ", "2 +", "sin(", "diff(x**2, 3)", "limit(x, x)"} {
		t.Run(input, func(t *testing.T) {
			r := ev.Evaluate(input)
			assert.False(t, r.Success)
			assert.NotEmpty(t, r.Error)
		})
	}
}

func TestEvaluate_Limits(t *testing.T) {
	ev := New()

	long := strings.Repeat("1+", 600) + "1"
	r := ev.Evaluate(long)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "too complex")

	deep := strings.Repeat("sin(", 70) + "x" + strings.Repeat(")", 70)
	r = ev.Evaluate(deep)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "too complex")

	r = New(WithMaxLength(5)).Evaluate("1+2+3")
	assert.True(t, r.Success)
	r = New(WithMaxLength(5)).Evaluate("1+2+3+4")
	assert.False(t, r.Success)
}

func TestEvaluate_NeverPanics(t *testing.T) {
	ev := New()
	inputs := []string{
		"((((", "))))", "**", "x**x**x**x", "factorial(-1)", "binomial(x)",
		"limit(sin(1/x), x, 0)", "integrate(x**x, x)", "integrate(x**x, x, 0, 1)",
		"factor(x*y)", "expand((x+1)**50)", "diff(binomial(x, 2), x)",
		"\x00", "' or 1=1", "1e308*1e308", "0**0", "(-8)**(1/3)",
	}
	for _, input := range inputs {
		assert.NotPanics(t, func() { ev.Evaluate(input) }, input)
		assert.NotPanics(t, func() { ev.SubstituteAndEvaluate(input, map[string]float64{"x": 2}) }, input)
		assert.NotPanics(t, func() { ev.CheckBounds(input, 0, 1) }, input)
	}
}

func TestSubstituteAndEvaluate(t *testing.T) {
	ev := New()

	r := ev.SubstituteAndEvaluate("x**2 + y", map[string]float64{"x": 3, "y": 1})
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "x**2 + y", r.Expression)
	assert.Equal(t, "10", r.Substituted)
	require.NotNil(t, r.Value)
	assert.Equal(t, 10.0, *r.Value)

	r = ev.SubstituteAndEvaluate("x + y", map[string]float64{"x": 1})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "unbound")
	assert.Equal(t, "y + 1", r.Substituted)

	r = ev.SubstituteAndEvaluate("x", map[string]float64{"import": 1})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "not allowed")

	r = ev.SubstituteAndEvaluate("1/x", map[string]float64{"x": 0})
	assert.False(t, r.Success)
	assert.Nil(t, r.Value)
}

func TestCheckBounds(t *testing.T) {
	ev := New()

	r := ev.CheckBounds("10/32", 0, 1)
	assert.True(t, r.Valid)
	require.NotNil(t, r.Value)
	assert.Equal(t, 0.3125, *r.Value)

	r = ev.CheckBounds("1.5", 0, 1)
	assert.False(t, r.Valid)
	require.NotNil(t, r.Value)
	assert.Equal(t, 1.5, *r.Value)

	r = ev.CheckBounds("0", 0, 1)
	assert.True(t, r.Valid)
	r = ev.CheckBounds("1", 0, 1)
	assert.True(t, r.Valid)

	r = ev.CheckBounds("x", 0, 1)
	assert.False(t, r.Valid)
	assert.Nil(t, r.Value)

	r = ev.CheckBounds("garbage((", 0, 1)
	assert.False(t, r.Valid)

	r = ev.CheckBounds("0.5", 1, 0)
	assert.False(t, r.Valid)
}

func TestWhitelist(t *testing.T) {
	names := Whitelist()
	for _, want := range []string{
		"pi", "e", "sqrt", "log", "ln", "exp", "sin", "cos", "tan", "asin", "acos", "atan",
		"Abs", "factor", "simplify", "expand", "diff", "integrate", "limit", "binomial",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "eval")
}

func TestIsVariableName(t *testing.T) {
	assert.True(t, IsVariableName("x"))
	assert.True(t, IsVariableName("x1"))
	assert.True(t, IsVariableName("N"))
	assert.False(t, IsVariableName("e"))
	assert.False(t, IsVariableName("xy"))
	assert.False(t, IsVariableName("_x"))
	assert.False(t, IsVariableName(""))
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"2x":         "2*x",
		"3(x+1)":     "3*(x+1)",
		"(x+1)(x-1)": "(x+1)*(x-1)",
		"2e5":        "2e5",
		"x^2":        "x**2",
		"sin(x)":     "sin(x)",
		"2sin(x)":    "2*sin(x)",
		"x(x+1)":     "x*(x+1)",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalize(in), "input %q", in)
	}
	assert.Equal(t, `limit(x, x, 0, "+")`, normalize(`limit(x, x, 0, "+")`))
}

func TestEvaluate_Concurrent(t *testing.T) {
	ev := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := ev.Evaluate("binomial(5,3)/2**5")
			assert.Equal(t, "0.3125", r.Result)
		}()
	}
	wg.Wait()
}

func TestEvaluate_LargeBinomialReturnsPromptly(t *testing.T) {
	ev := New()
	tests := []struct {
		input string
		ok    bool
		value float64
	}{
		{"binomial(1e12, 5e11)", false, 0},
		{"binomial(1e8, 5e7)", false, 0},
		{"binomial(-3.5, 1e8)", true, 3.00901115997125e+19},
		{"binomial(-0.5, 2000)", true, 0.0126149},
		{"binomial(1200, 1001)", true, 3.9984414947804983e+232},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			done := make(chan Result, 1)
			go func() { done <- ev.Evaluate(tt.input) }()

			select {
			case r := <-done:
				require.Equal(t, tt.ok, r.Success, r.Error)
				if tt.ok {
					require.NotNil(t, r.Value)
					assert.InEpsilon(t, tt.value, *r.Value, 1e-4)
				} else {
					assert.NotEmpty(t, r.Error)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("Evaluate(%s) did not return within 2s", tt.input)
			}
		})
	}
}

func TestEvaluate_Latex(t *testing.T) {
	ev := New()
	tests := []struct {
		input string
		want  string
	}{
		{"10/32", `\frac{5}{16}`},
		{"binomial(5,3)/2**5", `\frac{5}{16}`},
		{"pi", `\pi`},
		{"integrate(x, x)", `\frac{x^{2}}{2}`},
		{"diff(x^3)", `3 x^{2}`},
		{"expand((x+1)**2)", `x^{2} + 2 x + 1`},
		{"factor(x**2 - 1)", `\left(x + 1\right) \left(x - 1\right)`},
		{"integrate(cos(x), x)", `\sin\left(x\right)`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r := ev.Evaluate(tt.input)
			require.True(t, r.Success, r.Error)
			assert.Equal(t, tt.want, r.Latex)
		})
	}

	assert.Empty(t, ev.Evaluate("log(0)").Latex)
}

func TestLatex_Nodes(t *testing.T) {
	tests := []struct {
		name string
		in   Expr
		want string
	}{
		{"binomial", call("binomial", sym("n"), sym("k")), `\binom{n}{k}`},
		{"factorial", call("factorial", sym("n")), `n!`},
		{"abs", call("Abs", sym("x")), `\left|x\right|`},
		{"sqrt", pow(sym("x"), num(0.5)), `\sqrt{x}`},
		{"exp", pow(sym(constE), sym("x")), `e^{x}`},
		{"negative power", pow(sym("x"), num(-2)), `\frac{1}{x^{2}}`},
		{"indexed variable", sym("x1"), `x_{1}`},
		{"infinity", sym(constInf), `\infty`},
		{"negative fraction", num(-0.25), `-\frac{1}{4}`},
		{"arcsin", call("asin", sym("x")), `\arcsin\left(x\right)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, latex(tt.in))
		})
	}
}
