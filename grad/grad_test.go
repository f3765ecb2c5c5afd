package grad

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLogTrExp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		beta float64
		m    *mat.Dense
		eigs []float64
	}{
		{
			beta: 1,
			m:    mat.NewDense(2, 2, []float64{1, 0, 0, 2}),
			eigs: []float64{1, 2},
		},
		{
			beta: 2.5,
			m:    mat.NewDense(2, 2, []float64{0, 1, 1, 0}),
			eigs: []float64{-1, 1},
		},
		{
			beta: 0.5,
			m:    mat.NewDense(3, 3, []float64{2, 0, 0, 0, -3, 0, 0, 0, 7}),
			eigs: []float64{2, -3, 7},
		},
		// Symmetrization: the skew part must not contribute.
		{
			beta: 1,
			m:    mat.NewDense(2, 2, []float64{1, 5, -5, 2}),
			eigs: []float64{1, 2},
		},
	}
	for _, test := range tests {
		test := test
		t.Run(fmt.Sprintf("%f", test.beta), func(t *testing.T) {
			t.Parallel()
			y, err := LogTrExp(test.beta, New(test.m))
			if err != nil {
				t.Fatalf("%+v", err)
			}

			var sum float64
			for _, l := range test.eigs {
				sum += math.Exp(test.beta * l)
			}
			expected := math.Log(sum)
			if got := y.Data.At(0, 0); math.Abs(got-expected) > 1e-12 {
				t.Fatalf("%f, expected %f", got, expected)
			}
		})
	}
}

func TestLogTrExpGradient(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(5))
	const n = 4
	const beta = 0.7
	m := randSym(rnd, n)

	v := New(m)
	y, err := LogTrExp(beta, v)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	Backward(y)

	f := func(a *mat.Dense) float64 {
		out, err := LogTrExp(beta, New(a))
		if err != nil {
			t.Fatalf("%+v", err)
		}
		return out.Data.At(0, 0)
	}
	checkGradient(t, v.Grad(), m, f)
}

func TestLogTrExpCacheSingleUse(t *testing.T) {
	t.Parallel()
	y, err := LogTrExp(1, New(mat.NewDense(2, 2, []float64{1, 0, 0, 2})))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	Backward(y)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected second backward to fail")
		}
	}()
	Backward(y)
}

// TestCompositeGradient checks the chain rule through the algebraic ops
// feeding LogTrExp, against finite differences.
func TestCompositeGradient(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(11))
	a := randSym(rnd, 3)
	b := randSym(rnd, 2)
	u := randDense(rnd, 3, 2)

	tests := []struct {
		name string
		x    *mat.Dense
		f    func(x *Value) *Value
	}{
		{
			// Congruence transform u^T a u.
			name: "project",
			x:    u,
			f: func(x *Value) *Value {
				return MatMul(MatMul(T(x), New(a)), x)
			},
		},
		{
			// Kronecker sum a(x)I + I(x)b + x(x)x.
			name: "kron",
			x:    b,
			f: func(x *Value) *Value {
				i3 := New(identity(3))
				i2 := New(identity(2))
				return Add(Kron(New(a), i2), Kron(i3, x), Kron(New(a), x))
			},
		},
		{
			name: "swapkron",
			x:    b,
			f: func(x *Value) *Value {
				return SwapKron(Kron(New(a), x), 3, 2)
			},
		},
		{
			name: "diag",
			x:    randDense(rnd, 4, 1),
			f: func(x *Value) *Value {
				return Add(Diag(x), Scale(0.3, New(identity(4))))
			},
		},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			v := New(test.x)
			y, err := LogTrExp(1.3, test.f(v))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			Backward(y)

			f := func(x *mat.Dense) float64 {
				out, err := LogTrExp(1.3, test.f(New(x)))
				if err != nil {
					t.Fatalf("%+v", err)
				}
				return out.Data.At(0, 0)
			}
			checkGradient(t, v.Grad(), test.x, f)
		})
	}
}

func TestSwapKron(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(17))
	tests := []struct {
		p int
		q int
	}{
		{p: 2, q: 3},
		{p: 3, q: 3},
		{p: 1, q: 4},
	}
	for _, test := range tests {
		test := test
		t.Run(fmt.Sprintf("%d %d", test.p, test.q), func(t *testing.T) {
			t.Parallel()
			a := randDense(rnd, test.p, test.p)
			b := randDense(rnd, test.q, test.q)

			swapped := SwapKron(Kron(New(a), New(b)), test.p, test.q)
			expected := Kron(New(b), New(a))
			if !mat.Equal(swapped.Data, expected.Data) {
				t.Fatalf("%v, expected %v", mat.Formatted(swapped.Data), mat.Formatted(expected.Data))
			}
		})
	}
}

func TestGradAccumulation(t *testing.T) {
	t.Parallel()
	// y = logtrexp(x + x): dy/dx must be twice that of a single use.
	x := mat.NewDense(2, 2, []float64{0.3, 0.1, 0.1, -0.2})

	v1 := New(x)
	y1, err := LogTrExp(1, Add(v1, v1))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	Backward(y1)

	v2 := New(x)
	y2, err := LogTrExp(1, Scale(2, v2))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	Backward(y2)

	if !mat.EqualApprox(v1.Grad(), v2.Grad(), 1e-14) {
		t.Fatalf("%v, expected %v", mat.Formatted(v1.Grad()), mat.Formatted(v2.Grad()))
	}
}

func checkGradient(t *testing.T, grad, x *mat.Dense, f func(*mat.Dense) float64) {
	t.Helper()
	const eps = 1e-6
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			fp := f(x)
			x.Set(i, j, orig-eps)
			fm := f(x)
			x.Set(i, j, orig)

			numerical := (fp - fm) / (2 * eps)
			analytic := grad.At(i, j)
			if math.Abs(numerical-analytic) > 1e-6*math.Max(1, math.Abs(numerical)) {
				t.Fatalf("(%d,%d): %g, expected %g", i, j, analytic, numerical)
			}
		}
	}
}

func randSym(rnd *rand.Rand, n int) *mat.Dense {
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := rnd.Float64()*2 - 1
			a.Set(i, j, v)
			a.Set(j, i, v)
		}
	}
	return a
}

func randDense(rnd *rand.Rand, r, c int) *mat.Dense {
	a := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Set(i, j, rnd.Float64()*2-1)
		}
	}
	return a
}

func identity(n int) *mat.Dense {
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
	}
	return a
}
