// Package cmpo implements the continuous matrix product operator method
// for finite temperature quantum states.
//
// References:
//   - Continuous matrix product operator approach to finite temperature quantum states, Tang, Tu, Wang
package cmpo

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/strelda/cmpo/grad"
)

// Operator is a continuous matrix product operator.
// Its tensor structure is
//
//	--                              --
//	| I + dtau Q  -- sqrt(dtau) R -- |
//	|                                |
//	|       |                        |
//	| sqrt(dtau) L        P          |
//	|       |                        |
//	--                              --
//
// Q is the bond matrix, L and R carry one physical leg each,
// and P carries two. All physical legs have the same size d.
type Operator struct {
	Q *grad.Value
	L []*grad.Value
	R []*grad.Value
	P [][]*grad.Value
}

// NewOperator creates an Operator, checking tensor shapes.
func NewOperator(q *grad.Value, l, r []*grad.Value, p [][]*grad.Value) Operator {
	dim, c := q.Data.Dims()
	if dim != c {
		panic(fmt.Sprintf("%d %d", dim, c))
	}
	d := len(r)
	if len(l) != d || len(p) != d {
		panic(fmt.Sprintf("%d %d %d", len(l), d, len(p)))
	}
	for _, s := range l {
		checkDims(s, dim, dim)
	}
	for _, s := range r {
		checkDims(s, dim, dim)
	}
	for _, row := range p {
		if len(row) != d {
			panic(fmt.Sprintf("%d %d", len(row), d))
		}
		for _, s := range row {
			checkDims(s, dim, dim)
		}
	}
	return Operator{Q: q, L: l, R: r, P: p}
}

// Dim returns the bond dimension.
func (o Operator) Dim() int {
	dim, _ := o.Q.Data.Dims()
	return dim
}

// PhysDim returns the physical leg size d.
func (o Operator) PhysDim() int {
	return len(o.R)
}

// Transpose swaps L with R and the two physical legs of P.
// It is its own inverse.
func (o Operator) Transpose() Operator {
	d := len(o.P)
	p := make([][]*grad.Value, d)
	for m := 0; m < d; m++ {
		p[m] = make([]*grad.Value, d)
		for n := 0; n < d; n++ {
			p[m][n] = o.P[n][m]
		}
	}
	return Operator{Q: o.Q, L: o.R, R: o.L, P: p}
}

// Project applies the congruence transform u^T x u to every bond matrix.
// A square u is a gauge transformation; a rectangular u embeds into a
// smaller bond space.
func (o Operator) Project(u *grad.Value) Operator {
	d := len(o.P)
	l := make([]*grad.Value, d)
	r := make([]*grad.Value, d)
	p := make([][]*grad.Value, d)
	for m := 0; m < d; m++ {
		l[m] = congruence(u, o.L[m])
		r[m] = congruence(u, o.R[m])
		p[m] = make([]*grad.Value, d)
		for n := 0; n < d; n++ {
			p[m][n] = congruence(u, o.P[m][n])
		}
	}
	return Operator{Q: congruence(u, o.Q), L: l, R: r, P: p}
}

// Detach returns an Operator cut off from the differentiation graph.
func (o Operator) Detach() Operator {
	d := len(o.P)
	l := make([]*grad.Value, d)
	r := make([]*grad.Value, d)
	p := make([][]*grad.Value, d)
	for m := 0; m < d; m++ {
		l[m] = o.L[m].Detach()
		r[m] = o.R[m].Detach()
		p[m] = make([]*grad.Value, d)
		for n := 0; n < d; n++ {
			p[m][n] = o.P[m][n].Detach()
		}
	}
	return Operator{Q: o.Q.Detach(), L: l, R: r, P: p}
}

// State is a continuous matrix product state.
// Its tensor structure is
//
//	--            --
//	| I + dtau Q   |
//	|              |
//	|       |      |
//	| sqrt(dtau) R |
//	|       |      |
//	--            --
type State struct {
	Q *grad.Value
	R []*grad.Value
}

// NewState creates a State, checking tensor shapes.
func NewState(q *grad.Value, r []*grad.Value) State {
	dim, c := q.Data.Dims()
	if dim != c {
		panic(fmt.Sprintf("%d %d", dim, c))
	}
	for _, s := range r {
		checkDims(s, dim, dim)
	}
	return State{Q: q, R: r}
}

// Dim returns the bond dimension.
func (s State) Dim() int {
	dim, _ := s.Q.Data.Dims()
	return dim
}

// PhysDim returns the physical leg size d.
func (s State) PhysDim() int {
	return len(s.R)
}

// Project applies the congruence transform u^T x u to Q and every R slice.
func (s State) Project(u *grad.Value) State {
	r := make([]*grad.Value, len(s.R))
	for m := range s.R {
		r[m] = congruence(u, s.R[m])
	}
	return State{Q: congruence(u, s.Q), R: r}
}

// Detach returns a State cut off from the differentiation graph.
func (s State) Detach() State {
	r := make([]*grad.Value, len(s.R))
	for m := range s.R {
		r[m] = s.R[m].Detach()
	}
	return State{Q: s.Q.Detach(), R: r}
}

// DiagQ returns an equivalent State in the gauge where Q is diagonal.
func (s State) DiagQ() (State, error) {
	u, _, err := eigenBasis(s.Q.Data)
	if err != nil {
		return State{}, errors.Wrap(err, "")
	}
	return s.Project(grad.New(u)), nil
}

// LeftMultiply contracts w with the physical leg of the state's R tensor,
// leaving Q untouched.
//
//	--        --   --            --
//	| 1 0 ... 0|   | I + dtau Q   |
//	| 0        |   |              |
//	| :        |   |       |      |
//	| :    W   |   | sqrt(dtau) R |
//	| 0        |   |       |      |
//	--        --   --            --
func LeftMultiply(w *mat.Dense, s State) State {
	d := len(s.R)
	wr, wc := w.Dims()
	if wr != d || wc != d {
		panic(fmt.Sprintf("%dx%d %d", wr, wc, d))
	}

	r := make([]*grad.Value, d)
	for m := 0; m < d; m++ {
		terms := make([]*grad.Value, 0, d)
		for n := 0; n < d; n++ {
			terms = append(terms, grad.Scale(w.At(m, n), s.R[n]))
		}
		r[m] = grad.Add(terms...)
	}
	return State{Q: s.Q, R: r}
}

// Act acts the state to the right of the operator, producing a state on
// the Kronecker product bond space of size dim_op * dim_state.
//
//	--                              --   --            --
//	| I + dtau Q  -- sqrt(dtau) R -- |   | I + dtau Q   |
//	|                                |   |              |
//	|       |                        |   |       |      |
//	| sqrt(dtau) L        P          |   | sqrt(dtau) R |
//	|       |                        |   |       |      |
//	--                              --   --            --
func Act(o Operator, s State) State {
	d := len(o.R)
	if len(s.R) != d {
		panic(fmt.Sprintf("%d %d", len(s.R), d))
	}
	io := grad.New(eye(o.Dim()))
	is := grad.New(eye(s.Dim()))

	qTerms := make([]*grad.Value, 0, d+2)
	qTerms = append(qTerms, grad.Kron(o.Q, is), grad.Kron(io, s.Q))
	for m := 0; m < d; m++ {
		qTerms = append(qTerms, grad.Kron(o.R[m], s.R[m]))
	}

	r := make([]*grad.Value, d)
	for m := 0; m < d; m++ {
		terms := make([]*grad.Value, 0, d+1)
		terms = append(terms, grad.Kron(o.L[m], is))
		for n := 0; n < d; n++ {
			terms = append(terms, grad.Kron(o.P[m][n], s.R[n]))
		}
		r[m] = grad.Add(terms...)
	}

	return State{Q: grad.Add(qTerms...), R: r}
}

// LAct acts the state to the left of the operator. It acts the transposed
// operator via Act, then swaps the two Kronecker bond factors to restore
// the operator's causal ordering.
//
//	--            --  --                              --
//	| I + dtau Q   |  | I + dtau Q  -- sqrt(dtau) R -- |
//	|              |  |                                |
//	|       |      |  |       |                        |
//	| sqrt(dtau) R |  | sqrt(dtau) L        P          |
//	|       |      |  |       |                        |
//	--            --  --                              --
func LAct(s State, o Operator) State {
	do, ds := o.Dim(), s.Dim()
	t := Act(o.Transpose(), s)

	r := make([]*grad.Value, len(t.R))
	for m := range t.R {
		r[m] = grad.SwapKron(t.R[m], do, ds)
	}
	return State{Q: grad.SwapKron(t.Q, do, ds), R: r}
}

// DensityMatrix builds the generator K of the overlap <s1|s2>,
// such that the transfer matrix is I + dtau K.
func DensityMatrix(s1, s2 State) *grad.Value {
	d := len(s1.R)
	if len(s2.R) != d {
		panic(fmt.Sprintf("%d %d", len(s2.R), d))
	}
	i1 := grad.New(eye(s1.Dim()))
	i2 := grad.New(eye(s2.Dim()))

	terms := make([]*grad.Value, 0, d+2)
	terms = append(terms, grad.Kron(s1.Q, i2), grad.Kron(i1, s2.Q))
	for m := 0; m < d; m++ {
		terms = append(terms, grad.Kron(s1.R[m], s2.R[m]))
	}
	return grad.Add(terms...)
}

// LogOverlap computes log(<s1|s2>) at inverse temperature beta.
func LogOverlap(s1, s2 State, beta float64) (*grad.Value, error) {
	y, err := grad.LogTrExp(beta, DensityMatrix(s1, s2))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return y, nil
}

// Fidelity computes log[<psi|s> / sqrt(<psi|psi>)], the compression
// objective measuring how well psi reproduces s at inverse temperature beta.
func Fidelity(psi, s State, beta float64) (*grad.Value, error) {
	up, err := LogOverlap(psi, s, beta)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	dn, err := LogOverlap(psi, psi, beta)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return grad.Sub(up, grad.Scale(0.5, dn)), nil
}

// congruence returns u^T a u.
func congruence(u, a *grad.Value) *grad.Value {
	return grad.MatMul(grad.MatMul(grad.T(u), a), u)
}

// eigenBasis eigendecomposes the symmetrized a, returning the eigenvector
// matrix whose columns are ordered by ascending eigenvalue.
func eigenBasis(a *mat.Dense) (*mat.Dense, []float64, error) {
	n, c := a.Dims()
	if n != c {
		panic(fmt.Sprintf("%d %d", n, c))
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, nil, errors.Errorf("eigendecomposition failed, n=%d", n)
	}
	var v mat.Dense
	eig.VectorsTo(&v)
	return &v, eig.Values(nil), nil
}

func eye(n int) *mat.Dense {
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
	}
	return a
}

func checkDims(v *grad.Value, rows, cols int) {
	r, c := v.Data.Dims()
	if r != rows || c != cols {
		panic(fmt.Sprintf("%dx%d %dx%d", r, c, rows, cols))
	}
}
