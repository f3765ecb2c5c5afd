package grad

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LogTrExp computes log(tr(exp(beta*m))) for a symmetrizable square matrix m.
//
// The forward pass symmetrizes m, eigendecomposes it, and reduces the
// eigenvalues with the numerically stable log-sum-exp.
// The backward pass uses the hand-derived rule
//
//	dy/dm = beta * V diag(exp(beta*w - y)) V^T
//
// reconstructed in the eigenbasis, instead of differentiating through the
// eigensolver. This stays well conditioned near degenerate eigenvalues.
// The scaled density operator is cached between the forward and backward
// pass of a single call, and is released after one backward run.
func LogTrExp(beta float64, m *Value) (*Value, error) {
	n, c := m.Data.Dims()
	if n != c {
		panic(fmt.Sprintf("%d %d", n, c))
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.Data.At(i, j)+m.Data.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, errors.Errorf("eigendecomposition failed, n=%d", n)
	}
	w := eig.Values(nil)
	var v mat.Dense
	eig.VectorsTo(&v)

	// Log-sum-exp of beta*w.
	wMax := math.Inf(-1)
	for _, wi := range w {
		wMax = math.Max(wMax, beta*wi)
	}
	var sum float64
	for _, wi := range w {
		sum += math.Exp(beta*wi - wMax)
	}
	y := wMax + math.Log(sum)
	if math.IsNaN(y) {
		return nil, errors.Errorf("NaN, n=%d beta=%f", n, beta)
	}

	// scaledRho = beta * V diag(exp(beta*w - y)) V^T.
	vd := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			vd.Set(i, j, v.At(i, j)*math.Exp(beta*w[j]-y))
		}
	}
	scaledRho := mat.NewDense(n, n, nil)
	scaledRho.Mul(vd, v.T())
	scaledRho.Scale(beta, scaledRho)

	out := &Value{Data: mat.NewDense(1, 1, []float64{y}), prev: []*Value{m}}
	out.back = func() {
		dy := out.grad.At(0, 0)
		var dm mat.Dense
		dm.Scale(dy, scaledRho.T())
		accum(m, &dm)
		// Single-use cache.
		scaledRho = nil
	}
	return out, nil
}
