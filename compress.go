package cmpo

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/strelda/cmpo/checkpoint"
	"github.com/strelda/cmpo/grad"
)

// CompressOptions are options for Compress.
type CompressOptions struct {
	tol           float64
	maxIterations int
	init          *State
}

// NewCompressOptions returns the default compression options.
func NewCompressOptions() CompressOptions {
	opt := CompressOptions{}
	opt.tol = 1e-12
	opt.maxIterations = 50
	return opt
}

// Tol sets the convergence tolerance of both optimization stages.
func (opt CompressOptions) Tol(tol float64) CompressOptions {
	opt.tol = tol
	return opt
}

// MaxIterations sets the iteration budget of the isometry search stage.
func (opt CompressOptions) MaxIterations(i int) CompressOptions {
	opt.maxIterations = i
	return opt
}

// InitialGuess supplies a starting state of bond dimension chi,
// skipping the isometry search stage entirely.
func (opt CompressOptions) InitialGuess(s State) CompressOptions {
	opt.init = &s
	return opt
}

// Compress variationally compresses s into a state of bond dimension chi
// at inverse temperature beta, and checkpoints the optimized parameters
// to chkpPath.
//
// The compression proceeds in two stages. An isometry line search over the
// truncated eigenbasis of s.Q gives a fast initial guess, which a
// quasi-Newton refinement of all free parameters then optimizes until the
// fidelity stops improving. The returned state is detached from the
// differentiation graph.
func Compress(s State, beta float64, chi int, chkpPath string, options ...CompressOptions) (State, error) {
	opt := NewCompressOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	switch {
	case beta <= 0:
		return State{}, errors.Errorf("beta %f", beta)
	case chi < 1 || chi > s.Dim():
		return State{}, errors.Errorf("chi %d, dim %d", chi, s.Dim())
	case opt.tol <= 0:
		return State{}, errors.Errorf("tol %g", opt.tol)
	}

	var psi State
	switch {
	case opt.init == nil:
		projected, err := isometrySearch(s, beta, chi, opt)
		if err != nil {
			return State{}, errors.Wrap(err, "")
		}
		// Fix the gauge so that Q is diagonal.
		psi, err = projected.DiagQ()
		if err != nil {
			return State{}, errors.Wrap(err, "")
		}
	default:
		psi = *opt.init
		if psi.Dim() != chi || psi.PhysDim() != s.PhysDim() {
			return State{}, errors.Errorf("%d %d, %d %d", psi.Dim(), chi, psi.PhysDim(), s.PhysDim())
		}
	}

	q, r, err := refine(psi, s, beta, opt.tol)
	if err != nil {
		return State{}, errors.Wrap(err, "")
	}

	// Shift the diagonal of Q so its maximum is zero. This overall energy
	// shift is physically irrelevant but improves conditioning.
	qMax := math.Inf(-1)
	for _, v := range q {
		qMax = math.Max(qMax, v)
	}
	for i := range q {
		q[i] -= qMax
	}

	if err := checkpoint.Save(chkpPath, q, r); err != nil {
		return State{}, errors.Wrap(err, "")
	}
	return FromParameters(q, r), nil
}

// FromParameters builds a detached State from the free parameters:
// the diagonal of Q, and the R tensor as one bond matrix per physical leg.
func FromParameters(q []float64, r []*mat.Dense) State {
	chi := len(q)
	qm := mat.NewDense(chi, chi, nil)
	for i, v := range q {
		qm.Set(i, i, v)
	}
	rv := make([]*grad.Value, len(r))
	for m := range r {
		rv[m] = grad.New(r[m])
	}
	return NewState(grad.New(qm), rv)
}

// isometrySearch finds an isometry p maximizing the fidelity of
// s.Project(p) against s, by line searches along SVD-retracted gradients.
// Exhausting the iteration budget is not an error; the last iterate is kept.
func isometrySearch(s State, beta float64, chi int, opt CompressOptions) (State, error) {
	p, err := energyCut(s, chi)
	if err != nil {
		return State{}, errors.Wrap(err, "")
	}

	var projected State
	last := math.Inf(1)
	for step := 0; ; step++ {
		pv := grad.New(p)
		projected = s.Project(pv)

		loss, err := Fidelity(projected, s, beta)
		if err != nil {
			return State{}, errors.Wrap(err, "")
		}
		lossV := loss.Data.At(0, 0)

		if math.Abs(lossV-last) < opt.tol || step >= opt.maxIterations {
			break
		}
		last = lossV

		grad.Backward(loss)
		retracted, err := polar(pv.Grad())
		if err != nil {
			return State{}, errors.Wrap(err, "")
		}

		// Backtracking line search over the interpolation angle.
		theta := math.Pi
		for {
			theta /= 2
			if theta < math.Pi/math.Pow(1.9, 12) {
				theta = 0
			}
			pTest, err := interpolate(retracted, p, theta)
			if err != nil {
				return State{}, errors.Wrap(err, "")
			}

			f, err := Fidelity(s.Project(grad.New(pTest)), s, beta)
			if err != nil {
				return State{}, errors.Wrap(err, "")
			}
			if f.Data.At(0, 0) > lossV || theta == 0 {
				p = pTest
				break
			}
		}
	}

	return projected.Detach(), nil
}

// energyCut seeds the isometry with the eigenbasis of the chi largest
// eigenvalues of the state's Q matrix.
func energyCut(s State, chi int) (*mat.Dense, error) {
	v, _, err := eigenBasis(s.Q.Data)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	dim := s.Dim()
	p := mat.NewDense(dim, chi, nil)
	p.Copy(v.Slice(0, dim, dim-chi, dim))
	return p, nil
}

// interpolate returns the isometry nearest to sin(theta)*a + cos(theta)*b.
// At theta=0 it returns b's data untouched, skipping the SVD so that a
// degenerate line search step causes no numerical perturbation.
func interpolate(a, b *mat.Dense, theta float64) (*mat.Dense, error) {
	if theta == 0 {
		return b, nil
	}

	r, c := b.Dims()
	mix := mat.NewDense(r, c, nil)
	var sa, cb mat.Dense
	sa.Scale(math.Sin(theta), a)
	cb.Scale(math.Cos(theta), b)
	mix.Add(&sa, &cb)
	return polar(mix)
}

// polar returns the orthogonal polar factor u v^T of the thin SVD of a.
func polar(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		r, c := a.Dims()
		return nil, errors.Errorf("svd failed, %dx%d", r, c)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	r, c := a.Dims()
	p := mat.NewDense(r, c, nil)
	p.Mul(&u, v.T())
	return p, nil
}

// refine runs the quasi-Newton stage, minimizing -Fidelity(psi, s, beta)
// over the free parameters of psi: the diagonal of Q and the full R tensor.
func refine(psi, s State, beta float64, tol float64) ([]float64, []*mat.Dense, error) {
	chi := psi.Dim()
	d := psi.PhysDim()

	// Pack the free parameters into the optimization vector.
	x := make([]float64, 0, chi+d*chi*chi)
	for i := 0; i < chi; i++ {
		x = append(x, psi.Q.Data.At(i, i))
	}
	for m := 0; m < d; m++ {
		for i := 0; i < chi; i++ {
			for j := 0; j < chi; j++ {
				x = append(x, psi.R[m].Data.At(i, j))
			}
		}
	}

	// eval rebuilds the state from the parameters and computes the loss
	// and its gradient by backpropagation. It is pure: each call builds a
	// fresh graph, and the parameter buffer is owned by the caller.
	var evalErr error
	eval := func(x []float64) (float64, []float64) {
		qv := grad.New(mat.NewDense(chi, 1, append([]float64(nil), x[:chi]...)))
		rv := make([]*grad.Value, d)
		for m := 0; m < d; m++ {
			off := chi + m*chi*chi
			rv[m] = grad.New(mat.NewDense(chi, chi, append([]float64(nil), x[off:off+chi*chi]...)))
		}
		candidate := State{Q: grad.Diag(qv), R: rv}

		f, err := Fidelity(candidate, s, beta)
		if err != nil {
			evalErr = err
			return math.NaN(), nil
		}
		loss := grad.Scale(-1, f)
		grad.Backward(loss)

		g := make([]float64, 0, len(x))
		for i := 0; i < chi; i++ {
			g = append(g, qv.Grad().At(i, 0))
		}
		for m := 0; m < d; m++ {
			for i := 0; i < chi; i++ {
				for j := 0; j < chi; j++ {
					g = append(g, rv[m].Grad().At(i, j))
				}
			}
		}
		return loss.Data.At(0, 0), g
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v, _ := eval(x)
			return v
		},
		Grad: func(g, x []float64) {
			_, eg := eval(x)
			if eg == nil {
				for i := range g {
					g[i] = math.NaN()
				}
				return
			}
			copy(g, eg)
		},
	}
	settings := &optimize.Settings{
		Converger:       &optimize.FunctionConverge{Absolute: tol, Relative: tol, Iterations: 20},
		MajorIterations: 1000,
	}
	method := &optimize.LBFGS{Linesearcher: &optimize.MoreThuente{}}

	result, err := optimize.Minimize(problem, x, settings, method)
	if evalErr != nil {
		return nil, nil, errors.Wrap(evalErr, "")
	}
	// Linesearch stalls and budget exhaustion are tolerated approximations,
	// the best iterate found is kept.
	if err != nil && result == nil {
		return nil, nil, errors.Wrap(err, "")
	}
	x = result.X

	q := append([]float64(nil), x[:chi]...)
	r := make([]*mat.Dense, d)
	for m := 0; m < d; m++ {
		off := chi + m*chi*chi
		r[m] = mat.NewDense(chi, chi, append([]float64(nil), x[off:off+chi*chi]...))
	}
	return q, r, nil
}
