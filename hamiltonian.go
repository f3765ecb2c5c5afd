package cmpo

import (
	"gonum.org/v1/gonum/mat"

	"github.com/strelda/cmpo/grad"
)

var (
	pauliX = []float64{
		0, 1,
		1, 0,
	}
	pauliZ = []float64{
		1, 0,
		0, -1,
	}
)

// Ising returns the operator of the transverse field Ising model
//
//	H = -sum_ij z_i z_j - gamma sum_i x_i
//
// with physical leg size d=1 and bond dimension 2.
func Ising(gamma float64) Operator {
	q := mat.NewDense(2, 2, nil)
	q.Scale(gamma, mat.NewDense(2, 2, pauliX))
	z := mat.NewDense(2, 2, pauliZ)

	return NewOperator(
		grad.New(q),
		[]*grad.Value{grad.New(z)},
		[]*grad.Value{grad.New(z)},
		[][]*grad.Value{{grad.New(mat.NewDense(2, 2, nil))}},
	)
}

// Boundary returns the boundary state of o, built from its Q and L tensors.
// It serves as the starting point of the power projection.
func Boundary(o Operator) State {
	r := make([]*grad.Value, len(o.L))
	for m := range o.L {
		r[m] = o.L[m].Detach()
	}
	return NewState(o.Q.Detach(), r)
}
