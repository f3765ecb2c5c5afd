// Package grad implements reverse-mode automatic differentiation over dense matrices.
//
// Values form a computation graph during the forward pass.
// Backward walks the graph in reverse topological order, accumulating
// gradients into every node reachable from the output.
package grad

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Value is a node in the differentiation graph.
type Value struct {
	// Data is the result of the forward computation.
	Data *mat.Dense

	grad *mat.Dense
	prev []*Value
	back func()
}

// New creates a leaf node.
func New(a *mat.Dense) *Value {
	return &Value{Data: a}
}

// Detach returns a leaf node sharing v's data, cut off from the graph.
func (v *Value) Detach() *Value {
	return New(v.Data)
}

// Grad returns the gradient accumulated by Backward, or nil.
func (v *Value) Grad() *mat.Dense {
	return v.grad
}

// Backward propagates the gradient of the scalar y to every node in its graph.
func Backward(y *Value) {
	if r, c := y.Data.Dims(); r != 1 || c != 1 {
		panic(fmt.Sprintf("%d %d", r, c))
	}

	order := make([]*Value, 0)
	visited := make(map[*Value]bool)
	var visit func(v *Value)
	visit = func(v *Value) {
		if visited[v] {
			return
		}
		visited[v] = true
		for _, p := range v.prev {
			visit(p)
		}
		order = append(order, v)
	}
	visit(y)

	y.grad = mat.NewDense(1, 1, []float64{1})
	for i := len(order) - 1; i >= 0; i-- {
		if v := order[i]; v.back != nil {
			v.back()
		}
	}
}

// MatMul returns the matrix product a times b.
func MatMul(a, b *Value) *Value {
	ar, ac := a.Data.Dims()
	br, bc := b.Data.Dims()
	if ac != br {
		panic(fmt.Sprintf("%dx%d %dx%d", ar, ac, br, bc))
	}

	c := mat.NewDense(ar, bc, nil)
	c.Mul(a.Data, b.Data)
	out := &Value{Data: c, prev: []*Value{a, b}}
	out.back = func() {
		var da, db mat.Dense
		da.Mul(out.grad, b.Data.T())
		db.Mul(a.Data.T(), out.grad)
		accum(a, &da)
		accum(b, &db)
	}
	return out
}

// T returns the transpose of a.
func T(a *Value) *Value {
	r, c := a.Data.Dims()
	t := mat.NewDense(c, r, nil)
	t.Copy(a.Data.T())
	out := &Value{Data: t, prev: []*Value{a}}
	out.back = func() {
		var da mat.Dense
		da.CloneFrom(out.grad.T())
		accum(a, &da)
	}
	return out
}

// Add returns the element-wise sum of its arguments.
func Add(vs ...*Value) *Value {
	r, c := vs[0].Data.Dims()
	sum := mat.NewDense(r, c, nil)
	for _, v := range vs {
		vr, vc := v.Data.Dims()
		if vr != r || vc != c {
			panic(fmt.Sprintf("%dx%d %dx%d", r, c, vr, vc))
		}
		sum.Add(sum, v.Data)
	}

	out := &Value{Data: sum, prev: vs}
	out.back = func() {
		for _, v := range vs {
			accum(v, out.grad)
		}
	}
	return out
}

// Sub returns a minus b.
func Sub(a, b *Value) *Value {
	return Add(a, Scale(-1, b))
}

// Scale returns c times a.
func Scale(c float64, a *Value) *Value {
	r, cols := a.Data.Dims()
	s := mat.NewDense(r, cols, nil)
	s.Scale(c, a.Data)
	out := &Value{Data: s, prev: []*Value{a}}
	out.back = func() {
		var da mat.Dense
		da.Scale(c, out.grad)
		accum(a, &da)
	}
	return out
}

// Kron returns the Kronecker product of a and b.
func Kron(a, b *Value) *Value {
	ar, ac := a.Data.Dims()
	br, bc := b.Data.Dims()
	k := mat.NewDense(ar*br, ac*bc, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			aij := a.Data.At(i, j)
			for p := 0; p < br; p++ {
				for q := 0; q < bc; q++ {
					k.Set(i*br+p, j*bc+q, aij*b.Data.At(p, q))
				}
			}
		}
	}

	out := &Value{Data: k, prev: []*Value{a, b}}
	out.back = func() {
		da := mat.NewDense(ar, ac, nil)
		db := mat.NewDense(br, bc, nil)
		for i := 0; i < ar; i++ {
			for j := 0; j < ac; j++ {
				aij := a.Data.At(i, j)
				var s float64
				for p := 0; p < br; p++ {
					for q := 0; q < bc; q++ {
						g := out.grad.At(i*br+p, j*bc+q)
						s += g * b.Data.At(p, q)
						db.Set(p, q, db.At(p, q)+g*aij)
					}
				}
				da.Set(i, j, s)
			}
		}
		accum(a, da)
		accum(b, db)
	}
	return out
}

// SwapKron permutes the two Kronecker factors of a bond space.
// The input is a (p*q)x(p*q) matrix whose rows and columns are indexed
// by (i*q+j); the output is indexed by (j*p+i).
func SwapKron(a *Value, p, q int) *Value {
	r, c := a.Data.Dims()
	if r != p*q || c != p*q {
		panic(fmt.Sprintf("%dx%d %d %d", r, c, p, q))
	}

	s := mat.NewDense(r, c, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < q; j++ {
			for k := 0; k < p; k++ {
				for l := 0; l < q; l++ {
					s.Set(j*p+i, l*p+k, a.Data.At(i*q+j, k*q+l))
				}
			}
		}
	}

	out := &Value{Data: s, prev: []*Value{a}}
	out.back = func() {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < p; i++ {
			for j := 0; j < q; j++ {
				for k := 0; k < p; k++ {
					for l := 0; l < q; l++ {
						da.Set(i*q+j, k*q+l, out.grad.At(j*p+i, l*p+k))
					}
				}
			}
		}
		accum(a, da)
	}
	return out
}

// Diag returns the diagonal matrix whose diagonal is the column vector a.
func Diag(a *Value) *Value {
	n, c := a.Data.Dims()
	if c != 1 {
		panic(fmt.Sprintf("%d %d", n, c))
	}

	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, a.Data.At(i, 0))
	}

	out := &Value{Data: d, prev: []*Value{a}}
	out.back = func() {
		da := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			da.Set(i, 0, out.grad.At(i, i))
		}
		accum(a, da)
	}
	return out
}

func accum(v *Value, g *mat.Dense) {
	if v.grad == nil {
		r, c := g.Dims()
		v.grad = mat.NewDense(r, c, nil)
	}
	v.grad.Add(v.grad, g)
}
