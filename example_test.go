package cmpo_test

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/strelda/cmpo"
)

// Example compresses the boundary state of the transverse field Ising
// operator at the critical transverse field. Since the bond dimension is
// not reduced, the compression is a pure gauge transformation and loses
// nothing.
func Example() {
	op := cmpo.Ising(1)
	psi := cmpo.Boundary(op)
	const beta = 4

	dir, err := os.MkdirTemp("", "")
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)

	compressed, err := cmpo.Compress(psi, beta, psi.Dim(), filepath.Join(dir, "chkp.db"))
	if err != nil {
		log.Fatalf("%+v", err)
	}

	f, err := cmpo.Fidelity(compressed, psi, beta)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	self, err := cmpo.LogOverlap(psi, psi, beta)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	loss := f.Data.At(0, 0) - 0.5*self.Data.At(0, 0)

	fmt.Printf("bond dimension: %d\n", compressed.Dim())
	fmt.Printf("loss below 1e-6: %t\n", math.Abs(loss) < 1e-6)
	// Output:
	// bond dimension: 2
	// loss below 1e-6: true
}
