package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pkg/errors"

	"github.com/strelda/cmpo"
	"github.com/strelda/cmpo/checkpoint"
)

// threadsEnv controls the parallelism fan-out of the dense linear algebra.
const threadsEnv = "OMP_NUM_THREADS"

var (
	runDir = flag.String("d", filepath.Join("runs", "cmpo"), "run directory")
)

type Config struct {
	gamma float64
	chi   int
	beta  float64
	tol   float64
}

func newConfigs() []Config {
	configs := make([]Config, 0)
	for _, gamma := range []float64{0.5, 1, 2} {
		for _, chi := range []int{2, 4} {
			for _, beta := range []float64{1, 2, 4} {
				cfg := Config{gamma: gamma, chi: chi, beta: beta}

				switch chi {
				case 2:
					cfg.tol = 1e-8
				default:
					cfg.tol = 1e-10
				}

				configs = append(configs, cfg)
			}
		}
	}
	return configs
}

type Statistics struct {
	cfg Config
	f   float64
}

// solve power-projects the Ising operator onto its boundary state,
// compressing back to the target bond dimension at every step, until the
// free energy per site converges.
func solve(cfg Config) (Statistics, error) {
	op := cmpo.Ising(cfg.gamma)
	psi := cmpo.Boundary(op)
	chkp := filepath.Join(*runDir, fmt.Sprintf("gamma%.3f_chi%d_beta%.1f.db", cfg.gamma, cfg.chi, cfg.beta))

	// Resume from a previous run's parameters when available.
	var guess *cmpo.State
	if _, err := os.Stat(chkp); err == nil {
		q, r, err := checkpoint.Load(chkp)
		if err != nil {
			return Statistics{}, errors.Wrap(err, chkp)
		}
		if len(q) == cfg.chi && len(r) == psi.PhysDim() {
			s := cmpo.FromParameters(q, r)
			guess = &s
		}
	}

	const maxPower = 20
	f := math.Inf(1)
	for step := 0; step < maxPower; step++ {
		enlarged := cmpo.Act(op, psi)
		if enlarged.Dim() < cfg.chi {
			psi = enlarged
			continue
		}

		opt := cmpo.NewCompressOptions().Tol(cfg.tol)
		if guess != nil {
			opt = opt.InitialGuess(*guess)
		}
		compressed, err := cmpo.Compress(enlarged, cfg.beta, cfg.chi, chkp, opt)
		if err != nil {
			return Statistics{}, errors.Wrap(err, fmt.Sprintf("%d", step))
		}

		fNew, err := freeEnergy(compressed, op, cfg.beta)
		if err != nil {
			return Statistics{}, errors.Wrap(err, fmt.Sprintf("%d", step))
		}

		psi = compressed
		guess = &compressed
		converged := math.Abs(fNew-f) < cfg.tol*math.Max(math.Abs(fNew), 1)
		f = fNew
		if converged {
			break
		}
	}

	return Statistics{cfg: cfg, f: f}, nil
}

// freeEnergy returns the free energy per site, -(log<psi|T|psi> - log<psi|psi>)/beta.
func freeEnergy(psi cmpo.State, op cmpo.Operator, beta float64) (float64, error) {
	up, err := cmpo.LogOverlap(psi, cmpo.Act(op, psi), beta)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	dn, err := cmpo.LogOverlap(psi, psi, beta)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return (up.Data.At(0, 0) - dn.Data.At(0, 0)) / -beta, nil
}

// parallelism reads the dense linear algebra thread count from the
// environment. It is read exactly once, before any numerics start.
func parallelism() (int, error) {
	s, ok := os.LookupEnv(threadsEnv)
	if !ok {
		return -1, errors.Errorf("%s is not set", threadsEnv)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1, errors.Wrap(err, s)
	}
	if n < 1 {
		return -1, errors.Errorf("%s %d", threadsEnv, n)
	}
	return n, nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	threads, err := parallelism()
	if err != nil {
		return errors.Wrap(err, "")
	}
	runtime.GOMAXPROCS(threads)

	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	configs := newConfigs()
	statistics := make([]Statistics, 0, len(configs))
	for _, cfg := range configs {
		stat, err := solve(cfg)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("%#v", cfg))
		}
		statistics = append(statistics, stat)
		log.Printf("%#v", stat)
	}

	fmt.Printf("gamma,chi,beta,f\n")
	for _, s := range statistics {
		fmt.Printf("%f,%d,%f,%f\n", s.cfg.gamma, s.cfg.chi, s.cfg.beta, s.f)
	}
	return nil
}
