// Package checkpoint persists the free parameters of a compressed state.
//
// A checkpoint is a sqlite database holding exactly two named tensors:
// the diagonal of Q as a vector of length chi, and the R tensor of shape
// d x chi x chi, together with their shape header. No gradient metadata
// is stored.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	tableShape = "shape"
	tableQ     = "q"
	tableR     = "r"
)

// Save writes the free parameters q and r to a checkpoint at path,
// replacing any previous checkpoint there.
func Save(path string, q []float64, r []*mat.Dense) error {
	chi := len(q)
	for _, rm := range r {
		rr, rc := rm.Dims()
		if rr != chi || rc != chi {
			return errors.Errorf("%dx%d, chi %d", rr, rc, chi)
		}
	}

	db, err := newDB(path)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err1 := save(db, q, r); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err1 := db.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

func save(db *sql.DB, q []float64, r []*mat.Dense) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sqlStr := fmt.Sprintf(`INSERT INTO %s (d, chi) VALUES (?, ?)`, tableShape)
	if _, err := db.ExecContext(ctx, sqlStr, len(r), len(q)); err != nil {
		return errors.Wrap(err, "")
	}

	sqlStr = fmt.Sprintf(`INSERT INTO %s (i, v) VALUES (?, ?)`, tableQ)
	for i, v := range q {
		if _, err := db.ExecContext(ctx, sqlStr, i, v); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%d", i))
		}
	}

	sqlStr = fmt.Sprintf(`INSERT INTO %s (m, i, j, v) VALUES (?, ?, ?, ?)`, tableR)
	chi := len(q)
	for m, rm := range r {
		for i := 0; i < chi; i++ {
			for j := 0; j < chi; j++ {
				if _, err := db.ExecContext(ctx, sqlStr, m, i, j, rm.At(i, j)); err != nil {
					return errors.Wrap(err, fmt.Sprintf("%d %d %d", m, i, j))
				}
			}
		}
	}
	return nil
}

// Load reads the free parameters back from a checkpoint at path.
func Load(path string) ([]float64, []*mat.Dense, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	q, r, err := load(db)
	if err1 := db.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return q, r, nil
}

func load(db *sql.DB) ([]float64, []*mat.Dense, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var d, chi int
	sqlStr := fmt.Sprintf(`SELECT d, chi FROM %s`, tableShape)
	if err := db.QueryRowContext(ctx, sqlStr).Scan(&d, &chi); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	q := make([]float64, chi)
	sqlStr = fmt.Sprintf(`SELECT i, v FROM %s ORDER BY i`, tableQ)
	if err := scanInto(ctx, db, sqlStr, func(idx []int, v float64) {
		q[idx[0]] = v
	}, 1); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	r := make([]*mat.Dense, d)
	for m := 0; m < d; m++ {
		r[m] = mat.NewDense(chi, chi, nil)
	}
	sqlStr = fmt.Sprintf(`SELECT m, i, j, v FROM %s ORDER BY m, i, j`, tableR)
	if err := scanInto(ctx, db, sqlStr, func(idx []int, v float64) {
		r[idx[0]].Set(idx[1], idx[2], v)
	}, 3); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}

	return q, r, nil
}

func scanInto(ctx context.Context, db *sql.DB, sqlStr string, set func([]int, float64), numIdx int) error {
	rows, err := db.QueryContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rows.Close()

	idx := make([]int, numIdx)
	dst := make([]any, 0, numIdx+1)
	for i := range idx {
		dst = append(dst, &idx[i])
	}
	var v float64
	dst = append(dst, &v)

	for rows.Next() {
		if err := rows.Scan(dst...); err != nil {
			return errors.Wrap(err, "")
		}
		set(idx, v)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func newDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableShape),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableQ),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableR),
		fmt.Sprintf(`CREATE TABLE %s (d INTEGER, chi INTEGER) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE %s (i INTEGER, v REAL, PRIMARY KEY (i)) STRICT`, tableQ),
		fmt.Sprintf(`CREATE TABLE %s (m INTEGER, i INTEGER, j INTEGER, v REAL, PRIMARY KEY (m, i, j)) STRICT`, tableR),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}
