package connector

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
)

// DefaultScanLimit bounds how many rows Sample reads before drawing.
const DefaultScanLimit = 10000

// SQLConnector implements Connector over database/sql.
type SQLConnector struct {
	db        *sql.DB
	dialect   Dialect
	scanLimit int
}

var _ Connector = (*SQLConnector)(nil)

// Open opens a pooled connection for the given dialect and DSN.
func Open(d Dialect, dsn string, scanLimit int) (*SQLConnector, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.Name, err)
	}
	return NewSQLConnector(db, d, scanLimit), nil
}

// NewSQLConnector wraps an existing handle.
func NewSQLConnector(db *sql.DB, d Dialect, scanLimit int) *SQLConnector {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	return &SQLConnector{db: db, dialect: d, scanLimit: scanLimit}
}

func (c *SQLConnector) Dialect() Dialect { return c.dialect }

func (c *SQLConnector) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLConnector) Count(ctx context.Context, q Query) (int64, error) {
	b := &builder{d: c.dialect}
	stmt, err := b.count(q)
	if err != nil {
		return 0, fmt.Errorf("build %s count: %w", c.dialect.Name, err)
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, stmt, b.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("query %s count: %w", c.dialect.Name, err)
	}
	return n, nil
}

// Sample draws n rows from the whole target with a seeded reservoir over the
// stable scan order, holding only n rows in memory. n <= 0 returns every row
// up to the scan limit (or q.Limit) and flags a truncated scan.
func (c *SQLConnector) Sample(ctx context.Context, q Query, n int, seed int64) (RowSet, error) {
	limit := 0
	if n <= 0 {
		limit = c.scanLimit
	}
	if q.Limit > 0 && (limit == 0 || q.Limit < limit) {
		limit = q.Limit
	}
	scanLimit := limit
	if scanLimit > 0 {
		scanLimit++
	}
	b := &builder{d: c.dialect}
	stmt, err := b.scan(q, scanLimit)
	if err != nil {
		return RowSet{}, fmt.Errorf("build %s sample: %w", c.dialect.Name, err)
	}
	rows, err := c.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return RowSet{}, fmt.Errorf("query %s sample: %w", c.dialect.Name, err)
	}
	defer rows.Close()

	set := RowSet{}
	r := newReservoir(n, seed)
	cols, err := scanRows(rows, func(row Row) bool {
		if limit > 0 && set.Scanned == limit {
			set.Truncated = true
			return false
		}
		set.Scanned++
		r.offer(row)
		return true
	})
	if err != nil {
		return RowSet{}, fmt.Errorf("scan %s sample: %w", c.dialect.Name, err)
	}
	set.Columns = cols
	set.Rows = r.rows
	return set, nil
}

func (c *SQLConnector) ScalarAggregate(ctx context.Context, q Query, agg Aggregate) (any, error) {
	b := &builder{d: c.dialect}
	stmt, err := b.aggregate(q, agg)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", c.dialect.Name, agg.Fn, err)
	}
	var v any
	if err := c.db.QueryRowContext(ctx, stmt, b.args...).Scan(&v); err != nil {
		return nil, fmt.Errorf("query %s %s: %w", c.dialect.Name, agg.Fn, err)
	}
	return normalizeValue(v), nil
}

// reservoir keeps a uniform draw of n rows from a stream with Algorithm R.
// The rng is seeded so identical input yields an identical sample. n <= 0
// keeps every row.
type reservoir struct {
	n    int
	seen int
	rng  *rand.Rand
	rows []Row
}

func newReservoir(n int, seed int64) *reservoir {
	r := &reservoir{n: n, rng: rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))}
	if n > 0 {
		r.rows = make([]Row, 0, n)
	}
	return r
}

func (r *reservoir) offer(row Row) {
	r.seen++
	if r.n <= 0 || len(r.rows) < r.n {
		r.rows = append(r.rows, row)
		return
	}
	if j := r.rng.IntN(r.seen); j < r.n {
		r.rows[j] = row
	}
}

// scanRows hands each row to fn until fn returns false or the cursor ends.
func scanRows(rows *sql.Rows, fn func(Row) bool) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(*(values[i].(*any)))
		}
		if !fn(row) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}
