package connector

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T, scanLimit int) *SQLConnector {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, amount REAL, email TEXT, created_at TEXT, region TEXT)`,
		`INSERT INTO customers (id, name) VALUES (1, 'ada'), (2, 'grace')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 100; i++ {
		var email any = fmt.Sprintf("u%d@example.com", i)
		if i%10 == 0 {
			email = nil
		}
		customer := 1 + i%2
		if i > 97 {
			customer = 99
		}
		region := "eu"
		if i%2 == 0 {
			region = "us"
		}
		_, err := db.Exec(`INSERT INTO orders (id, customer_id, amount, email, created_at, region) VALUES (?, ?, ?, ?, ?, ?)`,
			i, customer, float64(i), email, base.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), region)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO orders (id, customer_id, amount, email, created_at, region) VALUES (101, 1, 5, 'u5@example.com', ?, 'eu')`,
		base.Format(time.RFC3339))
	require.NoError(t, err)
	return NewSQLConnector(db, SQLite, scanLimit)
}

func TestCountWithFilterAndConditions(t *testing.T) {
	ctx := context.Background()
	c := newSQLite(t, 0)

	n, err := c.Count(ctx, Query{Table: "orders"})
	require.NoError(t, err)
	assert.EqualValues(t, 101, n)

	n, err = c.Count(ctx, Query{Table: "orders", Conditions: []Condition{{Kind: IsNull, Column: "email"}}})
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	n, err = c.Count(ctx, Query{Table: "orders", Filter: "region = 'us'", Conditions: []Condition{{Kind: IsNull, Column: "email"}}})
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	n, err = c.Count(ctx, Query{Table: "orders", Conditions: []Condition{{Kind: OutOfRange, Column: "amount", Min: 10, Max: 90}}})
	require.NoError(t, err)
	assert.EqualValues(t, 20, n) // 1..9, 91..100, plus the extra row with amount 5
}

func TestOrphanCondition(t *testing.T) {
	c := newSQLite(t, 0)
	n, err := c.Count(context.Background(), Query{Table: "orders", Conditions: []Condition{{
		Kind: Orphan, Column: "customer_id", RefTable: "customers", RefColumn: "id",
	}}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestScalarAggregates(t *testing.T) {
	ctx := context.Background()
	c := newSQLite(t, 0)

	dups, err := c.ScalarAggregate(ctx, Query{Table: "orders"}, Aggregate{Fn: AggDuplicateKeys, Columns: []string{"email"}})
	require.NoError(t, err)
	got, ok := ToFloat(dups)
	require.True(t, ok)
	assert.EqualValues(t, 1, got, "NULL emails are not duplicates")

	latest, err := c.ScalarAggregate(ctx, Query{Table: "orders"}, Aggregate{Fn: AggMax, Columns: []string{"created_at"}})
	require.NoError(t, err)
	ts, ok := ToTime(latest)
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2026, 4, 5, 4, 0, 0, 0, time.UTC)))

	_, err = c.ScalarAggregate(ctx, Query{Table: "orders"}, Aggregate{Fn: AggMax, Columns: []string{"a", "b"}})
	assert.Error(t, err)
}

func TestSampleIsDeterministicForSeed(t *testing.T) {
	ctx := context.Background()
	c := newSQLite(t, 0)
	q := Query{Table: "orders", Columns: []string{"id", "email"}, OrderBy: []string{"id"}}

	first, err := c.Sample(ctx, q, 10, 42)
	require.NoError(t, err)
	second, err := c.Sample(ctx, q, 10, 42)
	require.NoError(t, err)
	other, err := c.Sample(ctx, q, 10, 7)
	require.NoError(t, err)

	assert.Len(t, first.Rows, 10)
	assert.Equal(t, 101, first.Scanned)
	assert.False(t, first.Truncated)
	assert.Equal(t, first.Rows, second.Rows)
	assert.NotEqual(t, first.Rows, other.Rows)
	assert.Equal(t, []string{"id", "email"}, first.Columns)
}

func TestSampleStopsAtScanLimit(t *testing.T) {
	c := newSQLite(t, 50)
	set, err := c.Sample(context.Background(), Query{Table: "orders", OrderBy: []string{"id"}}, 0, 1)
	require.NoError(t, err)
	assert.True(t, set.Truncated)
	assert.Equal(t, 50, set.Scanned)
	assert.Len(t, set.Rows, 50)
}

func TestSampleDrawsBeyondScanLimit(t *testing.T) {
	c := newSQLite(t, 50)
	q := Query{Table: "orders", Columns: []string{"id"}, OrderBy: []string{"id"}}

	set, err := c.Sample(context.Background(), q, 40, 3)
	require.NoError(t, err)
	assert.False(t, set.Truncated)
	assert.Equal(t, 101, set.Scanned)
	require.Len(t, set.Rows, 40)

	late := 0
	for _, row := range set.Rows {
		if id, _ := ToFloat(row["id"]); id > 50 {
			late++
		}
	}
	assert.Positive(t, late, "rows past the scan limit are drawn")
}

func TestSampleHonoursQueryLimit(t *testing.T) {
	c := newSQLite(t, 0)
	set, err := c.Sample(context.Background(), Query{Table: "orders", OrderBy: []string{"id"}, Limit: 5}, 0, 1)
	require.NoError(t, err)
	assert.True(t, set.Truncated)
	assert.Len(t, set.Rows, 5)
}

func TestRejectsUnsafeIdentifiers(t *testing.T) {
	c := newSQLite(t, 0)
	_, err := c.Count(context.Background(), Query{Table: "orders; DROP TABLE orders"})
	assert.Error(t, err)
	_, err = c.Count(context.Background(), Query{Table: "orders", Conditions: []Condition{{Kind: IsNull, Column: "email--"}}})
	assert.Error(t, err)
}

func TestDialectRendering(t *testing.T) {
	q := Query{
		Table:      "sales.orders",
		Filter:     "region = 'us'",
		Conditions: []Condition{{Kind: OutOfRange, Column: "amount", Min: 0, Max: 10}},
		Columns:    []string{"id"},
	}

	b := &builder{d: Postgres}
	stmt, err := b.scan(q, 5)
	require.NoError(t, err)
	assert.Equal(t, `SELECT t."id" FROM "sales"."orders" t WHERE (region = 'us') AND (t."amount" IS NOT NULL AND (t."amount" < $1 OR t."amount" > $2)) ORDER BY 1 LIMIT 5`, stmt)
	assert.Equal(t, []any{0.0, 10.0}, b.args)

	b = &builder{d: MSSQL}
	stmt, err = b.scan(q, 5)
	require.NoError(t, err)
	assert.Equal(t, `SELECT TOP (5) t.[id] FROM [sales].[orders] t WHERE (region = 'us') AND (t.[amount] IS NOT NULL AND (t.[amount] < @p1 OR t.[amount] > @p2)) ORDER BY 1`, stmt)

	b = &builder{d: MySQL}
	stmt, err = b.aggregate(Query{Table: "orders"}, Aggregate{Fn: AggDuplicateKeys, Columns: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COALESCE(SUM(d.cnt - 1), 0) FROM (SELECT COUNT(*) AS cnt FROM `orders` t WHERE t.`a` IS NOT NULL AND t.`b` IS NOT NULL GROUP BY t.`a`, t.`b` HAVING COUNT(*) > 1) d", stmt)
}
