package connector

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"dq-rule-engine/internal/config"
)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name        string
	Driver      string
	quote       func(string) string
	placeholder func(n int) string
	topN        bool
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	MySQL = Dialect{
		Name:        "mysql",
		Driver:      "mysql",
		quote:       func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
	}
	MSSQL = Dialect{
		Name:        "mssql",
		Driver:      "sqlserver",
		quote:       func(s string) string { return "[" + s + "]" },
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		topN:        true,
	}
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite3",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(int) string { return "?" },
	}
)

// DialectFor maps a source type to its dialect.
func DialectFor(sourceType string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "mssql", "sqlserver":
		return MSSQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported source type %q", sourceType)
	}
}

// DSN builds the driver connection string for cfg. An explicit DSN wins.
func (d Dialect) DSN(cfg config.SourceConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch d.Name {
	case "postgres":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return dsn
	case "mssql":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, cfg.Database, encrypt)
	default:
		return cfg.Database
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

// QuoteTable quotes a plain or schema-qualified table name.
func (d Dialect) QuoteTable(ident string) (string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", err
	}
	if len(parts) > 3 {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = d.quote(p)
	}
	return strings.Join(quoted, "."), nil
}

// QuoteColumn quotes a single column name.
func (d Dialect) QuoteColumn(name string) (string, error) {
	parts, err := splitIdentifier(name)
	if err != nil {
		return "", err
	}
	if len(parts) != 1 {
		return "", fmt.Errorf("invalid column name %q", name)
	}
	return d.quote(name), nil
}

func (d Dialect) quoteColumns(alias string, names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := d.QuoteColumn(n)
		if err != nil {
			return nil, err
		}
		if alias != "" {
			q = alias + "." + q
		}
		out[i] = q
	}
	return out, nil
}

// builder accumulates bound arguments while rendering a statement.
type builder struct {
	d    Dialect
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *builder) condition(c Condition) (string, error) {
	col, err := b.d.QuoteColumn(c.Column)
	if err != nil {
		return "", err
	}
	col = "t." + col
	switch c.Kind {
	case IsNull:
		return col + " IS NULL", nil
	case NotNull:
		return col + " IS NOT NULL", nil
	case OutOfRange:
		return fmt.Sprintf("(%s IS NOT NULL AND (%s < %s OR %s > %s))", col, col, b.bind(c.Min), col, b.bind(c.Max)), nil
	case Orphan:
		ref, err := b.d.QuoteTable(c.RefTable)
		if err != nil {
			return "", err
		}
		refCol, err := b.d.QuoteColumn(c.RefColumn)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s r WHERE r.%s = %s))", col, ref, refCol, col), nil
	default:
		return "", fmt.Errorf("unknown condition kind %d", c.Kind)
	}
}

// from renders "FROM <table> t [WHERE ...]".
func (b *builder) from(q Query) (string, error) {
	table, err := b.d.QuoteTable(q.Table)
	if err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	var preds []string
	if f := strings.TrimSpace(q.Filter); f != "" {
		preds = append(preds, "("+f+")")
	}
	for _, c := range q.Conditions {
		p, err := b.condition(c)
		if err != nil {
			return "", err
		}
		preds = append(preds, p)
	}
	clause := "FROM " + table + " t"
	if len(preds) > 0 {
		clause += " WHERE " + strings.Join(preds, " AND ")
	}
	return clause, nil
}

func (b *builder) count(q Query) (string, error) {
	from, err := b.from(q)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) " + from, nil
}

func (b *builder) scan(q Query, limit int) (string, error) {
	cols := "t.*"
	if len(q.Columns) > 0 {
		quoted, err := b.d.quoteColumns("t", q.Columns)
		if err != nil {
			return "", err
		}
		cols = strings.Join(quoted, ", ")
	}
	from, err := b.from(q)
	if err != nil {
		return "", err
	}
	order := "1"
	if len(q.OrderBy) > 0 {
		quoted, err := b.d.quoteColumns("t", q.OrderBy)
		if err != nil {
			return "", err
		}
		order = strings.Join(quoted, ", ")
	}
	switch {
	case limit <= 0:
		return fmt.Sprintf("SELECT %s %s ORDER BY %s", cols, from, order), nil
	case b.d.topN:
		return fmt.Sprintf("SELECT TOP (%d) %s %s ORDER BY %s", limit, cols, from, order), nil
	}
	return fmt.Sprintf("SELECT %s %s ORDER BY %s LIMIT %d", cols, from, order, limit), nil
}

func (b *builder) aggregate(q Query, agg Aggregate) (string, error) {
	switch agg.Fn {
	case AggCount:
		return b.count(q)
	case AggMax, AggMin:
		if len(agg.Columns) != 1 {
			return "", fmt.Errorf("%s takes exactly one column", agg.Fn)
		}
		cols, err := b.d.quoteColumns("t", agg.Columns)
		if err != nil {
			return "", err
		}
		from, err := b.from(q)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT %s(%s) %s", strings.ToUpper(string(agg.Fn)), cols[0], from), nil
	case AggDuplicateKeys:
		if len(agg.Columns) == 0 {
			return "", errors.New("duplicate_keys needs at least one column")
		}
		keyed := q
		for _, c := range agg.Columns {
			keyed = keyed.With(Condition{Kind: NotNull, Column: c})
		}
		cols, err := b.d.quoteColumns("t", agg.Columns)
		if err != nil {
			return "", err
		}
		from, err := b.from(keyed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT COALESCE(SUM(d.cnt - 1), 0) FROM (SELECT COUNT(*) AS cnt %s GROUP BY %s HAVING COUNT(*) > 1) d",
			from, strings.Join(cols, ", ")), nil
	default:
		return "", fmt.Errorf("unknown aggregate %q", agg.Fn)
	}
}
