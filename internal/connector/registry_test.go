package connector

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-rule-engine/internal/config"
)

func TestRegistryOpensAndCaches(t *testing.T) {
	reg := NewRegistry(map[string]config.SourceConfig{
		"local": {Type: "sqlite", DSN: ":memory:"},
	}, time.Minute, 100, slog.New(slog.DiscardHandler))
	defer reg.Close()

	first, err := reg.Get("local")
	require.NoError(t, err)
	second, err := reg.Get("local")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	reg := NewRegistry(map[string]config.SourceConfig{"odd": {Type: "oracle"}}, time.Minute, 0, slog.New(slog.DiscardHandler))
	_, err := reg.Get("odd")
	assert.Error(t, err)
}

func TestDSNFromParts(t *testing.T) {
	cfg := config.SourceConfig{Host: "db", User: "dq", Password: "p@ss", Database: "wh"}
	assert.Equal(t, "host=db port=5432 user=dq password=p@ss dbname=wh sslmode=disable", Postgres.DSN(cfg))
	assert.Equal(t, "dq:p@ss@tcp(db:3306)/wh?parseTime=true", MySQL.DSN(cfg))
	assert.Equal(t, "sqlserver://dq:p%40ss@db:1433?database=wh&encrypt=true", MSSQL.DSN(cfg))
	cfg.DSN = "explicit"
	assert.Equal(t, "explicit", SQLite.DSN(cfg))
}
