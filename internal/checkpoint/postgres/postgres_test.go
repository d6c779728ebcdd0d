package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/evolset/internal/record"
)

func TestWriter_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	w, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	assert.False(t, strings.Contains(w.Name(), "testpass"), "credentials must not leak into the writer name")

	first := record.NewDocument([]record.Record{
		{Instruction: "a", Epoch: 0}, {Instruction: "b", Epoch: 1}, {Instruction: "c", Epoch: 2},
	})
	second := record.NewDocument([]record.Record{{Instruction: "z", Response: "r", Epoch: 9}})
	require.NoError(t, w.Write(ctx, first))
	require.NoError(t, w.Write(ctx, second))

	got, err := w.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "db:5432/evol", redacted("postgres://u:secret@db:5432/evol?sslmode=disable"))
	assert.Equal(t, "postgres", redacted("host=db user=u"))
}
