package postgres

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/realcast/chatcore/internal/domain"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to terminate postgres container: %v\n", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	testPool, err = Connect(ctx, connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to test database: %v\n", err)
		os.Exit(1)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func setupMessageLog(t *testing.T) *MessageLog {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_, err := testPool.Exec(context.Background(), "TRUNCATE messages")
	require.NoError(t, err)
	return NewMessageLog(testPool)
}

func appendTestMessage(t *testing.T, log *MessageLog, roomID, body string, sentAt time.Time) domain.Message {
	t.Helper()
	msg := domain.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		UserID:      "u1",
		DisplayName: "Alice",
		Body:        body,
		SentAt:      sentAt,
	}
	require.NoError(t, log.Append(context.Background(), msg))
	return msg
}

func TestMessageLog_AppendAndRange(t *testing.T) {
	log := setupMessageLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	appendTestMessage(t, log, "r1", "one", base)
	appendTestMessage(t, log, "r1", "two", base.Add(time.Second))
	appendTestMessage(t, log, "r2", "other room", base)

	msgs, err := log.Range(ctx, "r1", base.Add(time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Body)
	assert.Equal(t, "two", msgs[1].Body)
}

func TestMessageLog_RangeHonorsCursorAndLimit(t *testing.T) {
	log := setupMessageLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 10; i++ {
		appendTestMessage(t, log, "r1", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}

	// Limit keeps the most recent window, still oldest-first.
	msgs, err := log.Range(ctx, "r1", base.Add(time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m7", msgs[0].Body)
	assert.Equal(t, "m9", msgs[2].Body)

	// Cursor is exclusive.
	msgs, err = log.Range(ctx, "r1", base.Add(2*time.Second), 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", msgs[0].Body)
	assert.Equal(t, "m1", msgs[1].Body)
}

func TestMessageLog_MarkDeletedHidesFromRange(t *testing.T) {
	log := setupMessageLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	kept := appendTestMessage(t, log, "r1", "kept", base)
	removed := appendTestMessage(t, log, "r1", "removed", base.Add(time.Second))

	require.NoError(t, log.MarkDeleted(ctx, "r1", removed.ID))

	msgs, err := log.Range(ctx, "r1", base.Add(time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, kept.ID, msgs[0].ID)
}

func TestMessageLog_MarkDeletedUnknownMessage(t *testing.T) {
	log := setupMessageLog(t)
	err := log.MarkDeleted(context.Background(), "r1", uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}
