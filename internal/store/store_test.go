package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-session-gateway/internal/latency"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id string) *Session {
	return &Session{
		ID:           id,
		UserID:       "u1",
		Mode:         "realtime",
		Config:       map[string]any{"provider": "openai", "voice": "alloy"},
		SystemPrompt: "be brief",
		UserRole:     "Customer",
		AIRole:       "Agent",
		Status:       StatusActive,
		StartedAt:    time.Now(),
	}
}

func TestDriverFor(t *testing.T) {
	d, src := driverFor("postgres://u:p@localhost/db")
	assert.Equal(t, "pgx", d)
	assert.Equal(t, "postgres://u:p@localhost/db", src)

	d, _ = driverFor("postgresql://localhost/db")
	assert.Equal(t, "pgx", d)

	d, src = driverFor("sqlite:///tmp/voice.db")
	assert.Equal(t, "sqlite", d)
	assert.Equal(t, "/tmp/voice.db", src)

	d, src = driverFor("voice.db")
	assert.Equal(t, "sqlite", d)
	assert.Equal(t, "voice.db", src)
}

func TestSQLStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	sess := newSession("s1")
	require.NoError(t, s.CreateSession(ctx, sess))

	n, err := s.NextTurnNumber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turn := &Turn{ID: "t1", SessionID: "s1", Number: n, StartedAt: time.Now()}
	require.NoError(t, s.CreateTurn(ctx, turn))

	n, err = s.NextTurnNumber(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ended := time.Now()
	turn.Transcript = "hello"
	turn.Response = "hi there"
	turn.Interrupted = true
	turn.EndedAt = &ended
	require.NoError(t, s.UpdateTurn(ctx, turn))

	sess.Status = StatusEnded
	sess.EndedAt = &ended
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, turns, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "openai", got.Config["provider"])
	assert.Equal(t, "Agent", got.AIRole)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Transcript)
	assert.Equal(t, "hi there", turns[0].Response)
	assert.True(t, turns[0].Interrupted)
	assert.NotNil(t, turns[0].EndedAt)
}

func TestSQLStoreDuplicateTurnNumberRejected(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.CreateSession(ctx, newSession("s1")))
	require.NoError(t, s.CreateTurn(ctx, &Turn{ID: "t1", SessionID: "s1", Number: 1, StartedAt: time.Now()}))
	assert.Error(t, s.CreateTurn(ctx, &Turn{ID: "t2", SessionID: "s1", Number: 1, StartedAt: time.Now()}))
}

func TestSQLStoreLatencyMetrics(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.CreateSession(ctx, newSession("s1")))
	require.NoError(t, s.CreateTurn(ctx, &Turn{ID: "t1", SessionID: "s1", Number: 1, StartedAt: time.Now()}))
	require.NoError(t, s.CreateTurn(ctx, &Turn{ID: "t2", SessionID: "s1", Number: 2, StartedAt: time.Now()}))

	interrupt := int64(40)
	require.NoError(t, s.CreateLatencyMetrics(ctx, &LatencyRecord{
		TurnID:    "t1",
		SessionID: "s1",
		Metrics:   latency.Metrics{Mode: "cascade", TotalMs: 900, STTMs: 200, LLMFirstTokenMs: 300, TTSFirstByteMs: 400, InterruptMs: &interrupt},
		CreatedAt: time.Now(),
	}))
	require.NoError(t, s.CreateLatencyMetrics(ctx, &LatencyRecord{
		TurnID:    "t2",
		SessionID: "s1",
		Metrics:   latency.Metrics{Mode: "realtime", TotalMs: 350},
		CreatedAt: time.Now(),
	}))

	r, err := s.GetLatency(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), r.Metrics.TotalMs)
	assert.Equal(t, int64(300), r.Metrics.LLMFirstTokenMs)
	require.NotNil(t, r.Metrics.InterruptMs)
	assert.Equal(t, int64(40), *r.Metrics.InterruptMs)

	r, err = s.GetLatency(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "realtime", r.Metrics.Mode)
	assert.Nil(t, r.Metrics.InterruptMs)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, migrate(ctx, s.db))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	var repo Repository = NewMemoryStore()
	m := repo.(*MemoryStore)

	require.NoError(t, repo.CreateSession(ctx, newSession("s1")))
	assert.Error(t, repo.CreateSession(ctx, newSession("s1")))

	for i := 1; i <= 3; i++ {
		n, err := repo.NextTurnNumber(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
		require.NoError(t, repo.CreateTurn(ctx, &Turn{ID: "t" + string(rune('0'+i)), SessionID: "s1", Number: n}))
	}

	turns := m.Turns("s1")
	require.Len(t, turns, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{turns[0].Number, turns[1].Number, turns[2].Number})

	assert.Error(t, repo.UpdateTurn(ctx, &Turn{ID: "missing"}))
	assert.Error(t, repo.UpdateSession(ctx, &Session{ID: "missing"}))

	require.NoError(t, repo.CreateLatencyMetrics(ctx, &LatencyRecord{TurnID: "t1", Metrics: latency.Metrics{TotalMs: 12}}))
	r, ok := m.Latency("t1")
	require.True(t, ok)
	assert.Equal(t, int64(12), r.Metrics.TotalMs)
}
