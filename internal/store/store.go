// Package store persists sessions, turns and turn latency.
package store

import "context"

// Repository is the persistence collaborator used by the session handler.
// Any error is a generic storage failure.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	CreateTurn(ctx context.Context, t *Turn) error
	UpdateTurn(ctx context.Context, t *Turn) error
	NextTurnNumber(ctx context.Context, sessionID string) (int, error)
	CreateLatencyMetrics(ctx context.Context, r *LatencyRecord) error
}
