package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ringlink/internal/session"
	"ringlink/internal/signal"
	"ringlink/pkg/utils"
)

// PostgresRepo persists the call log via database/sql (pgx stdlib driver).
//
// Schema:
//
//	CREATE TABLE call_log (
//	    id               UUID PRIMARY KEY,
//	    peer_id          TEXT NOT NULL,
//	    direction        TEXT NOT NULL,
//	    kind             TEXT NOT NULL,
//	    outcome          TEXT NOT NULL,
//	    duration_seconds INT  NOT NULL DEFAULT 0,
//	    ended_at         TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX call_log_peer_ended_idx ON call_log (peer_id, ended_at);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("calllog: db is nil")
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("calllog: entry id required")
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_log (id, peer_id, direction, kind, outcome, duration_seconds, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.PeerID, string(e.Direction), string(e.Kind), string(e.Outcome), e.DurationSeconds, e.EndedAt)
		if err != nil {
			return fmt.Errorf("calllog: append: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepo) ListByPeer(ctx context.Context, peerID string, from, to time.Time) ([]Entry, error) {
	if peerID == "" {
		return nil, errors.New("calllog: peer_id required")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, peer_id, direction, kind, outcome, duration_seconds, ended_at
		FROM call_log
		WHERE peer_id = $1 AND ended_at >= $2 AND ended_at < $3
		ORDER BY ended_at DESC
	`, peerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("calllog: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var direction, kind, outcome string
		if err := rows.Scan(&e.ID, &e.PeerID, &direction, &kind, &outcome, &e.DurationSeconds, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("calllog: scan: %w", err)
		}
		e.Direction = session.Direction(direction)
		e.Kind = signal.Kind(kind)
		e.Outcome = session.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}
