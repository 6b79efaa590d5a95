package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists evaluation results in PostgreSQL for the audit
// trail. Schema is managed by cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed evaluation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, result *Result) error {
	metadataJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_evaluations
			(id, user_id, risk_score, is_allowed, requires_verification, triggers, metadata, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		result.ID,
		result.UserID,
		result.RiskScore,
		result.Allowed,
		result.RequiresVerification,
		pq.Array(triggerStrings(result.Triggers)),
		metadataJSON,
		result.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, before time.Time, beforeID string, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, risk_score, is_allowed, requires_verification, triggers, metadata, evaluated_at
		FROM fraud_evaluations
		WHERE user_id = $1
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2`
	args := []any{userID, limit}
	if !before.IsZero() {
		query = `
		SELECT id, user_id, risk_score, is_allowed, requires_verification, triggers, metadata, evaluated_at
		FROM fraud_evaluations
		WHERE user_id = $1 AND (evaluated_at, id) < ($3, $4)
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2`
		args = append(args, before, beforeID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Result
	for rows.Next() {
		var (
			r            Result
			triggers     pq.StringArray
			metadataJSON []byte
		)
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.RiskScore, &r.Allowed,
			&r.RequiresVerification, &triggers, &metadataJSON, &r.EvaluatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		for _, t := range triggers {
			r.Triggers = append(r.Triggers, Trigger(t))
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return results, nil
}
