package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type AuditStore struct {
	db DB
}

type AuditEntry struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

type auditRow struct {
	ID          string         `db:"id"`
	ActorUserID sql.NullString `db:"actor_user_id"`
	Action      string         `db:"action"`
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	Data        []byte         `db:"data"`
	CreatedAt   time.Time      `db:"created_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log records an action. An empty actorID stands for the system itself, such
// as the payment worker.
func (s *AuditStore) Log(ctx context.Context, tx Execer, actorID, action, entityType, entityID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_user_id, action, entity_type, entity_id, data)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, nullString(actorID), action, entityType, entityID, string(payload))
	return err
}

func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor_user_id, action, entity_type, entity_id, data, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		data := json.RawMessage(row.Data)
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		entries = append(entries, AuditEntry{
			ID:         row.ID,
			ActorID:    row.ActorUserID.String,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Data:       data,
			CreatedAt:  row.CreatedAt,
		})
	}
	return entries, nil
}
