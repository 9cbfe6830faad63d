package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
)

// AppendBatch stores one serialized message batch for a session. The
// payload is opaque to the store.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, batch []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_batches (id, session_id, batch)
		VALUES (gen_random_uuid(), $1, $2)`,
		sessionID, batch,
	)
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// ReadAll returns every message of a session in insertion order,
// flattening the stored batches. A batch that no longer decodes is
// skipped and logged rather than failing the whole read.
func (s *Store) ReadAll(ctx context.Context, sessionID string) ([]message.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT batch
		FROM chat_batches
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read batches: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var batch []byte
		if err := rows.Scan(&batch); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		decoded, err := message.DecodeBatch(batch)
		if err != nil {
			s.logger.Warn("skipping undecodable batch", zap.String("session", sessionID), zap.Error(err))
			continue
		}
		msgs = append(msgs, decoded...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return msgs, nil
}
