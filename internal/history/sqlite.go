package history

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore keeps history in the history table created by db.InitSchema,
// so it survives restarts.
type SQLiteStore struct {
	DB        *sql.DB
	Retention Retention
}

// Get returns the stored turns for the conversation, ordered chronologically
// (oldest first).
func (s *SQLiteStore) Get(ctx context.Context, conversationID int64) ([]Turn, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT role, text FROM history WHERE chat_id = ? ORDER BY id ASC",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history chat_id=%d: %w", conversationID, err)
	}
	defer rows.Close()

	results := []Turn{}
	for rows.Next() {
		var role, text string
		if err := rows.Scan(&role, &text); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		mapped := RoleUser
		if role == string(RoleAssistant) {
			mapped = RoleAssistant
		}
		results = append(results, Turn{Role: mapped, Content: text})
	}
	return results, rows.Err()
}

// Append inserts both turns and trims older rows in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, conversationID int64, user, assistant Turn, limit int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range []Turn{user, assistant} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (chat_id, role, text) VALUES (?, ?, ?)",
			conversationID, string(t.Role), t.Content,
		); err != nil {
			return fmt.Errorf("insert history chat_id=%d: %w", conversationID, err)
		}
	}

	switch {
	case limit > 0:
		_, err = tx.ExecContext(ctx,
			`DELETE FROM history WHERE chat_id = ? AND id NOT IN (
				SELECT id FROM history WHERE chat_id = ? ORDER BY id DESC LIMIT ?
			)`,
			conversationID, conversationID, limit,
		)
	case s.Retention == RetainNone:
		_, err = tx.ExecContext(ctx, "DELETE FROM history WHERE chat_id = ?", conversationID)
	}
	if err != nil {
		return fmt.Errorf("trim history chat_id=%d: %w", conversationID, err)
	}
	return tx.Commit()
}

var _ Store = (*SQLiteStore)(nil)
