package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// SQLiteHistoryRepository keeps all session logs in one table ordered by an
// autoincrement id.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository migrates the schema and returns the repository.
// The caller owns db.
func NewSQLiteHistoryRepository(db *sql.DB) (*SQLiteHistoryRepository, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if err := migrateHistorySchema(db); err != nil {
		return nil, errx.WrapSQLite(err)
	}
	return &SQLiteHistoryRepository{db: db}, nil
}

func (r *SQLiteHistoryRepository) Append(ctx context.Context, sessionID string, records ...model.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapSQLite(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO history_records(session_id, role, content_json, tool_name, tool_use_id, is_error, metadata_json, created_at_unix_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return errx.WrapSQLite(err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		rec.SessionID = sessionID
		content, err := json.Marshal(rec.Content)
		if err != nil {
			return fmt.Errorf("marshal history content: %w", err)
		}
		var meta []byte
		if len(rec.Metadata) > 0 {
			if meta, err = json.Marshal(rec.Metadata); err != nil {
				return fmt.Errorf("marshal history metadata: %w", err)
			}
		}
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, sessionID, string(rec.Role), string(content), rec.ToolName, rec.ToolUseID, rec.IsError, nullable(meta), ts.UnixNano()); err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to insert history record")
			return errx.WrapSQLite(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errx.WrapSQLite(err)
	}
	return nil
}

func (r *SQLiteHistoryRepository) Load(ctx context.Context, sessionID string) (*model.ConversationHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT role, content_json, tool_name, tool_use_id, is_error, metadata_json, created_at_unix_ns
FROM history_records
WHERE session_id = ?
ORDER BY id ASC
`, sessionID)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to load history from sqlite")
		return nil, errx.WrapSQLite(err)
	}
	defer rows.Close()

	records := []model.HistoryRecord{}
	for rows.Next() {
		var (
			role, content, toolName, toolUseID string
			isError                            bool
			meta                               sql.NullString
			ts                                 int64
		)
		if err := rows.Scan(&role, &content, &toolName, &toolUseID, &isError, &meta, &ts); err != nil {
			return nil, errx.WrapSQLite(err)
		}
		rec := model.HistoryRecord{
			SessionID: sessionID,
			Role:      model.Role(role),
			ToolName:  toolName,
			ToolUseID: toolUseID,
			IsError:   isError,
			Timestamp: time.Unix(0, ts).UTC(),
		}
		if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
			return nil, fmt.Errorf("unmarshal history content at index %d: %w", len(records), err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata at index %d: %w", len(records), err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapSQLite(err)
	}
	return &model.ConversationHistory{SessionID: sessionID, Records: records}, nil
}

func (r *SQLiteHistoryRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM history_records WHERE session_id = ?`, sessionID); err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to delete history from sqlite")
		return errx.WrapSQLite(err)
	}
	return nil
}

func (r *SQLiteHistoryRepository) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_records WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, errx.WrapSQLite(err)
	}
	return n, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func migrateHistorySchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS history_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content_json TEXT NOT NULL,
  tool_name TEXT NOT NULL DEFAULT '',
  tool_use_id TEXT NOT NULL DEFAULT '',
  is_error INTEGER NOT NULL DEFAULT 0,
  metadata_json TEXT,
  created_at_unix_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_records_session ON history_records(session_id, id);
`); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

var _ model.HistoryRepository = (*SQLiteHistoryRepository)(nil)
