package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"ctr-feature-engine/internal/sequence"
	"ctr-feature-engine/internal/types"
)

// SQLiteSource reads the daily tables from a SQLite database. Map-valued
// columns are stored as JSON objects and behavior sequences as "item:ts,..."
// strings.
type SQLiteSource struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteSource(path string, logger *zap.Logger) (*SQLiteSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteSource{db: db, logger: logger}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("sqlite source initialized", zap.String("db_path", path))
	return s, nil
}

// Migrate creates the upstream tables if they do not exist.
func (s *SQLiteSource) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_features (
		ds TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		categorical TEXT NOT NULL DEFAULT '{}',
		counters TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (ds, kind, entity_id)
	);

	CREATE TABLE IF NOT EXISTS interactions (
		ds TEXT NOT NULL,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		item_key INTEGER NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL,
		event_time INTEGER NOT NULL,
		labels TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_ds ON interactions(ds);

	CREATE TABLE IF NOT EXISTS behaviors (
		ds TEXT NOT NULL,
		user_id TEXT NOT NULL,
		behavior_seq TEXT NOT NULL,
		PRIMARY KEY (ds, user_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func (s *SQLiteSource) EntityRecords(ctx context.Context, kind types.EntityKind, date types.Date) ([]types.RawEntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, categorical, counters
		FROM entity_features
		WHERE ds = ? AND kind = ?
		ORDER BY entity_id
	`, string(date), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query entity features: %w", err)
	}
	defer rows.Close()

	var out []types.RawEntityRecord
	for rows.Next() {
		var id, cat, cnt string
		if err := rows.Scan(&id, &cat, &cnt); err != nil {
			return nil, err
		}
		rec := types.RawEntityRecord{EntityID: id, Kind: kind, Date: date}
		if err := json.Unmarshal([]byte(cat), &rec.Categorical); err != nil {
			return nil, fmt.Errorf("entity %s: decode categorical: %w", id, err)
		}
		if err := json.Unmarshal([]byte(cnt), &rec.Counters); err != nil {
			return nil, fmt.Errorf("entity %s: decode counters: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Interactions returns the day's interactions in insertion order; Seq is the
// position in that order.
func (s *SQLiteSource) Interactions(ctx context.Context, date types.Date) ([]types.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, item_id, item_key, trace_id, event_time, labels
		FROM interactions
		WHERE ds = ?
		ORDER BY rowid
	`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []types.Interaction
	for rows.Next() {
		var it types.Interaction
		var labels string
		if err := rows.Scan(&it.UserID, &it.ItemID, &it.ItemKey, &it.TraceID, &it.EventTime, &labels); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &it.Labels); err != nil {
			return nil, fmt.Errorf("interaction %s/%s/%s: decode labels: %w", it.UserID, it.ItemID, it.TraceID, err)
		}
		it.Seq = len(out)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Behaviors parses each user's behavior string. Malformed rows are skipped and
// logged rather than failing the day.
func (s *SQLiteSource) Behaviors(ctx context.Context, date types.Date) (map[string][]types.BehaviorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, behavior_seq FROM behaviors WHERE ds = ?
	`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query behaviors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]types.BehaviorEvent)
	for rows.Next() {
		var user, encoded string
		if err := rows.Scan(&user, &encoded); err != nil {
			return nil, err
		}
		events, err := sequence.ParseBehaviors(user, encoded)
		if err != nil {
			s.logger.Warn("skipping malformed behavior sequence",
				zap.String("date", date.String()),
				zap.String("user_id", user),
				zap.Error(err))
			continue
		}
		out[user] = events
	}
	return out, rows.Err()
}

// PutEntityRecords upserts entity snapshots.
func (s *SQLiteSource) PutEntityRecords(ctx context.Context, recs []types.RawEntityRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range recs {
		cat, err := json.Marshal(orEmpty(r.Categorical))
		if err != nil {
			return err
		}
		cnt, err := json.Marshal(orEmpty(r.Counters))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entity_features (ds, kind, entity_id, categorical, counters)
			VALUES (?, ?, ?, ?, ?)
		`, string(r.Date), string(r.Kind), r.EntityID, string(cat), string(cnt))
		if err != nil {
			return fmt.Errorf("failed to save entity %s: %w", r.EntityID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSource) PutInteractions(ctx context.Context, date types.Date, its []types.Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, it := range its {
		labels, err := json.Marshal(orEmpty(it.Labels))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO interactions (ds, user_id, item_id, item_key, trace_id, event_time, labels)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(date), it.UserID, it.ItemID, it.ItemKey, it.TraceID, it.EventTime, string(labels))
		if err != nil {
			return fmt.Errorf("failed to save interaction: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSource) PutBehaviors(ctx context.Context, date types.Date, userID string, events []types.BehaviorEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO behaviors (ds, user_id, behavior_seq) VALUES (?, ?, ?)
	`, string(date), userID, sequence.FormatBehaviors(events))
	return err
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
