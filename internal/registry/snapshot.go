package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
)

// SnapshotStore persists the last good tool set per provider so a cold start
// can serve tools while the upstream is unreachable.
type SnapshotStore interface {
	Save(ctx context.Context, set *CachedToolSet) error
	// Load returns nil, nil when no snapshot exists.
	Load(ctx context.Context, provider string) (*CachedToolSet, error)
}

type snapshotRow struct {
	Provider  string    `db:"provider"`
	FetchedAt time.Time `db:"fetched_at"`
	Tools     string    `db:"tools"`
}

// SQLSnapshotStore stores snapshots in the tool_snapshots table.
type SQLSnapshotStore struct {
	db     *sqlx.DB
	upsert string
	load   string
}

func NewSQLSnapshotStore(db *sqlx.DB) *SQLSnapshotStore {
	return &SQLSnapshotStore{
		db: db,
		upsert: db.Rebind(`INSERT INTO tool_snapshots (provider, fetched_at, tools) VALUES (?, ?, ?)
			ON CONFLICT (provider) DO UPDATE SET fetched_at = excluded.fetched_at, tools = excluded.tools`),
		load: db.Rebind(`SELECT provider, fetched_at, tools FROM tool_snapshots WHERE provider = ?`),
	}
}

func (s *SQLSnapshotStore) Save(ctx context.Context, set *CachedToolSet) error {
	raw, err := json.Marshal(set.Definitions())
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsert, set.Provider, set.FetchedAt.UTC(), string(raw)); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) Load(ctx context.Context, provider string) (*CachedToolSet, error) {
	var row snapshotRow
	if err := s.db.GetContext(ctx, &row, s.load, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Load: %w", err)
	}
	var tools []schema.ToolDefinition
	if err := json.Unmarshal([]byte(row.Tools), &tools); err != nil {
		return nil, fmt.Errorf("Load: tools: %w", err)
	}
	set := newToolSet(row.Provider, row.FetchedAt, tools)
	set.Source = SourceSnapshot
	return set, nil
}
