// Package ledger records the lifecycle of every mutating operation issued through
// a proxied tool, keyed by the idempotency token handed to the caller.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
)

// State is the lifecycle position of a record. It only moves forward:
// pending → upstream_called → completed | failed, plus failed → upstream_called
// when a caller resubmits the token.
type State string

const (
	StatePending        State = "pending"
	StateUpstreamCalled State = "upstream_called"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Terminal reports whether no further upstream effect is expected.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ErrNotFound is returned by Lookup for unknown tokens.
var ErrNotFound = errors.New("ledger: record not found")

// ErrResubmissionRaced is returned by Reattempt when a concurrent resubmission
// of the same token already moved the record on.
var ErrResubmissionRaced = errors.New("ledger: record already resubmitted")

// Record is one logical mutating operation.
type Record struct {
	Token          string            `json:"token"`
	ToolName       string            `json:"tool_name"`
	CallerIdentity string            `json:"caller_identity"`
	State          State             `json:"state"`
	Attempts       int               `json:"attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ReferenceIDs   map[string]string `json:"upstream_reference_ids,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
}

// Ledger is the idempotency record store used by the dispatcher.
type Ledger interface {
	Begin(ctx context.Context, toolName, caller string) (string, error)
	MarkCalled(ctx context.Context, token, correlationID string) error
	Reattempt(ctx context.Context, token, correlationID string) error
	Complete(ctx context.Context, token string, refs map[string]string, result json.RawMessage) (map[string]string, error)
	Fail(ctx context.Context, token, cause string) error
	Lookup(ctx context.Context, token string) (*Record, error)
	ListByCaller(ctx context.Context, caller string, limit int) ([]Record, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

type recordRow struct {
	Token          string         `db:"token"`
	ToolName       string         `db:"tool_name"`
	CallerIdentity string         `db:"caller_identity"`
	State          string         `db:"state"`
	Attempts       int            `db:"attempts"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ReferenceIDs   sql.NullString `db:"upstream_reference_ids"`
	LastError      sql.NullString `db:"last_error"`
	CorrelationID  sql.NullString `db:"correlation_id"`
	Result         sql.NullString `db:"result"`
}

func (r recordRow) toRecord() (*Record, error) {
	rec := &Record{
		Token:          r.Token,
		ToolName:       r.ToolName,
		CallerIdentity: r.CallerIdentity,
		State:          State(r.State),
		Attempts:       r.Attempts,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastError:      r.LastError.String,
		CorrelationID:  r.CorrelationID.String,
	}
	if r.ReferenceIDs.Valid && r.ReferenceIDs.String != "" {
		if err := json.Unmarshal([]byte(r.ReferenceIDs.String), &rec.ReferenceIDs); err != nil {
			return nil, fmt.Errorf("toRecord: upstream_reference_ids: %w", err)
		}
	}
	if r.Result.Valid && r.Result.String != "" {
		rec.Result = json.RawMessage(r.Result.String)
	}
	return rec, nil
}

const selectColumns = `token, tool_name, caller_identity, state, attempts, created_at, updated_at,
	upstream_reference_ids, last_error, correlation_id, result`

type queries struct {
	insert, markCalled, reattempt, complete, fail, lookup, listByCaller, purge string
}

// SQLLedger implements Ledger on Postgres or SQLite. Every transition is a single
// conditional UPDATE on the current state, so concurrent writers cannot both win.
type SQLLedger struct {
	db       *sqlx.DB
	q        queries
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newToken func() string
}

// NewSQLLedger creates a ledger on db. The schema must already be migrated.
func NewSQLLedger(db *sqlx.DB, logger *zap.Logger, m *metrics.Metrics) *SQLLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLedger{
		db: db,
		q: queries{
			insert: db.Rebind(`INSERT INTO idempotency_records
				(token, tool_name, caller_identity, state, attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, 0, ?, ?)`),
			markCalled: db.Rebind(`UPDATE idempotency_records
				SET state = ?, attempts = attempts + 1, correlation_id = ?, updated_at = ?
				WHERE token = ? AND state = ?`),
			reattempt: db.Rebind(`UPDATE idempotency_records
				SET state = ?, attempts = attempts + 1, correlation_id = ?, updated_at = ?
				WHERE token = ? AND state = ?`),
			complete: db.Rebind(`UPDATE idempotency_records
				SET state = ?, upstream_reference_ids = ?, result = ?, last_error = NULL, updated_at = ?
				WHERE token = ? AND state = ?`),
			fail: db.Rebind(`UPDATE idempotency_records
				SET state = ?, last_error = ?, updated_at = ?
				WHERE token = ? AND state IN (?, ?)`),
			lookup: db.Rebind(`SELECT ` + selectColumns + ` FROM idempotency_records WHERE token = ?`),
			listByCaller: db.Rebind(`SELECT ` + selectColumns + ` FROM idempotency_records
				WHERE caller_identity = ? ORDER BY created_at DESC LIMIT ?`),
			purge: db.Rebind(`DELETE FROM idempotency_records
				WHERE created_at < ? AND state IN (?, ?)`),
		},
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: uuid.NewString,
	}
}

// Begin creates a pending record and returns its token.
func (l *SQLLedger) Begin(ctx context.Context, toolName, caller string) (string, error) {
	token := l.newToken()
	now := l.now()
	if _, err := l.db.ExecContext(ctx, l.q.insert, token, toolName, caller, StatePending, now, now); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "begin %s", toolName)
	}
	l.metrics.ObserveLedgerTransition(string(StatePending))
	return token, nil
}

// MarkCalled records that the upstream is about to be called. Valid only from pending.
func (l *SQLLedger) MarkCalled(ctx context.Context, token, correlationID string) error {
	res, err := l.db.ExecContext(ctx, l.q.markCalled,
		StateUpstreamCalled, correlationID, l.now(), token, StatePending)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "mark called %s", token)
	}
	if err := l.expectOne(ctx, res, token, StatePending, StateUpstreamCalled); err != nil {
		return err
	}
	l.metrics.ObserveLedgerTransition(string(StateUpstreamCalled))
	return nil
}

// Reattempt moves a failed record back to upstream_called for a resubmission.
// Only one of several concurrent resubmissions succeeds.
func (l *SQLLedger) Reattempt(ctx context.Context, token, correlationID string) error {
	res, err := l.db.ExecContext(ctx, l.q.reattempt,
		StateUpstreamCalled, correlationID, l.now(), token, StateFailed)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "reattempt %s", token)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "reattempt %s", token)
	}
	if n == 0 {
		rec, lookupErr := l.Lookup(ctx, token)
		if lookupErr != nil {
			return l.inconsistent(token, StateFailed, StateUpstreamCalled, lookupErr)
		}
		if rec.State == StateUpstreamCalled || rec.State == StateCompleted {
			return fmt.Errorf("reattempt %s: %w", token, ErrResubmissionRaced)
		}
		return l.inconsistent(token, rec.State, StateUpstreamCalled, nil)
	}
	l.metrics.ObserveLedgerTransition(string(StateUpstreamCalled))
	return nil
}

// Complete stores the upstream result and reference IDs. Completing an already
// completed record is a no-op that returns the stored reference IDs.
func (l *SQLLedger) Complete(ctx context.Context, token string, refs map[string]string, result json.RawMessage) (map[string]string, error) {
	var refsCol, resultCol sql.NullString
	if len(refs) > 0 {
		raw, err := json.Marshal(refs)
		if err != nil {
			return nil, fmt.Errorf("Complete: %w", err)
		}
		refsCol = sql.NullString{String: string(raw), Valid: true}
	}
	if len(result) > 0 {
		resultCol = sql.NullString{String: string(result), Valid: true}
	}

	res, err := l.db.ExecContext(ctx, l.q.complete,
		StateCompleted, refsCol, resultCol, l.now(), token, StateUpstreamCalled)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "complete %s", token)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "complete %s", token)
	}
	if n == 1 {
		l.metrics.ObserveLedgerTransition(string(StateCompleted))
		return refs, nil
	}

	rec, err := l.Lookup(ctx, token)
	if err != nil {
		return nil, l.inconsistent(token, "", StateCompleted, err)
	}
	if rec.State == StateCompleted {
		return rec.ReferenceIDs, nil
	}
	return nil, l.inconsistent(token, rec.State, StateCompleted, nil)
}

// Fail records a terminal failure. Valid from pending or upstream_called.
func (l *SQLLedger) Fail(ctx context.Context, token, cause string) error {
	res, err := l.db.ExecContext(ctx, l.q.fail,
		StateFailed, cause, l.now(), token, StatePending, StateUpstreamCalled)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "fail %s", token)
	}
	if err := l.expectOne(ctx, res, token, "", StateFailed); err != nil {
		return err
	}
	l.metrics.ObserveLedgerTransition(string(StateFailed))
	return nil
}

// Lookup returns the record for token, or ErrNotFound.
func (l *SQLLedger) Lookup(ctx context.Context, token string) (*Record, error) {
	var row recordRow
	if err := l.db.GetContext(ctx, &row, l.q.lookup, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	return row.toRecord()
}

// ListByCaller returns the caller's most recent records, newest first.
func (l *SQLLedger) ListByCaller(ctx context.Context, caller string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []recordRow
	if err := l.db.SelectContext(ctx, &rows, l.q.listByCaller, caller, limit); err != nil {
		return nil, fmt.Errorf("ListByCaller: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, fmt.Errorf("ListByCaller: %w", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Purge deletes terminal records created before olderThan. In-flight records are kept.
func (l *SQLLedger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.q.purge, olderThan.UTC(), StateCompleted, StateFailed)
	if err != nil {
		return 0, fmt.Errorf("Purge: %w", err)
	}
	return res.RowsAffected()
}

// expectOne turns a zero-row conditional update into a LedgerInconsistency.
func (l *SQLLedger) expectOne(ctx context.Context, res sql.Result, token string, from, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, err, "%s → %s", token, to)
	}
	if n == 1 {
		return nil
	}
	rec, lookupErr := l.Lookup(ctx, token)
	if lookupErr != nil {
		return l.inconsistent(token, from, to, lookupErr)
	}
	return l.inconsistent(token, rec.State, to, nil)
}

func (l *SQLLedger) inconsistent(token string, current, to State, cause error) error {
	l.logger.Error("ledger inconsistency",
		zap.String("token", token),
		zap.String("current_state", string(current)),
		zap.String("target_state", string(to)),
		zap.Error(cause),
	)
	e := gatewayerr.Wrap(gatewayerr.KindLedgerInconsistency, cause,
		"record %s cannot move from %q to %q", token, current, to)
	e.Token = token
	return e
}
