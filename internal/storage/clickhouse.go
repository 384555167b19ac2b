package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	flushTimeout  = 5 * time.Second
)

const createTable = `
CREATE TABLE IF NOT EXISTS tool_call_events (
	correlation_id String,
	timestamp DateTime64(3),
	role LowCardinality(String),
	caller_id String,
	tenant_id String,
	tool_name LowCardinality(String),
	route LowCardinality(String),
	provider LowCardinality(String),
	upstream_tool String,
	token String,
	state LowCardinality(String),
	outcome LowCardinality(String),
	error_kind LowCardinality(String),
	attempts Int32,
	cached UInt8,
	argument_names Array(String),
	reference_ids Map(String, String),
	latency_ms Float32
) ENGINE = MergeTree
ORDER BY (tool_name, timestamp)`

const insertEvents = `
INSERT INTO tool_call_events (
	correlation_id, timestamp, role, caller_id, tenant_id,
	tool_name, route, provider, upstream_tool, token,
	state, outcome, error_kind, attempts, cached,
	argument_names, reference_ids, latency_ms
)`

// insertFunc writes one batch. Replaced in tests.
type insertFunc func(ctx context.Context, events []*ToolCallEvent) error

// ClickHouseWriter writes tool call events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	insert  insertFunc
	buffer  chan *ToolCallEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, creates the events table if needed and starts
// the background flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := newClickHouseWriter(nil, logger)
	w.conn = conn
	w.insert = w.sendBatch
	go w.flushLoop()
	return w, nil
}

func newClickHouseWriter(insert insertFunc, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		insert:  insert,
		buffer:  make(chan *ToolCallEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues a tool call event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *ToolCallEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("tool_name", event.ToolName),
		)
	}
}

// Close signals the flush loop to drain remaining events and waits for it.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Warn("clickhouse close failed", zap.Error(err))
		}
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ToolCallEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ToolCallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) sendBatch(ctx context.Context, events []*ToolCallEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		var cached uint8
		if e.Cached {
			cached = 1
		}
		refs := e.ReferenceIDs
		if refs == nil {
			refs = map[string]string{}
		}
		if err := batch.Append(
			e.CorrelationID,
			e.Timestamp,
			e.Role,
			e.CallerID,
			e.TenantID,
			e.ToolName,
			e.Route,
			e.Provider,
			e.UpstreamTool,
			e.Token,
			e.State,
			e.Outcome,
			e.ErrorKind,
			e.Attempts,
			cached,
			e.ArgumentNames,
			refs,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("correlation_id", e.CorrelationID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ToolCallEvent) {
	w.logger.Info("tool_call_event",
		zap.String("correlation_id", event.CorrelationID),
		zap.String("role", event.Role),
		zap.String("caller_id", event.CallerID),
		zap.String("tool_name", event.ToolName),
		zap.String("route", event.Route),
		zap.String("provider", event.Provider),
		zap.String("token", event.Token),
		zap.String("state", event.State),
		zap.String("outcome", event.Outcome),
		zap.String("error_kind", event.ErrorKind),
		zap.Int32("attempts", event.Attempts),
		zap.Bool("cached", event.Cached),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
