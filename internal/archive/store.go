// Package archive persists terminal order records and their fills to
// sqlite, and keeps a transactional outbox so audit events reach Kafka
// at least once even across restarts.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/redfire-quant/trading-core/internal/order"
	"github.com/redfire-quant/trading-core/internal/stream"
)

// Store is the sqlite-backed archive.
type Store struct {
	db *sql.DB
}

// OutboxEvent is an audit event waiting to be published.
type OutboxEvent struct {
	ID                  int64
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the archive store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS archived_orders (
			correlation_id TEXT PRIMARY KEY,
			venue_order_id TEXT,
			gateway TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			state TEXT NOT NULL,
			volume TEXT NOT NULL,
			filled_volume TEXT NOT NULL,
			avg_fill_price TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_unix_millis INTEGER NOT NULL,
			updated_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS archived_trades (
			venue_trade_id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			price TEXT NOT NULL,
			volume TEXT NOT NULL,
			ts_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_correlation
			ON archived_trades(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS audit_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON audit_outbox(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// ArchiveOrder writes a terminal record, its fills, and the matching
// outbox audit event in one transaction. Re-archiving the same order
// is a no-op.
func (s *Store) ArchiveOrder(ctx context.Context, rec order.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO archived_orders
			(correlation_id, venue_order_id, gateway, symbol, direction, state,
			 volume, filled_volume, avg_fill_price, reason,
			 created_unix_millis, updated_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Request.CorrelationID, rec.VenueOrderID, rec.Request.Exchange,
		rec.Request.Symbol, string(rec.Request.Direction), string(rec.State),
		rec.Request.Volume.String(), rec.FilledVolume.String(),
		rec.AvgFillPrice.String(), rec.RejectReason,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert archived order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already archived; keep the first write.
		return tx.Commit()
	}

	for _, t := range rec.Trades {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO archived_trades
				(venue_trade_id, correlation_id, price, volume, ts_unix_millis)
			 VALUES (?, ?, ?, ?, ?)`,
			t.VenueTradeID, t.CorrelationID, t.Price.String(), t.Volume.String(), t.At.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert archived trade: %w", err)
		}
	}

	msg := stream.OrderAuditMsg{
		EventID:       "ord-" + rec.Request.CorrelationID,
		CorrelationID: rec.Request.CorrelationID,
		VenueOrderID:  rec.VenueOrderID,
		Gateway:       rec.Request.Exchange,
		Symbol:        rec.Request.Symbol,
		Direction:     string(rec.Request.Direction),
		State:         string(rec.State),
		Volume:        rec.Request.Volume,
		FilledVolume:  rec.FilledVolume,
		AvgFillPrice:  rec.AvgFillPrice,
		Reason:        rec.RejectReason,
		TsUnixMillis:  now,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal order audit: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_outbox
			(event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		msg.EventID, stream.TopicOrdersAudit, rec.Request.CorrelationID, string(payload), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return tx.Commit()
}

// EnqueueTradeAudit appends one fill to the outbox. The venue trade id
// keys the dedupe, so redelivered trade events enqueue once.
func (s *Store) EnqueueTradeAudit(ctx context.Context, msg stream.TradeAuditMsg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal trade audit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_outbox
			(event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		msg.EventID, stream.TopicTradesAudit, msg.CorrelationID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ListUnpublished returns outbox events not yet published, oldest
// first.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM audit_outbox
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkPublished stamps an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE audit_outbox SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// GetArchivedOrder reads back one archived order by correlation id.
func (s *Store) GetArchivedOrder(ctx context.Context, correlationID string) (stream.OrderAuditMsg, bool, error) {
	var msg stream.OrderAuditMsg
	var volume, filled, avg string
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, venue_order_id, gateway, symbol, direction, state,
			volume, filled_volume, avg_fill_price, reason, updated_unix_millis
		 FROM archived_orders WHERE correlation_id = ?`,
		correlationID,
	).Scan(&msg.CorrelationID, &msg.VenueOrderID, &msg.Gateway, &msg.Symbol,
		&msg.Direction, &msg.State, &volume, &filled, &avg, &msg.Reason, &msg.TsUnixMillis)
	if err == sql.ErrNoRows {
		return stream.OrderAuditMsg{}, false, nil
	}
	if err != nil {
		return stream.OrderAuditMsg{}, false, fmt.Errorf("failed to read archived order: %w", err)
	}

	if msg.Volume, err = parseDecimal(volume); err != nil {
		return stream.OrderAuditMsg{}, false, err
	}
	if msg.FilledVolume, err = parseDecimal(filled); err != nil {
		return stream.OrderAuditMsg{}, false, err
	}
	if msg.AvgFillPrice, err = parseDecimal(avg); err != nil {
		return stream.OrderAuditMsg{}, false, err
	}
	return msg, true, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse stored decimal %q: %w", s, err)
	}
	return d, nil
}
