package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/inferxgate/internal/store"
)

const clickhouseDDL = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                String,
	model             LowCardinality(String),
	provider          LowCardinality(String),
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	total_tokens      UInt32,
	cost_usd          Float64,
	latency_ms        UInt32,
	user_tag          String,
	virtual_key_id    String,
	cached            UInt8,
	error_text        String,
	created_at        DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, provider, model)
TTL created_at + INTERVAL 90 DAY
`

// ClickHouseMirror copies usage batches into ClickHouse for analytics.
// Postgres stays the source of truth; this sink is best-effort.
type ClickHouseMirror struct {
	conn driver.Conn
}

// OpenClickHouse connects to dsn, verifies the connection, and ensures the
// usage table exists.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseMirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	if err := conn.Exec(ctx, clickhouseDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ensure table: %w", err)
	}

	return &ClickHouseMirror{conn: conn}, nil
}

// WriteUsage appends a batch of usage records.
func (m *ClickHouseMirror) WriteUsage(ctx context.Context, records []store.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := m.conn.PrepareBatch(ctx, "INSERT INTO usage_records")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, r := range records {
		cached := uint8(0)
		if r.Cached {
			cached = 1
		}
		if err := batch.Append(
			r.ID,
			r.Model,
			r.Provider,
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			uint32(r.TotalTokens),
			r.CostUSD,
			uint32(r.LatencyMs),
			r.UserTag,
			r.VirtualKeyID,
			cached,
			r.ErrorText,
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (m *ClickHouseMirror) Close() error {
	return m.conn.Close()
}
