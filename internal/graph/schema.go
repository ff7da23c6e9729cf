// Package graph provides the PostgreSQL-backed durable store: agent and tool
// vertices, spend edges, the append-only transaction archive, and completed
// conversation records.
//
// The KV store remains the hot path; everything here is written after the
// fact and read for audit and analytics. All operations share a single
// [pgxpool.Pool].
package graph

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id    TEXT         PRIMARY KEY,
    function    TEXT         NOT NULL DEFAULT 'custom',
    status      TEXT         NOT NULL DEFAULT 'inactive',
    priority    INT          NOT NULL DEFAULT 5,
    genome      JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlTools = `
CREATE TABLE IF NOT EXISTS tools (
    name           TEXT         PRIMARY KEY,
    category       TEXT         NOT NULL DEFAULT '',
    cost_cents     BIGINT       NOT NULL DEFAULT 0,
    min_auth_level TEXT         NOT NULL DEFAULT 'basic',
    active         BOOLEAN      NOT NULL DEFAULT true,
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    tx_id          TEXT         PRIMARY KEY,
    agent_id       TEXT         NOT NULL,
    amount_cents   BIGINT       NOT NULL,
    kind           TEXT         NOT NULL,
    description    TEXT         NOT NULL DEFAULT '',
    balance_before BIGINT       NOT NULL,
    balance_after  BIGINT       NOT NULL,
    roi_data       JSONB,
    processed_by   TEXT         NOT NULL DEFAULT '',
    timestamp      TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_agent_id
    ON transactions (agent_id);

CREATE INDEX IF NOT EXISTS idx_transactions_timestamp
    ON transactions (timestamp);

CREATE INDEX IF NOT EXISTS idx_transactions_agent_timestamp
    ON transactions (agent_id, timestamp);
`

const ddlToolUsage = `
CREATE TABLE IF NOT EXISTS tool_usage (
    id            BIGSERIAL    PRIMARY KEY,
    agent_id      TEXT         NOT NULL,
    tool_name     TEXT         NOT NULL,
    action_id     TEXT         NOT NULL,
    status        TEXT         NOT NULL,
    cost_cents    BIGINT       NOT NULL DEFAULT 0,
    duration_ms   BIGINT       NOT NULL DEFAULT 0,
    tx_id         TEXT         NOT NULL DEFAULT '',
    executed_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_usage_agent_tool
    ON tool_usage (agent_id, tool_name);

CREATE INDEX IF NOT EXISTS idx_tool_usage_executed_at
    ON tool_usage (executed_at);
`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    request_id      TEXT         PRIMARY KEY,
    intent          TEXT         NOT NULL DEFAULT '',
    path_taken      TEXT[]       NOT NULL DEFAULT '{}',
    prompt          TEXT         NOT NULL DEFAULT '',
    response        TEXT         NOT NULL DEFAULT '',
    council_size    INT          NOT NULL DEFAULT 0,
    duration_ms     BIGINT       NOT NULL DEFAULT 0,
    completed_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_completed_at
    ON conversations (completed_at);
`

// Migrate creates every table and index the graph store needs. All DDL is
// idempotent, so Migrate is safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlAgents, ddlTools, ddlTransactions, ddlToolUsage, ddlConversations} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("graph: migrate: %w", err)
		}
	}
	return nil
}
