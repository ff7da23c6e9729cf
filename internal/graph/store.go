package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hivemind-ai/hivemind/internal/kip"
	"github.com/hivemind-ai/hivemind/internal/treasury"
)

// Compile-time interface check against the treasury archiver.
var _ treasury.Archiver = (*Store)(nil)

// Store is the PostgreSQL graph store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("graph: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("graph: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ArchiveTransaction writes the durable copy of a ledger entry. Entries are
// append-only; a replayed tx_id is ignored rather than updated.
func (s *Store) ArchiveTransaction(ctx context.Context, tx *treasury.Transaction) error {
	var roi []byte
	if tx.ROIData != nil {
		var err error
		roi, err = json.Marshal(tx.ROIData)
		if err != nil {
			return fmt.Errorf("graph: encode roi data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
			(tx_id, agent_id, amount_cents, kind, description,
			 balance_before, balance_after, roi_data, processed_by, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_id) DO NOTHING`,
		tx.TxID, tx.AgentID, tx.AmountCents, string(tx.Kind), tx.Description,
		tx.BalanceBefore, tx.BalanceAfter, roi, tx.ProcessedBy, tx.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("graph: archive transaction %s: %w", tx.TxID, err)
	}
	return nil
}

// UpsertAgent records an agent vertex. The full genome is stored as JSONB
// for audit; the authoritative runtime copy lives in the registry.
func (s *Store) UpsertAgent(ctx context.Context, g *kip.AgentGenome) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("graph: encode genome: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, function, status, priority, genome)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE SET
			function = EXCLUDED.function,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			genome = EXCLUDED.genome,
			updated_at = now()`,
		g.AgentID, string(g.Function), string(g.Status), g.Priority, raw,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert agent %s: %w", g.AgentID, err)
	}
	return nil
}

// UpsertTool records a tool vertex.
func (s *Store) UpsertTool(ctx context.Context, t *kip.Tool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tools (name, category, cost_cents, min_auth_level, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			category = EXCLUDED.category,
			cost_cents = EXCLUDED.cost_cents,
			min_auth_level = EXCLUDED.min_auth_level,
			active = EXCLUDED.active,
			updated_at = now()`,
		t.Name, t.Category, t.CostCents, string(t.MinAuthLevel), t.Active,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert tool %s: %w", t.Name, err)
	}
	return nil
}

// RecordToolUsage writes one agent→tool spend edge.
func (s *Store) RecordToolUsage(ctx context.Context, agentID, toolName, actionID, status string, costCents int64, duration time.Duration, txID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tool_usage
			(agent_id, tool_name, action_id, status, cost_cents, duration_ms, tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agentID, toolName, actionID, status, costCents, duration.Milliseconds(), txID,
	)
	if err != nil {
		return fmt.Errorf("graph: record tool usage %s/%s: %w", agentID, toolName, err)
	}
	return nil
}

// Conversation is a completed request flushed to the archive.
type Conversation struct {
	RequestID   string
	Intent      string
	PathTaken   []string
	Prompt      string
	Response    string
	CouncilSize int
	Duration    time.Duration
}

// ArchiveConversation stores a completed request for later analysis.
func (s *Store) ArchiveConversation(ctx context.Context, c *Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations
			(request_id, intent, path_taken, prompt, response, council_size, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING`,
		c.RequestID, c.Intent, c.PathTaken, c.Prompt, c.Response,
		c.CouncilSize, c.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("graph: archive conversation %s: %w", c.RequestID, err)
	}
	return nil
}
