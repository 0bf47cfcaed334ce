// Package database provides TimescaleDB connectivity for the optional
// combat-event archive.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	PoolSize int
}

// Client represents a database client
type Client struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewClient creates a new database client
func NewClient(ctx context.Context, config Config) (*Client, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		config.Host, config.Port, config.Database, config.User, config.Password, config.PoolSize,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(config.PoolSize)
	poolConfig.MinConns = int32(config.PoolSize / 4)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{
		pool: pool,
		ctx:  ctx,
	}, nil
}

// Close closes the database connection pool
func (c *Client) Close() {
	c.pool.Close()
}

// CombatEventDB represents one combat event for database insertion.
// Values are narrowed to int64 at this boundary; the pipeline keeps
// them 64-bit end to end.
type CombatEventDB struct {
	Time         time.Time
	AttackerID   int64
	TargetID     int64
	SkillID      int64
	Value        int64
	LuckyValue   int64
	IsCrit       bool
	IsLucky      bool
	IsHeal       bool
	IsMiss       bool
	IsDead       bool
	HPLessen     int64
	Element      string
	DamageSource int32
	ToPlayer     bool
}

// InsertCombatEvents inserts combat events using a bulk COPY.
func (c *Client) InsertCombatEvents(events []CombatEventDB) error {
	if len(events) == 0 {
		return nil
	}

	conn, err := c.pool.Acquire(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	columns := []string{
		"time", "attacker_id", "target_id", "skill_id", "value",
		"lucky_value", "is_crit", "is_lucky", "is_heal", "is_miss",
		"is_dead", "hp_lessen", "element", "damage_source", "to_player",
	}

	_, err = conn.Conn().CopyFrom(
		c.ctx,
		pgx.Identifier{"combat_events"},
		columns,
		pgx.CopyFromSlice(len(events), func(i int) ([]interface{}, error) {
			e := events[i]
			return []interface{}{
				e.Time, e.AttackerID, e.TargetID, e.SkillID, e.Value,
				e.LuckyValue, e.IsCrit, e.IsLucky, e.IsHeal, e.IsMiss,
				e.IsDead, e.HPLessen, e.Element, e.DamageSource, e.ToPlayer,
			}, nil
		}),
	)

	if err != nil {
		return fmt.Errorf("failed to insert combat events: %w", err)
	}

	return nil
}

// TopAttacker represents one row of the damage leaderboard.
type TopAttacker struct {
	AttackerID  int64
	TotalDamage int64
	TotalHeal   int64
	EventCount  int64
}

// GetTopAttackers retrieves the top N damage dealers in a time window.
func (c *Client) GetTopAttackers(startTime, endTime time.Time, limit int) ([]TopAttacker, error) {
	query := `
		SELECT
			attacker_id,
			COALESCE(SUM(value) FILTER (WHERE NOT is_heal), 0) AS total_damage,
			COALESCE(SUM(value) FILTER (WHERE is_heal), 0) AS total_heal,
			COUNT(*) AS event_count
		FROM combat_events
		WHERE time BETWEEN $1 AND $2 AND NOT to_player
		GROUP BY attacker_id
		ORDER BY total_damage DESC
		LIMIT $3
	`

	rows, err := c.pool.Query(c.ctx, query, startTime, endTime, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top attackers: %w", err)
	}
	defer rows.Close()

	var results []TopAttacker
	for rows.Next() {
		var ta TopAttacker
		if err := rows.Scan(&ta.AttackerID, &ta.TotalDamage, &ta.TotalHeal, &ta.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, ta)
	}

	return results, rows.Err()
}

// HealthCheck performs a database health check
func (c *Client) HealthCheck() error {
	return c.pool.Ping(c.ctx)
}

// GetStats returns connection pool statistics
func (c *Client) GetStats() *pgxpool.Stat {
	return c.pool.Stat()
}
