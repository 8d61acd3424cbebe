package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"agentmesh/internal/config"
)

const schemaVersion = 1

// Store owns the single *sql.DB handle, a sqlx wrapper (used by
// SearchCapabilities; every other method uses db), and a short-TTL response
// cache that writes invalidate but that no read path consults.
type Store struct {
	db    *sql.DB
	sqlx  *sqlx.DB
	mu    sync.Mutex // serializes connection checkout for writes, per spec §4.A
	cache *responseCache
}

// Open connects to the configured database (sqlite by default, postgres
// when DatabaseURL carries a postgres(ql):// scheme), applies pragmas/pool
// limits, and runs the forward-only schema migration.
func Open(cfg *config.Config) (*Store, error) {
	driver, dsn := "sqlite3", cfg.DatabaseURL
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		driver, dsn = "postgres", cfg.DatabaseURL
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	maxOpen := cfg.DBMaxOpenConns
	if maxOpen <= 0 || maxOpen > 10 {
		maxOpen = 10 // spec §4.A: bounded pool of at most 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)

	if driver == "sqlite3" {
		if cfg.DBEnableForeignKey {
			db.Exec("PRAGMA foreign_keys = ON")
		}
		db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.DBBusyTimeoutMs))
		db.Exec(fmt.Sprintf("PRAGMA journal_mode = %s", cfg.DBJournalMode))
		db.Exec(fmt.Sprintf("PRAGMA synchronous = %s", cfg.DBSynchronous))
	}

	s := &Store{
		db:    db,
		sqlx:  sqlx.NewDb(db, driver),
		cache: newResponseCache(time.Duration(cfg.CacheTTL)*time.Second, cfg.EnableResponseCache),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT 'mesh-agent',
			name TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT 'default',
			version TEXT,
			endpoint TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_heartbeat TIMESTAMP,
			resource_version TEXT NOT NULL,
			health_interval INTEGER NOT NULL DEFAULT 30,
			timeout_threshold INTEGER NOT NULL DEFAULT 60,
			eviction_threshold INTEGER NOT NULL DEFAULT 120,
			UNIQUE(name, namespace)
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '1.0.0',
			description TEXT,
			category TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			stability TEXT NOT NULL DEFAULT 'stable',
			input_schema TEXT NOT NULL DEFAULT '{}',
			security_requirements TEXT NOT NULL DEFAULT '{}',
			performance_profile TEXT NOT NULL DEFAULT '{}',
			compatibility_versions TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			function_name TEXT NOT NULL,
			capability TEXT,
			version TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			description TEXT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			UNIQUE(agent_id, function_name)
		)`,
		`CREATE TABLE IF NOT EXISTS health_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			old_status TEXT,
			source TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS change_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			resource_version TEXT NOT NULL,
			snapshot TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_agents_namespace ON agents(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
		"CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_name ON capabilities(name)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_name_agent ON capabilities(name, agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_health_events_agent_ts ON health_events(agent_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_change_events_ts ON change_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_change_events_type_ts ON change_events(event_type, timestamp)",
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}

	var current int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if current < schemaVersion {
		_, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			schemaVersion, time.Now().UTC())
		return err
	}
	return nil
}

// Stats returns lightweight counters for operational endpoints.
func (s *Store) Stats() (map[string]any, error) {
	stats := map[string]any{}
	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&total); err != nil {
		return nil, Transient(err, "counting agents")
	}
	stats["total_agents"] = total

	var caps int64
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT name) FROM capabilities").Scan(&caps); err != nil {
		return nil, Transient(err, "counting capabilities")
	}
	stats["unique_capabilities"] = caps
	return stats, nil
}
