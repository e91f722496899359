package store

import (
	"fmt"
	"strings"

	"github.com/discobot/discobot/internal/db/dialect"
)

// initSchema creates the tables and indexes if they don't exist. Statements
// are idempotent so every replica can run them on startup.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (provider, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT NOT NULL,
			pref_key TEXT NOT NULL,
			pref_value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, pref_key)
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS project_invitations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			source_type TEXT NOT NULL,
			status TEXT NOT NULL,
			commit_sha TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			agent_id TEXT,
			name TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			commit_status TEXT NOT NULL DEFAULT 'none',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			system_prompt TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_mcp_servers (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			args TEXT,
			url TEXT NOT NULL DEFAULT '',
			env TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			secret TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (project_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			error TEXT,
			worker_id TEXT,
			resource_type TEXT,
			resource_id TEXT,
			scheduled_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dispatcher_leader (
			singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
			server_id TEXT NOT NULL,
			heartbeat_at TIMESTAMP NOT NULL,
			acquired_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS terminal_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	// project_events assigns seq from the database; the column type that
	// auto-increments differs per dialect.
	if dialect.IsPostgres(s.w().DriverName()) {
		stmts = append(stmts, `CREATE TABLE IF NOT EXISTS project_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`)
		// Postgres has no AUTOINCREMENT keyword.
		for i, stmt := range stmts {
			stmts[i] = replaceAutoincrement(stmt)
		}
	} else {
		stmts = append(stmts, `CREATE TABLE IF NOT EXISTS project_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_user_sessions_user_id ON user_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_project_id ON workspaces(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_mcp_servers_agent_id ON agent_mcp_servers(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs(status, type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_resource ON jobs(resource_type, resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_project_id ON project_events(project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_terminal_history_session_id ON terminal_history(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.w().Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := s.w().Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// replaceAutoincrement rewrites SQLite autoincrement columns for Postgres.
func replaceAutoincrement(stmt string) string {
	return strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
}
