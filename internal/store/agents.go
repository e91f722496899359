package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/discobot/discobot/internal/db/dialect"
	"github.com/discobot/discobot/internal/model"
)

// CreateAgent inserts an agent together with its MCP server rows.
func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	if agent.ID == "" {
		agent.ID = model.NewID()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agents (id, project_id, name, agent_type, system_prompt, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), agent.ID, agent.ProjectID, agent.Name, agent.AgentType,
			agent.SystemPrompt, dialect.BoolToInt(agent.IsDefault), agent.CreatedAt, agent.UpdatedAt)
		if err != nil {
			return mapConstraintErr(err)
		}
		return insertMCPServers(ctx, tx, agent.ID, agent.MCPServers)
	})
}

func insertMCPServers(ctx context.Context, tx *sqlx.Tx, agentID string, servers []*model.AgentMCPServer) error {
	for _, srv := range servers {
		if srv.ID == "" {
			srv.ID = model.NewID()
		}
		srv.AgentID = agentID
		if srv.CreatedAt.IsZero() {
			srv.CreatedAt = time.Now().UTC()
		}
		args := sql.NullString{String: string(srv.Args), Valid: srv.Args != nil}
		env := sql.NullString{String: string(srv.Env), Valid: srv.Env != nil}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agent_mcp_servers (id, agent_id, name, transport, command, args, url, env, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), srv.ID, srv.AgentID, srv.Name, srv.Transport, srv.Command, args, srv.URL, env, srv.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert mcp server: %w", err)
		}
	}
	return nil
}

// GetAgent returns an agent by ID with its MCP servers attached.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	agent, err := s.scanAgent(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, name, agent_type, system_prompt, is_default, created_at, updated_at
		FROM agents WHERE id = ?
	`), id))
	if err != nil {
		return nil, err
	}
	agent.MCPServers, err = s.listMCPServers(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetDefaultAgent returns the project's default agent, or ErrNotFound when
// no agent is flagged.
func (s *Store) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	agent, err := s.scanAgent(s.r().QueryRowxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, name, agent_type, system_prompt, is_default, created_at, updated_at
		FROM agents WHERE project_id = ? AND is_default = 1
	`), projectID))
	if err != nil {
		return nil, err
	}
	agent.MCPServers, err = s.listMCPServers(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgentsByProject returns a project's agents with MCP servers attached.
func (s *Store) ListAgentsByProject(ctx context.Context, projectID string) ([]*model.Agent, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, project_id, name, agent_type, system_prompt, is_default, created_at, updated_at
		FROM agents WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, agent := range agents {
		agent.MCPServers, err = s.listMCPServers(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// UpdateAgent persists mutable agent fields and replaces its MCP servers.
func (s *Store) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agents SET name = ?, agent_type = ?, system_prompt = ?, updated_at = ?
			WHERE id = ?
		`), agent.Name, agent.AgentType, agent.SystemPrompt, agent.UpdatedAt, agent.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM agent_mcp_servers WHERE agent_id = ?
		`), agent.ID); err != nil {
			return err
		}
		return insertMCPServers(ctx, tx, agent.ID, agent.MCPServers)
	})
}

// SetDefaultAgent clears all default flags in the project, then sets the
// chosen agent's flag, in one transaction (at most one default per project).
func (s *Store) SetDefaultAgent(ctx context.Context, projectID, agentID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agents SET is_default = 0 WHERE project_id = ?
		`), projectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agents SET is_default = 1, updated_at = ? WHERE id = ? AND project_id = ?
		`), time.Now().UTC(), agentID, projectID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteAgent removes an agent and its MCP servers.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM agent_mcp_servers WHERE agent_id = ?
		`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) scanAgent(row rowScanner) (*model.Agent, error) {
	agent := &model.Agent{}
	var isDefault int
	err := row.Scan(&agent.ID, &agent.ProjectID, &agent.Name, &agent.AgentType,
		&agent.SystemPrompt, &isDefault, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	agent.IsDefault = isDefault == 1
	return agent, nil
}

func (s *Store) listMCPServers(ctx context.Context, agentID string) ([]*model.AgentMCPServer, error) {
	rows, err := s.r().QueryxContext(ctx, s.r().Rebind(`
		SELECT id, agent_id, name, transport, command, args, url, env, created_at
		FROM agent_mcp_servers WHERE agent_id = ? ORDER BY created_at
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*model.AgentMCPServer
	for rows.Next() {
		srv := &model.AgentMCPServer{}
		var args, env sql.NullString
		if err := rows.Scan(&srv.ID, &srv.AgentID, &srv.Name, &srv.Transport,
			&srv.Command, &args, &srv.URL, &env, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		if args.Valid {
			srv.Args = []byte(args.String)
		}
		if env.Valid {
			srv.Env = []byte(env.String)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}
