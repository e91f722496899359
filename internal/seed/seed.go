// Package seed loads development fixtures from a YAML file at startup.
// Seeding is idempotent: projects are matched by slug and skipped when they
// already exist, so restarting against a populated database is safe. Only
// meant for no-auth development setups.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/session"
	"github.com/discobot/discobot/internal/store"
)

// File is the root of the fixture document.
type File struct {
	Projects []Project `yaml:"projects"`
}

// Project declares one project with its nested resources.
type Project struct {
	Slug        string       `yaml:"slug"`
	Name        string       `yaml:"name"`
	Workspaces  []Workspace  `yaml:"workspaces"`
	Agents      []Agent      `yaml:"agents"`
	Credentials []Credential `yaml:"credentials"`
}

// Workspace declares one workspace inside a seeded project.
type Workspace struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	SourceType string `yaml:"sourceType"`
}

// Agent declares one agent configuration inside a seeded project.
type Agent struct {
	Name         string `yaml:"name"`
	AgentType    string `yaml:"agentType"`
	SystemPrompt string `yaml:"systemPrompt"`
	Default      bool   `yaml:"default"`
}

// Credential declares one provider credential inside a seeded project.
type Credential struct {
	Provider string `yaml:"provider"`
	AuthType string `yaml:"authType"`
	Secret   string `yaml:"secret"`
}

// Load reads the fixture file and applies it. The anonymous user owns every
// seeded project, so fixtures are only useful with auth disabled.
func Load(ctx context.Context, path string, st *store.Store, sessions *session.Service, log *logger.Logger) error {
	log = log.WithFields(zap.String("component", "seed"))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file %s: %w", path, err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	owner, err := st.EnsureAnonymousUser(ctx)
	if err != nil {
		return fmt.Errorf("ensure anonymous user: %w", err)
	}

	for _, p := range file.Projects {
		if p.Slug == "" || p.Name == "" {
			return fmt.Errorf("seed project needs slug and name")
		}
		if _, err := st.GetProjectBySlug(ctx, p.Slug); err == nil {
			log.Debug("seed project exists, skipping", zap.String("slug", p.Slug))
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := applyProject(ctx, st, sessions, owner.ID, p); err != nil {
			return fmt.Errorf("seed project %s: %w", p.Slug, err)
		}
		log.Info("seeded project", zap.String("slug", p.Slug))
	}
	return nil
}

func applyProject(ctx context.Context, st *store.Store, sessions *session.Service, ownerID string, p Project) error {
	project := &model.Project{
		ID:   model.NewID(),
		Slug: p.Slug,
		Name: p.Name,
	}
	if err := st.CreateProject(ctx, project); err != nil {
		return err
	}
	if err := st.AddProjectMember(ctx, &model.ProjectMember{
		ProjectID: project.ID,
		UserID:    ownerID,
		Role:      model.RoleOwner,
	}); err != nil {
		return err
	}

	for _, w := range p.Workspaces {
		sourceType := model.WorkspaceSourceType(w.SourceType)
		if sourceType == "" {
			sourceType = model.WorkspaceSourceLocal
		}
		if _, err := sessions.CreateWorkspace(ctx, project.ID, w.Name, w.Path, sourceType); err != nil {
			return fmt.Errorf("workspace %s: %w", w.Name, err)
		}
	}

	for _, a := range p.Agents {
		agent := &model.Agent{
			ID:        model.NewID(),
			ProjectID: project.ID,
			Name:      a.Name,
			AgentType: a.AgentType,
		}
		if a.SystemPrompt != "" {
			prompt := a.SystemPrompt
			agent.SystemPrompt = &prompt
		}
		if err := st.CreateAgent(ctx, agent); err != nil {
			return fmt.Errorf("agent %s: %w", a.Name, err)
		}
		if a.Default {
			if err := st.SetDefaultAgent(ctx, project.ID, agent.ID); err != nil {
				return err
			}
		}
	}

	for _, c := range p.Credentials {
		authType := model.CredentialAuthType(c.AuthType)
		if authType == "" {
			authType = model.AuthTypeAPIKey
		}
		cred := &model.Credential{
			ID:        model.NewID(),
			ProjectID: project.ID,
			Provider:  c.Provider,
			AuthType:  authType,
			Secret:    c.Secret,
		}
		if err := st.CreateCredential(ctx, cred); err != nil {
			return fmt.Errorf("credential %s: %w", c.Provider, err)
		}
	}
	return nil
}
