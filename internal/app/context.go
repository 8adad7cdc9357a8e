package app

import (
	"context"
	"errors"
	"fmt"

	"specforge/internal/domain"
	"specforge/internal/repo"
)

// ResolveProject picks the active project: the override when given, else the
// workspace's only project.
func ResolveProject(ctx context.Context, s *Services, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if !s.Local() {
		return "", fmt.Errorf("project not specified; use --project (%w)", errRemote)
	}
	p, err := s.Engine.Repo.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no project in workspace; create one with 'sf project create'")
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// EnsureProject returns the project, creating it with the given name and
// industry when it does not exist yet.
func EnsureProject(ctx context.Context, s *Services, p domain.Project, actorID string) (domain.Project, error) {
	if !s.Local() {
		return domain.Project{}, errRemote
	}
	existing, err := s.Engine.Repo.GetProject(ctx, p.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return s.Engine.WithActor(actorID).CreateProject(ctx, p)
}
