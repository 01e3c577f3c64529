package distribution

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Service handles project and user management plus the assignment edges that
// gate non-admin mail visibility.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService builds a distribution service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, logger: log.WithComponent("distribution")}
}

// CreateProject creates a project.
func (s *Service) CreateProject(ctx context.Context, name string) (int64, error) {
	return s.store.CreateProject(ctx, name)
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*types.Project, error) {
	return s.store.ListProjects(ctx)
}

// CreateUser creates a user. Role defaults to plain user.
func (s *Service) CreateUser(ctx context.Context, name, password, role string) (int64, error) {
	if role == "" {
		role = "user"
	}
	return s.store.CreateUser(ctx, name, password, role)
}

// ListUsers returns all users without credentials.
func (s *Service) ListUsers(ctx context.Context) ([]*types.User, error) {
	return s.store.ListUsers(ctx)
}

// Assign links accounts to a user inside a project, ignoring edges that
// already exist. Returns the number of new assignments.
func (s *Service) Assign(ctx context.Context, projectID, userID int64, accountIDs []int64) (int64, error) {
	n, err := s.store.AssignAccounts(ctx, projectID, userID, accountIDs)
	if err != nil {
		return 0, err
	}
	s.logger.Info().
		Int64("project_id", projectID).
		Int64("user_id", userID).
		Int64("assigned", n).
		Msg("Accounts assigned")
	return n, nil
}

// Unassign removes assignment edges inside a project.
func (s *Service) Unassign(ctx context.Context, projectID int64, accountIDs []int64) (int64, error) {
	return s.store.UnassignAccounts(ctx, projectID, accountIDs)
}

// Stats summarizes one project's assignment coverage.
func (s *Service) Stats(ctx context.Context, projectID int64) (*store.ProjectStats, error) {
	return s.store.GetProjectStats(ctx, projectID)
}
