package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/apperrors"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/repositories"
)

// ProjectService defines the interface for project operations.
type ProjectService interface {
	Create(ctx context.Context, name, owner string) (*models.Project, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	// Delete removes the project together with its rows, versions, change
	// log, reference selections and jobs.
	Delete(ctx context.Context, id uuid.UUID) error
}

type projectService struct {
	projectRepo repositories.ProjectRepository
	logger      *zap.Logger
}

// NewProjectService creates a new project service with dependencies.
func NewProjectService(projectRepo repositories.ProjectRepository, logger *zap.Logger) ProjectService {
	return &projectService{
		projectRepo: projectRepo,
		logger:      logger.Named("project-service"),
	}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) Create(ctx context.Context, name, owner string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("project name is required")
	}

	now := time.Now().UTC()
	project := &models.Project{
		Name:      name,
		Owner:     strings.TrimSpace(owner),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projectRepo.Create(ctx, project); err != nil {
		s.logger.Error("Failed to create project", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info("Created project",
		zap.String("project_id", project.ID.String()),
		zap.String("name", project.Name))
	return project, nil
}

func (s *projectService) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.projectRepo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return project, nil
}

func (s *projectService) List(ctx context.Context) ([]*models.Project, error) {
	projects, err := s.projectRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

func (s *projectService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.projectRepo.Delete(ctx, id); err != nil {
		s.logger.Error("Failed to delete project",
			zap.String("project_id", id.String()),
			zap.Error(err))
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	s.logger.Info("Deleted project", zap.String("project_id", id.String()))
	return nil
}
