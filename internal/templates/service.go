// Package templates guards template writes: every subject and body is
// validated by the sandbox before it is stored.
package templates

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/sandbox"
)

// Repository is the template persistence the service writes through.
type Repository interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	TemplateNameTaken(ctx context.Context, name, exceptID string) (bool, error)
	CreateTemplate(ctx context.Context, t *models.Template) error
	UpdateTemplate(ctx context.Context, t *models.Template) error
}

type Service struct {
	repo    Repository
	sandbox *sandbox.Engine
	log     logger.Logger
}

func NewService(repo Repository, engine *sandbox.Engine, log logger.Logger) *Service {
	return &Service{
		repo:    repo,
		sandbox: engine,
		log:     log.WithFields(map[string]interface{}{"component": "template_service"}),
	}
}

// Check validates t without storing it and fills t.Variables with the
// names its subject and body read.
func (s *Service) Check(t *models.Template) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return apperrors.NewValidationError("template name is required")
	}
	if !t.ChannelType.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown channel type %q", t.ChannelType))
	}

	subject, err := s.sandbox.Compile(t.Subject)
	if err != nil {
		return apperrors.NewTemplateValidationFailedError(fmt.Errorf("subject: %w", err))
	}
	body, err := s.sandbox.Compile(t.Body)
	if err != nil {
		return apperrors.NewTemplateValidationFailedError(fmt.Errorf("body: %w", err))
	}

	t.Variables = union(subject.Variables(), body.Variables())
	return nil
}

func (s *Service) Create(ctx context.Context, t *models.Template) (*models.Template, error) {
	if err := s.Check(t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.ensureUniqueName(ctx, t); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("template created", map[string]interface{}{"templateId": t.ID, "name": t.Name})
	return t, nil
}

func (s *Service) Update(ctx context.Context, t *models.Template) (*models.Template, error) {
	if _, err := s.repo.GetTemplate(ctx, t.ID); err != nil {
		return nil, err
	}
	if err := s.Check(t); err != nil {
		return nil, err
	}
	if err := s.ensureUniqueName(ctx, t); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("template updated", map[string]interface{}{"templateId": t.ID, "name": t.Name})
	return t, nil
}

func (s *Service) ensureUniqueName(ctx context.Context, t *models.Template) error {
	taken, err := s.repo.TemplateNameTaken(ctx, t.Name, t.ID)
	if err != nil {
		return err
	}
	if taken {
		return apperrors.NewValidationError(fmt.Sprintf("template name %q is already in use", t.Name))
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
