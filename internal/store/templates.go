package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

const templateColumns = `id, name, subject, body, channel_type, variables, created_at, updated_at`

func scanTemplate(row interface{ Scan(...interface{}) error }) (*models.Template, error) {
	var t models.Template
	var channel string
	err := row.Scan(
		&t.ID, &t.Name, &t.Subject, &t.Body, &channel,
		pq.Array(&t.Variables), &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ChannelType = models.ChannelType(channel)
	return &t, nil
}

// GetTemplate returns RESOURCE_NOT_FOUND for an unknown id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewResourceNotFoundError("Template", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get template", err)
	}
	return t, nil
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE name = $1`, name)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewResourceNotFoundError("Template", name)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get template by name", err)
	}
	return t, nil
}

// TemplateNameTaken reports whether another template already uses name.
func (s *Store) TemplateNameTaken(ctx context.Context, name, exceptID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM templates WHERE name = $1 AND id <> $2)`,
		name, exceptID,
	).Scan(&taken)
	if err != nil {
		return false, apperrors.NewDatabaseError("check template name", err)
	}
	return taken, nil
}

func (s *Store) CreateTemplate(ctx context.Context, t *models.Template) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, subject, body, channel_type, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.Subject, t.Body, string(t.ChannelType),
		pq.Array(t.Variables), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return templateWriteError("create template", t.Name, err)
	}
	return nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t *models.Template) error {
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE templates
		SET name = $2, subject = $3, body = $4, channel_type = $5, variables = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, t.Name, t.Subject, t.Body, string(t.ChannelType),
		pq.Array(t.Variables), t.UpdatedAt,
	)
	if err != nil {
		return templateWriteError("update template", t.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewResourceNotFoundError("Template", t.ID)
	}
	return nil
}

// uniqueViolation is the Postgres SQLSTATE for a UNIQUE constraint hit.
const uniqueViolation = "23505"

// templateWriteError reports a lost race on the unique name the same way
// the service's pre-check does.
func templateWriteError(op, name string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.NewValidationError(fmt.Sprintf("template name %q is already in use", name))
	}
	return apperrors.NewDatabaseError(op, err)
}
