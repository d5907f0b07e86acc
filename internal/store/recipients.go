package store

import (
	"context"
	"database/sql"
	"errors"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

// GetRecipient returns RESOURCE_NOT_FOUND when the user does not exist.
func (s *Store) GetRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	var r models.Recipient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone FROM users WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.Email, &r.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewResourceNotFoundError("Recipient", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get recipient", err)
	}
	return &r, nil
}

// ListRecipients reads every user in one statement, so a broadcast sees a
// single snapshot of the table.
func (s *Store) ListRecipients(ctx context.Context) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, phone FROM users ORDER BY id`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list recipients", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &r.Phone); err != nil {
			return nil, apperrors.NewDatabaseError("scan recipient", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list recipients", err)
	}
	return out, nil
}
