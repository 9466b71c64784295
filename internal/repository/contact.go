package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// ContactRepository user_contacts table, addressing for push/email/SMS
type ContactRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactRepository creates a contact repository
func NewContactRepository(db *sql.DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{
		db:     db,
		logger: logger,
	}
}

// GetContact returns the contact row of userID
func (r *ContactRepository) GetContact(ctx context.Context, userID string) (*models.UserContact, error) {
	query := `
		SELECT user_id, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(push_token, '')
		FROM user_contacts
		WHERE user_id = $1
	`

	var c models.UserContact
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&c.UserID, &c.Email, &c.Phone, &c.PushToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact for user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query contact: %w", err)
	}
	return &c, nil
}
