package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// LookupContact resolves delivery addresses from the user directory.
func (r *Repository) LookupContact(ctx context.Context, companyID, userID uuid.UUID) (*Contact, error) {
	var c Contact
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, company_id, name, email, phone
		FROM users
		WHERE id = $1 AND company_id = $2
	`, userID, companyID).Scan(&c.UserID, &c.CompanyID, &c.Name, &c.Email, &c.Phone)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &c, nil
}

// ListPreferences returns every stored preference of a user.
func (r *Repository) ListPreferences(ctx context.Context, companyID, userID uuid.UUID) ([]Preference, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT notification_type, channel, enabled, updated_at
		FROM notification_preferences
		WHERE company_id = $1 AND user_id = $2
		ORDER BY notification_type, channel
	`, companyID, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	prefs := []Preference{}
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.NotificationType, &p.Channel, &p.Enabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// ChannelPreferences returns the explicit per-channel settings for one
// notification type. Channels absent from the map follow the default policy.
func (r *Repository) ChannelPreferences(ctx context.Context, companyID, userID uuid.UUID, notificationType string) (map[string]bool, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT channel, enabled
		FROM notification_preferences
		WHERE company_id = $1 AND user_id = $2 AND notification_type = $3
	`, companyID, userID, notificationType)
	if err != nil {
		return nil, fmt.Errorf("query channel preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]bool)
	for rows.Next() {
		var (
			channel string
			enabled bool
		)
		if err := rows.Scan(&channel, &enabled); err != nil {
			return nil, fmt.Errorf("scan channel preference: %w", err)
		}
		prefs[channel] = enabled
	}
	return prefs, rows.Err()
}

// UpsertPreference stores p for the user, replacing any earlier setting.
func (r *Repository) UpsertPreference(ctx context.Context, companyID, userID uuid.UUID, p *Preference) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_preferences (company_id, user_id, notification_type, channel, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (company_id, user_id, notification_type, channel)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
		RETURNING updated_at
	`, companyID, userID, p.NotificationType, p.Channel, p.Enabled).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}
