package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DirectMessageKey is the order-independent identity of a DM pair.
func DirectMessageKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}

const channelColumns = `c.id, c.company_id, c.name, c.is_private, c.metadata, c.created_at, c.updated_at`

func scanChannel(row pgx.Row, extra ...any) (*Channel, error) {
	var ch Channel
	dest := []any{
		&ch.ID,
		&ch.CompanyID,
		&ch.Name,
		&ch.IsPrivate,
		&ch.Metadata,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpsertDirectChannel returns the DM channel between a and b in the company,
// creating it and both memberships in one transaction when absent. Concurrent
// callers converge on the same row through the (company_id, dm_key) constraint.
func (r *Repository) UpsertDirectChannel(ctx context.Context, companyID, a, b uuid.UUID) (*Channel, bool, error) {
	key := DirectMessageKey(a, b)
	members := strings.Split(key, ":")
	metadata := ChannelMetadata{
		Type:    ChannelTypeDM,
		Members: []uuid.UUID{uuid.MustParse(members[0]), uuid.MustParse(members[1])},
	}

	var (
		ch       *Channel
		inserted bool
	)
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		// DO UPDATE rather than DO NOTHING so RETURNING yields the row that won.
		row := tx.QueryRow(ctx, `
			INSERT INTO channels AS c (company_id, name, is_private, metadata, dm_key)
			VALUES ($1, $2, TRUE, $3, $4)
			ON CONFLICT (company_id, dm_key) DO UPDATE SET dm_key = EXCLUDED.dm_key
			RETURNING `+channelColumns+`, (xmax = 0) AS inserted
		`, companyID, "dm:"+key, metadata, key)

		var err error
		ch, err = scanChannel(row, &inserted)
		if err != nil {
			return fmt.Errorf("upsert dm channel: %w", err)
		}

		for _, userID := range metadata.Members {
			if _, err := tx.Exec(ctx, `
				INSERT INTO channel_members (channel_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT (channel_id, user_id) DO NOTHING
			`, ch.ID, userID); err != nil {
				return fmt.Errorf("insert dm membership: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return ch, inserted, nil
}

// GetChannel loads a channel scoped to its company.
func (r *Repository) GetChannel(ctx context.Context, companyID, channelID uuid.UUID) (*Channel, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels c
		WHERE c.id = $1 AND c.company_id = $2
	`, channelID, companyID)

	ch, err := scanChannel(row)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// GetMembership returns ErrNotFound when the user is not a member.
func (r *Repository) GetMembership(ctx context.Context, channelID, userID uuid.UUID) (*ChannelMembership, error) {
	var m ChannelMembership
	err := r.db.Pool().QueryRow(ctx, `
		SELECT channel_id, user_id, joined_at, last_read_at
		FROM channel_members
		WHERE channel_id = $1 AND user_id = $2
	`, channelID, userID).Scan(&m.ChannelID, &m.UserID, &m.JoinedAt, &m.LastReadAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return &m, nil
}

// AddMember is a no-op for an existing member.
func (r *Repository) AddMember(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO channel_members (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// ListMemberIDs returns every member of a channel.
func (r *Repository) ListMemberIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY joined_at
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect members: %w", err)
	}
	return ids, nil
}

// CreateMessage persists m, bumps the channel's updated_at and advances the
// sender's read marker past their own message.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (id, channel_id, sender_id, content, file_url)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING seq, created_at
		`, m.ID, m.ChannelID, m.SenderID, m.Content, m.FileURL).Scan(&m.Seq, &m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE channels SET updated_at = $2 WHERE id = $1
		`, m.ChannelID, m.CreatedAt); err != nil {
			return fmt.Errorf("touch channel: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE channel_members
			SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
			WHERE channel_id = $1 AND user_id = $2
		`, m.ChannelID, m.SenderID, m.CreatedAt); err != nil {
			return fmt.Errorf("advance sender read marker: %w", err)
		}
		return nil
	})
}

// ListRecentMessages returns up to limit messages, newest first. seq breaks
// created_at ties.
func (r *Repository) ListRecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]Message, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, seq, channel_id, sender_id, content, file_url, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ChannelID, &m.SenderID, &m.Content, &m.FileURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListChannelSummaries returns the user's channels, most recently active
// first, with the latest message and the user's unread count for each.
func (r *Repository) ListChannelSummaries(ctx context.Context, companyID, userID uuid.UUID) ([]ChannelSummary, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+channelColumns+`,
			lm.id, lm.seq, lm.sender_id, lm.content, lm.file_url, lm.created_at,
			(
				SELECT COUNT(*) FROM messages m
				WHERE m.channel_id = c.id
				  AND (cm.last_read_at IS NULL OR m.created_at > cm.last_read_at)
			) AS unread
		FROM channel_members cm
		JOIN channels c ON c.id = cm.channel_id
		LEFT JOIN LATERAL (
			SELECT id, seq, sender_id, content, file_url, created_at
			FROM messages
			WHERE channel_id = c.id
			ORDER BY created_at DESC, seq DESC
			LIMIT 1
		) lm ON TRUE
		WHERE cm.user_id = $1 AND c.company_id = $2
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC
	`, userID, companyID)
	if err != nil {
		return nil, fmt.Errorf("query channel summaries: %w", err)
	}
	defer rows.Close()

	var summaries []ChannelSummary
	for rows.Next() {
		var (
			lastID      *uuid.UUID
			lastSeq     *int64
			lastSender  *uuid.UUID
			lastContent *string
			lastFile    *string
			lastAt      *time.Time
			unread      int
		)
		ch, err := scanChannel(rows, &lastID, &lastSeq, &lastSender, &lastContent, &lastFile, &lastAt, &unread)
		if err != nil {
			return nil, fmt.Errorf("scan channel summary: %w", err)
		}

		summary := ChannelSummary{Channel: *ch, UnreadCount: unread}
		if lastID != nil {
			summary.LastMessage = &Message{
				ID:        *lastID,
				Seq:       *lastSeq,
				ChannelID: ch.ID,
				SenderID:  *lastSender,
				Content:   lastContent,
				FileURL:   lastFile,
				CreatedAt: *lastAt,
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// CountChannelUnread counts messages newer than the member's read marker, or
// every message when the member has never read the channel.
func (r *Repository) CountChannelUnread(ctx context.Context, channelID, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(m.id)
		FROM channel_members cm
		LEFT JOIN messages m
			ON m.channel_id = cm.channel_id
			AND (cm.last_read_at IS NULL OR m.created_at > cm.last_read_at)
		WHERE cm.channel_id = $1 AND cm.user_id = $2
		GROUP BY cm.channel_id
	`, channelID, userID).Scan(&count)
	if notFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("count channel unread: %w", err)
	}
	return count, nil
}

// MarkChannelRead moves the member's read marker to now.
func (r *Repository) MarkChannelRead(ctx context.Context, channelID, userID uuid.UUID) (time.Time, error) {
	var readAt time.Time
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE channel_members
		SET last_read_at = GREATEST(COALESCE(last_read_at, NOW()), NOW())
		WHERE channel_id = $1 AND user_id = $2
		RETURNING last_read_at
	`, channelID, userID).Scan(&readAt)
	if notFound(err) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("mark channel read: %w", err)
	}
	return readAt, nil
}
