package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is a persisted in-app notification.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	CompanyID   uuid.UUID       `json:"companyId"`
	RecipientID uuid.UUID       `json:"recipientId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Link        *string         `json:"link,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"createdAt"`

	// DedupeKey makes the insert idempotent across job retries.
	DedupeKey *string `json:"-"`
}

// Channel types stored in metadata.type
const (
	ChannelTypeDM    = "dm"
	ChannelTypeGroup = "group"
)

// ChannelMetadata is the JSON document kept in channels.metadata.
type ChannelMetadata struct {
	Type    string      `json:"type"`
	Members []uuid.UUID `json:"members,omitempty"`
}

// Channel is a chat channel. Direct-message channels carry exactly two members
// in their metadata.
type Channel struct {
	ID        uuid.UUID       `json:"id"`
	CompanyID uuid.UUID       `json:"companyId"`
	Name      string          `json:"name"`
	IsPrivate bool            `json:"isPrivate"`
	Metadata  ChannelMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ChannelMembership links a user to a channel.
type ChannelMembership struct {
	ChannelID  uuid.UUID  `json:"channelId"`
	UserID     uuid.UUID  `json:"userId"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// Message is an immutable chat message. At least one of Content and FileURL is set.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	ChannelID uuid.UUID `json:"channelId"`
	SenderID  uuid.UUID `json:"senderId"`
	Content   *string   `json:"content,omitempty"`
	FileURL   *string   `json:"fileUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelSummary is a channel as seen by one member: its latest message and how
// many messages that member has not read.
type ChannelSummary struct {
	Channel
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// Contact is the subset of a user directory entry needed for delivery.
type Contact struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Name      string
	Email     *string
	Phone     *string
}

// Preference is one user's opt-in or opt-out for a channel of a notification type.
type Preference struct {
	NotificationType string    `json:"notificationType" validate:"required,max=64"`
	Channel          string    `json:"channel" validate:"required,oneof=in_app email sms"`
	Enabled          bool      `json:"enabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
