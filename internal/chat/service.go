// Package chat owns channels, memberships and messages on top of the
// relational store, and fans changes out over the real-time layer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/events"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrForbidden       = errors.New("not a member of this channel")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrSelfDM          = errors.New("cannot open a direct message with yourself")
)

// Limits applied to every message regardless of channel type.
const (
	MaxContentLength = 4000
	MaxFileURLLength = 2048

	DefaultMessageLimit = 50
	MaxMessageLimit     = 200

	previewLength = 140
)

// Real-time events sent by this package.
const (
	EventMessageNew     = "message:new"
	EventChannelUpdated = "channel:updated"
)

// NSChannelList is the cache namespace of a user's channel list.
const NSChannelList = "channels:list"

// Room is the real-time room of a channel.
func Room(channelID uuid.UUID) string {
	return "channel:" + channelID.String()
}

// UserRoom is the real-time room of every connection a user holds.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// Store is the persistence the service needs.
type Store interface {
	UpsertDirectChannel(ctx context.Context, companyID, a, b uuid.UUID) (*db.Channel, bool, error)
	GetChannel(ctx context.Context, companyID, channelID uuid.UUID) (*db.Channel, error)
	GetMembership(ctx context.Context, channelID, userID uuid.UUID) (*db.ChannelMembership, error)
	ListMemberIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
	CreateMessage(ctx context.Context, m *db.Message) error
	ListRecentMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]db.Message, error)
	ListChannelSummaries(ctx context.Context, companyID, userID uuid.UUID) ([]db.ChannelSummary, error)
	CountChannelUnread(ctx context.Context, channelID, userID uuid.UUID) (int, error)
	MarkChannelRead(ctx context.Context, channelID, userID uuid.UUID) (time.Time, error)
	LookupContact(ctx context.Context, companyID, userID uuid.UUID) (*db.Contact, error)
}

// Broadcaster pushes an event to every connection in a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload any)
}

// Presence reports which users currently hold a real-time connection.
type Presence interface {
	Online(ctx context.Context, companyID string, userIDs []string) (map[string]bool, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, e events.Event)
}

// Service implements the chat operations.
type Service struct {
	store       Store
	cache       *redis.Cache
	broadcaster Broadcaster
	presence    Presence
	emitter     Emitter
	ttl         time.Duration
	logger      *zap.Logger
}

func NewService(store Store, cache *redis.Cache, broadcaster Broadcaster, presence Presence, emitter Emitter, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		presence:    presence,
		emitter:     emitter,
		ttl:         ttl,
		logger:      logger,
	}
}

// UpsertDirectMessageChannel returns the one DM channel between userID and
// targetID, creating it when it does not exist yet.
func (s *Service) UpsertDirectMessageChannel(ctx context.Context, companyID, userID, targetID uuid.UUID) (*db.Channel, bool, error) {
	if userID == targetID {
		return nil, false, ErrSelfDM
	}
	if _, err := s.store.LookupContact(ctx, companyID, targetID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, false, ErrUserNotFound
		}
		return nil, false, fmt.Errorf("lookup target user: %w", err)
	}

	ch, created, err := s.store.UpsertDirectChannel(ctx, companyID, userID, targetID)
	if err != nil {
		return nil, false, fmt.Errorf("upsert direct channel: %w", err)
	}

	if created {
		s.invalidateLists(ctx, companyID, []uuid.UUID{userID, targetID})
		s.logger.Info("direct channel created",
			zap.String("channel_id", ch.ID.String()),
			zap.String("company_id", companyID.String()),
		)
	}
	return ch, created, nil
}

// SendInput is a message as submitted by its sender.
type SendInput struct {
	ChannelID uuid.UUID
	Content   *string
	FileURL   *string
}

func (in *SendInput) normalize() error {
	if in.Content != nil {
		trimmed := strings.TrimSpace(*in.Content)
		if trimmed == "" {
			in.Content = nil
		} else {
			in.Content = &trimmed
		}
	}
	if in.FileURL != nil && strings.TrimSpace(*in.FileURL) == "" {
		in.FileURL = nil
	}

	switch {
	case in.Content == nil && in.FileURL == nil:
		return fmt.Errorf("%w: content or fileUrl is required", ErrInvalidMessage)
	case in.Content != nil && utf8.RuneCountInString(*in.Content) > MaxContentLength:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentLength)
	case in.FileURL != nil && len(*in.FileURL) > MaxFileURLLength:
		return fmt.Errorf("%w: fileUrl exceeds %d characters", ErrInvalidMessage, MaxFileURLLength)
	}
	return nil
}

// CreateMessage stores a message from a channel member and fans it out: the
// channel room gets message:new, every member's channel list is invalidated,
// and members without a live connection get a message.sent event.
func (s *Service) CreateMessage(ctx context.Context, companyID, senderID uuid.UUID, in SendInput) (*db.Message, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, companyID, in.ChannelID, senderID); err != nil {
		return nil, err
	}

	msg := &db.Message{
		ChannelID: in.ChannelID,
		SenderID:  senderID,
		Content:   in.Content,
		FileURL:   in.FileURL,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.broadcaster.Broadcast(ctx, Room(in.ChannelID), EventMessageNew, msg)

	members, err := s.store.ListMemberIDs(ctx, in.ChannelID)
	if err != nil {
		// The message is stored; stale lists expire with the cache TTL.
		s.logger.Warn("failed to load channel members", zap.String("channel_id", in.ChannelID.String()), zap.Error(err))
		return msg, nil
	}
	s.invalidateLists(ctx, companyID, members)
	s.notifyOffline(ctx, companyID, msg, members)

	return msg, nil
}

// notifyOffline emits message.sent for every recipient that holds no
// connection. Without presence data every recipient counts as offline.
func (s *Service) notifyOffline(ctx context.Context, companyID uuid.UUID, msg *db.Message, members []uuid.UUID) {
	recipients := slices.DeleteFunc(slices.Clone(members), func(id uuid.UUID) bool { return id == msg.SenderID })
	if len(recipients) == 0 || s.emitter == nil {
		return
	}

	online := map[string]bool{}
	if s.presence != nil {
		ids := make([]string, len(recipients))
		for i, id := range recipients {
			ids[i] = id.String()
		}
		var err error
		if online, err = s.presence.Online(ctx, companyID.String(), ids); err != nil {
			s.logger.Warn("presence unavailable", zap.Error(err))
			online = map[string]bool{}
		}
	}

	senderName := ""
	if contact, err := s.store.LookupContact(ctx, companyID, msg.SenderID); err == nil {
		senderName = contact.Name
	}

	for _, id := range recipients {
		if online[id.String()] {
			continue
		}
		s.emitter.Emit(ctx, events.MessageSent{
			Base:       events.NewBase(id, companyID),
			ChannelID:  msg.ChannelID,
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			SenderName: senderName,
			Preview:    preview(msg),
		})
	}
}

// GetChannelMessages returns the newest limit messages of the channel in
// chronological order.
func (s *Service) GetChannelMessages(ctx context.Context, companyID, userID, channelID uuid.UUID, limit int) ([]db.Message, error) {
	if _, err := s.authorize(ctx, companyID, channelID, userID); err != nil {
		return nil, err
	}

	limit = ClampMessageLimit(limit)
	messages, err := s.store.ListRecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		return []db.Message{}, nil
	}
	slices.Reverse(messages)
	return messages, nil
}

// ClampMessageLimit applies the default and the ceiling to a page size.
func ClampMessageLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	return min(limit, MaxMessageLimit)
}

// ListChannels returns the user's channels with last message and unread
// count, served from cache when possible.
func (s *Service) ListChannels(ctx context.Context, companyID, userID uuid.UUID) ([]db.ChannelSummary, error) {
	key := redis.Key(NSChannelList, userID.String(), companyID.String(), nil)

	list, _, err := redis.GetOrSet(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]db.ChannelSummary, error) {
		summaries, err := s.store.ListChannelSummaries(ctx, companyID, userID)
		if err != nil {
			return nil, err
		}
		if summaries == nil {
			summaries = []db.ChannelSummary{}
		}
		return summaries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return list, nil
}

// UnreadCount counts the channel's messages newer than the user's read marker.
func (s *Service) UnreadCount(ctx context.Context, companyID, userID, channelID uuid.UUID) (int, error) {
	if _, err := s.authorize(ctx, companyID, channelID, userID); err != nil {
		return 0, err
	}
	n, err := s.store.CountChannelUnread(ctx, channelID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ChannelRead is pushed to the reader as channel:updated.
type ChannelRead struct {
	ID          uuid.UUID `json:"id"`
	LastReadAt  time.Time `json:"lastReadAt"`
	UnreadCount int       `json:"unreadCount"`
}

// MarkRead moves the user's read marker to now.
func (s *Service) MarkRead(ctx context.Context, companyID, userID, channelID uuid.UUID) (*ChannelRead, error) {
	if _, err := s.authorize(ctx, companyID, channelID, userID); err != nil {
		return nil, err
	}

	readAt, err := s.store.MarkChannelRead(ctx, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark channel read: %w", err)
	}
	s.invalidateLists(ctx, companyID, []uuid.UUID{userID})

	unread, err := s.store.CountChannelUnread(ctx, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}

	result := &ChannelRead{ID: channelID, LastReadAt: readAt, UnreadCount: unread}
	s.broadcaster.Broadcast(ctx, UserRoom(userID), EventChannelUpdated, result)
	return result, nil
}

// IsMember reports whether the user may see the channel. The real-time layer
// uses it to authorize room joins.
func (s *Service) IsMember(ctx context.Context, companyID, userID, channelID uuid.UUID) (bool, error) {
	_, err := s.authorize(ctx, companyID, channelID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrChannelNotFound):
		return false, nil
	default:
		return false, err
	}
}

// authorize loads the channel within the company and checks membership.
func (s *Service) authorize(ctx context.Context, companyID, channelID, userID uuid.UUID) (*db.ChannelMembership, error) {
	if _, err := s.store.GetChannel(ctx, companyID, channelID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}

	m, err := s.store.GetMembership(ctx, channelID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (s *Service) invalidateLists(ctx context.Context, companyID uuid.UUID, userIDs []uuid.UUID) {
	for _, id := range userIDs {
		s.cache.InvalidateUser(ctx, id.String(), companyID.String(), NSChannelList)
	}
}

func preview(m *db.Message) string {
	if m.Content == nil {
		return "Sent a file"
	}
	content := *m.Content
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength-1]) + "…"
}
