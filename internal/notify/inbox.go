package notify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

// List limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ReadResult is returned by MarkAsRead and pushed as notification:read.
type ReadResult struct {
	UpdatedIDs  []uuid.UUID `json:"updatedIds"`
	UnreadCount int         `json:"unreadCount"`
}

// Inbox serves a user's notification read paths through the cache.
type Inbox struct {
	store       Store
	cache       *redis.Cache
	broadcaster Broadcaster
	queue       Enqueuer
	jobDefaults queue.Options
	ttl         time.Duration
	logger      *zap.Logger
}

func NewInbox(store Store, cache *redis.Cache, broadcaster Broadcaster, q Enqueuer, jobDefaults queue.Options, ttl time.Duration, logger *zap.Logger) *Inbox {
	return &Inbox{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		queue:       q,
		jobDefaults: jobDefaults,
		ttl:         ttl,
		logger:      logger,
	}
}

// ClampLimit applies the default and the ceiling to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// List returns the newest notifications of a user.
func (i *Inbox) List(ctx context.Context, companyID, userID uuid.UUID, limit int) ([]db.Notification, error) {
	limit = ClampLimit(limit)
	key := redis.Key(NSNotificationList, userID.String(), companyID.String(), url.Values{"limit": {strconv.Itoa(limit)}})

	list, _, err := redis.GetOrSet(ctx, i.cache, key, i.ttl, func(ctx context.Context) ([]db.Notification, error) {
		items, err := i.store.ListNotifications(ctx, companyID, userID, limit)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []db.Notification{}
		}
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

// UnreadCount returns how many of a user's notifications are unread.
func (i *Inbox) UnreadCount(ctx context.Context, companyID, userID uuid.UUID) (int, error) {
	key := redis.Key(NSNotificationUnread, userID.String(), companyID.String(), nil)

	count, _, err := redis.GetOrSet(ctx, i.cache, key, i.ttl, func(ctx context.Context) (int, error) {
		return i.store.CountUnreadNotifications(ctx, companyID, userID)
	})
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkAsRead flips the given notifications of the user to read. Ids of other
// users or already read ones are ignored, so repeating a call is harmless.
// The unread count is recomputed from the store, never from the cache.
func (i *Inbox) MarkAsRead(ctx context.Context, companyID, userID uuid.UUID, ids []uuid.UUID) (*ReadResult, error) {
	updated, err := i.store.MarkNotificationsRead(ctx, companyID, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark notifications read: %w", err)
	}
	if updated == nil {
		updated = []uuid.UUID{}
	}

	i.cache.InvalidateUser(ctx, userID.String(), companyID.String(), NSNotificationList, NSNotificationUnread)

	unread, err := i.store.CountUnreadNotifications(ctx, companyID, userID)
	if err != nil {
		return nil, fmt.Errorf("count unread notifications: %w", err)
	}

	result := &ReadResult{UpdatedIDs: updated, UnreadCount: unread}
	i.broadcaster.Broadcast(ctx, UserRoom(userID), EventNotificationRead, result)
	return result, nil
}

// Create enqueues a notification built by a trusted caller. workflowID makes
// repeated submissions collapse into one job; empty means a fresh workflow.
func (i *Inbox) Create(ctx context.Context, p Payload, workflowID string) (string, error) {
	if workflowID == "" {
		workflowID = "api:" + uuid.NewString()
	}
	job := Job{Payload: p, WorkflowID: workflowID}
	if err := job.Validate(); err != nil {
		return "", err
	}

	opts := i.jobDefaults
	opts.JobID = workflowID
	id, err := i.queue.Enqueue(ctx, queue.NotificationsQueue, job, opts)
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	i.logger.Info("notification accepted",
		zap.String("job_id", id),
		zap.String("user_id", p.UserID.String()),
		zap.String("type", p.NotificationType),
	)
	return id, nil
}
