package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/db"
	"github.com/lalithlochan/ledgerdesk/internal/delivery"
	"github.com/lalithlochan/ledgerdesk/internal/errs"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

// Real-time events sent by this package.
const (
	EventNotificationNew  = "notification:new"
	EventNotificationRead = "notification:read"
)

// Cache namespaces owned by the notification read paths.
const (
	NSNotificationList   = "notifications:list"
	NSNotificationUnread = "notifications:unread"
)

// UserRoom is the real-time room of every connection a user holds.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// Store is the persistence the dispatcher and inbox need.
type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) (bool, error)
	ListNotifications(ctx context.Context, companyID, recipientID uuid.UUID, limit int) ([]db.Notification, error)
	CountUnreadNotifications(ctx context.Context, companyID, recipientID uuid.UUID) (int, error)
	MarkNotificationsRead(ctx context.Context, companyID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	LookupContact(ctx context.Context, companyID, userID uuid.UUID) (*db.Contact, error)
	ChannelPreferences(ctx context.Context, companyID, userID uuid.UUID, notificationType string) (map[string]bool, error)
}

// Broadcaster pushes an event to every connection in a room on every process.
// It is best-effort and never fails the caller.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload any)
}

// Ledger records which channels of a workflow were already delivered.
type Ledger interface {
	Delivered(ctx context.Context, workflowID, channel string) (bool, error)
	MarkDelivered(ctx context.Context, workflowID, channel string) error
}

type DispatcherConfig struct {
	// AppBaseURL turns relative notification links into absolute ones for
	// email and SMS.
	AppBaseURL string
}

// Dispatcher delivers one notification job over its resolved channels.
type Dispatcher struct {
	store       Store
	cache       *redis.Cache
	ledger      Ledger
	broadcaster Broadcaster
	sender      delivery.Sender
	config      DispatcherConfig
	logger      *zap.Logger
}

func NewDispatcher(store Store, cache *redis.Cache, ledger Ledger, broadcaster Broadcaster, sender delivery.Sender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		cache:       cache,
		ledger:      ledger,
		broadcaster: broadcaster,
		sender:      sender,
		config:      cfg,
		logger:      logger,
	}
}

// Handle decodes a queue job and dispatches it. It is the worker pool's
// handler for the notifications queue.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	var nj Job
	if err := job.Decode(&nj); err != nil {
		return errs.Permanent("decode job", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if nj.WorkflowID == "" {
		nj.WorkflowID = job.ID
	}
	return d.Dispatch(ctx, &nj)
}

// Dispatch delivers every resolved channel of the job. Channels already
// delivered by an earlier attempt of the same workflow are skipped. A
// retryable failure on any channel fails the whole attempt so the queue
// retries it; a permanent failure is final once the optional fallback has
// been tried.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return errs.Permanent("dispatch", err)
	}
	p := &job.Payload
	log := d.logger.With(
		zap.String("workflow_id", job.WorkflowID),
		zap.String("company_id", p.CompanyID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("type", p.NotificationType),
	)

	prefs, err := d.store.ChannelPreferences(ctx, p.CompanyID, p.UserID, p.NotificationType)
	if err != nil {
		return errs.Retryable("load preferences", err)
	}
	channels := ResolveChannels(p.Channels.Requested(), prefs)
	if len(channels) == 0 {
		log.Info("user opted out of every channel, nothing to send")
		return nil
	}

	results := make(map[string]error, len(channels)+1)
	for _, ch := range channels {
		results[ch] = d.deliverOnce(ctx, job, ch, log)
	}

	var retryable, permanent []error
	for _, ch := range channels {
		err := results[ch]
		if err == nil {
			continue
		}
		if !errs.IsPermanent(err) {
			retryable = append(retryable, err)
			continue
		}

		alt := alternate(ch)
		if !p.Fallback || alt == "" {
			permanent = append(permanent, err)
			continue
		}
		if altErr, tried := results[alt]; tried {
			// The alternate went out in this dispatch, so the user has
			// been reached.
			if altErr == nil {
				log.Warn("channel failed permanently, alternate already delivered",
					zap.String("channel", ch), zap.String("alternate", alt), zap.Error(err))
				continue
			}
			permanent = append(permanent, err)
			continue
		}

		log.Warn("channel failed permanently, trying fallback",
			zap.String("channel", ch), zap.String("fallback", alt), zap.Error(err))
		ferr := d.deliverOnce(ctx, job, alt, log)
		results[alt] = ferr
		if ferr != nil {
			if errs.IsPermanent(ferr) {
				permanent = append(permanent, err, ferr)
			} else {
				retryable = append(retryable, ferr)
			}
		}
	}

	switch {
	case len(retryable) > 0:
		return errs.Retryable("dispatch", errors.Join(append(retryable, permanent...)...))
	case len(permanent) > 0:
		return errs.Permanent("dispatch", errors.Join(permanent...))
	}
	return nil
}

// deliverOnce sends one channel unless the ledger says it already went out.
func (d *Dispatcher) deliverOnce(ctx context.Context, job *Job, ch string, log *zap.Logger) error {
	done, err := d.ledger.Delivered(ctx, job.WorkflowID, ch)
	if err != nil {
		// Without the ledger a resend is possible; at-least-once allows it.
		log.Warn("delivery ledger unavailable", zap.String("channel", ch), zap.Error(err))
	}
	if done {
		metrics.RecordDelivery(ch, "skipped")
		log.Debug("channel already delivered", zap.String("channel", ch))
		return nil
	}

	switch ch {
	case ChannelInApp:
		err = d.deliverInApp(ctx, job, log)
	case ChannelEmail, ChannelSMS:
		err = d.deliverExternal(ctx, job, ch, log)
	default:
		err = errs.Permanent("dispatch", fmt.Errorf("unknown channel %q", ch))
	}
	if err != nil {
		metrics.RecordDelivery(ch, "failed")
		return err
	}

	metrics.RecordDelivery(ch, "delivered")
	if err := d.ledger.MarkDelivered(ctx, job.WorkflowID, ch); err != nil {
		log.Warn("failed to record delivery", zap.String("channel", ch), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) deliverInApp(ctx context.Context, job *Job, log *zap.Logger) error {
	p := &job.Payload
	dedupe := job.WorkflowID + ":" + ChannelInApp

	n := &db.Notification{
		CompanyID:   p.CompanyID,
		RecipientID: p.UserID,
		Type:        p.NotificationType,
		Title:       p.Title,
		Message:     p.Message,
		Link:        p.Link,
		Metadata:    p.metadataJSON(),
		DedupeKey:   &dedupe,
	}
	created, err := d.store.CreateNotification(ctx, n)
	if err != nil {
		return errs.Retryable("insert notification", errs.FromContext("insert notification", err))
	}

	d.cache.InvalidateUser(ctx, p.UserID.String(), p.CompanyID.String(), NSNotificationList, NSNotificationUnread)

	if !created {
		log.Info("notification already stored by an earlier attempt")
		return nil
	}
	d.broadcaster.Broadcast(ctx, UserRoom(p.UserID), EventNotificationNew, n)
	log.Info("in-app notification stored", zap.String("notification_id", n.ID.String()))
	return nil
}

func (d *Dispatcher) deliverExternal(ctx context.Context, job *Job, ch string, log *zap.Logger) error {
	p := &job.Payload

	to, err := d.resolveAddress(ctx, p, ch)
	if err != nil {
		return err
	}

	msg := d.render(job, ch, to)
	if err := d.sender.Send(ctx, msg); err != nil {
		log.Warn("channel send failed", zap.String("channel", ch), zap.Error(err))
		return err
	}
	log.Info("notification sent", zap.String("channel", ch))
	return nil
}

// resolveAddress prefers an address given in the payload and otherwise asks
// the user directory.
func (d *Dispatcher) resolveAddress(ctx context.Context, p *Payload, ch string) (string, error) {
	if ch == ChannelEmail && p.Channels.Email != nil && p.Channels.Email.To != "" {
		return p.Channels.Email.To, nil
	}
	if ch == ChannelSMS && p.Channels.SMS != nil && p.Channels.SMS.To != "" {
		return p.Channels.SMS.To, nil
	}

	contact, err := d.store.LookupContact(ctx, p.CompanyID, p.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return "", errs.Permanent("lookup recipient", fmt.Errorf("unknown recipient %s", p.UserID))
	}
	if err != nil {
		return "", errs.Retryable("lookup recipient", err)
	}

	var addr *string
	if ch == ChannelEmail {
		addr = contact.Email
	} else {
		addr = contact.Phone
	}
	if addr == nil || strings.TrimSpace(*addr) == "" {
		return "", errs.Permanent("lookup recipient", fmt.Errorf("recipient %s has no %s address", p.UserID, ch))
	}
	return strings.TrimSpace(*addr), nil
}
