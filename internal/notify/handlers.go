package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/events"
	"github.com/lalithlochan/ledgerdesk/internal/queue"
)

// Enqueuer is the part of the queue the bus handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, data any, opts queue.Options) (string, error)
}

// BuildPayload maps a business event to the notification it produces.
func BuildPayload(e events.Event) (Payload, error) {
	meta := e.Meta()
	p := Payload{
		UserID:           meta.UserID,
		CompanyID:        meta.CompanyID,
		NotificationType: string(e.Type()),
		Channels:         DefaultChannels(e.Type()),
		Metadata:         map[string]any{"eventId": meta.ID.String()},
	}

	switch ev := e.(type) {
	case events.PaymentReceived:
		p.Title = "Payment Received"
		p.Message = fmt.Sprintf("You received a payment of %s", money(ev.Amount, ev.Currency))
		if ev.PayerName != "" {
			p.Message += " from " + ev.PayerName
		}
		p.Metadata["amount"] = ev.Amount
		p.Metadata["currency"] = ev.Currency
		if ev.InvoiceID != nil {
			p.Link = link("/invoices/" + ev.InvoiceID.String())
			p.Metadata["invoiceId"] = ev.InvoiceID.String()
		} else {
			p.Link = link("/payments")
		}
		p.Fallback = true

	case events.InvoiceSent:
		p.Title = "Invoice Sent"
		p.Message = fmt.Sprintf("Invoice %s for %s was sent to %s",
			ev.InvoiceNumber, money(ev.Amount, ev.Currency), ev.CustomerName)
		p.Link = link("/invoices/" + ev.InvoiceID.String())
		p.Metadata["invoiceId"] = ev.InvoiceID.String()

	case events.TransactionCreated:
		p.Title = "New Transaction"
		p.Message = fmt.Sprintf("%s: %s", ev.Description, money(ev.Amount, ev.Currency))
		p.Link = link("/transactions/" + ev.TransactionID.String())
		p.Metadata["transactionId"] = ev.TransactionID.String()

	case events.DailySummary:
		p.Title = "Daily Summary " + ev.Date
		p.Message = fmt.Sprintf("%d payments totalling %s, %d invoices sent, %d overdue",
			ev.PaymentsCount, money(ev.PaymentsTotal, ev.Currency), ev.InvoicesSent, ev.OverdueInvoices)
		p.Link = link("/dashboard")
		p.Fallback = true

	case events.MessageSent:
		p.Title = "New message"
		if ev.SenderName != "" {
			p.Title = "New message from " + ev.SenderName
		}
		p.Message = ev.Preview
		p.Link = link("/chat/" + ev.ChannelID.String())
		p.Metadata["channelId"] = ev.ChannelID.String()
		p.Metadata["messageId"] = ev.MessageID.String()

	default:
		return Payload{}, fmt.Errorf("no notification for event %T", e)
	}

	return p, nil
}

// WorkflowID identifies the notification work of one event across retries.
func WorkflowID(e events.Event) string {
	return string(e.Type()) + ":" + e.Meta().ID.String() + ":" + e.Meta().UserID.String()
}

// RegisterHandlers subscribes the notification pipeline to every event type.
// Each handler only enqueues; delivery happens in the worker pool.
func RegisterHandlers(bus *events.Bus, q Enqueuer, opts queue.Options, logger *zap.Logger) {
	handler := func(ctx context.Context, e events.Event) error {
		payload, err := BuildPayload(e)
		if err != nil {
			return err
		}

		job := Job{Payload: payload, WorkflowID: WorkflowID(e)}
		if err := job.Validate(); err != nil {
			return err
		}

		jobOpts := opts
		jobOpts.JobID = job.WorkflowID
		id, err := q.Enqueue(ctx, queue.NotificationsQueue, job, jobOpts)
		if err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}

		logger.Debug("notification enqueued",
			zap.String("job_id", id),
			zap.String("event", string(e.Type())),
		)
		return nil
	}

	for _, t := range []events.Type{
		events.TypePaymentReceived,
		events.TypeInvoiceSent,
		events.TypeTransactionCreated,
		events.TypeDailySummary,
		events.TypeMessageSent,
	} {
		bus.On(t, "notify.enqueue", handler)
	}
}

func money(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}

func link(path string) *string {
	return &path
}
