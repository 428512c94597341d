// Package events defines the business events that can trigger notifications
// and the in-process bus that delivers them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event on the bus.
type Type string

const (
	TypePaymentReceived    Type = "payment.received"
	TypeInvoiceSent        Type = "invoice.sent"
	TypeTransactionCreated Type = "transaction.created"
	TypeDailySummary       Type = "daily.summary"
	TypeMessageSent        Type = "message.sent"
)

// Event is implemented only by the types in this package, so a type switch
// over them can be checked for exhaustiveness when a new event is added.
type Event interface {
	Type() Type
	Meta() Base
	event()
}

// Base carries the fields every event has. A zero Timestamp means "now" to
// consumers.
type Base struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	CompanyID uuid.UUID `json:"companyId"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (b Base) Meta() Base { return b }
func (Base) event()       {}

// NewBase stamps a fresh event id for the given user and company.
func NewBase(userID, companyID uuid.UUID) Base {
	return Base{ID: uuid.New(), UserID: userID, CompanyID: companyID, Timestamp: time.Now().UTC()}
}

type PaymentReceived struct {
	Base
	Amount    float64    `json:"amount"`
	Currency  string     `json:"currency"`
	InvoiceID *uuid.UUID `json:"invoiceId,omitempty"`
	PayerName string     `json:"payerName,omitempty"`
}

func (PaymentReceived) Type() Type { return TypePaymentReceived }

type InvoiceSent struct {
	Base
	InvoiceID     uuid.UUID `json:"invoiceId"`
	InvoiceNumber string    `json:"invoiceNumber"`
	CustomerName  string    `json:"customerName"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
}

func (InvoiceSent) Type() Type { return TypeInvoiceSent }

type TransactionCreated struct {
	Base
	TransactionID uuid.UUID `json:"transactionId"`
	Description   string    `json:"description"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
}

func (TransactionCreated) Type() Type { return TypeTransactionCreated }

type DailySummary struct {
	Base
	Date            string  `json:"date"`
	PaymentsCount   int     `json:"paymentsCount"`
	PaymentsTotal   float64 `json:"paymentsTotal"`
	InvoicesSent    int     `json:"invoicesSent"`
	OverdueInvoices int     `json:"overdueInvoices"`
	Currency        string  `json:"currency"`
}

func (DailySummary) Type() Type { return TypeDailySummary }

// MessageSent is emitted for each channel member who was offline when a chat
// message arrived. UserID is the recipient.
type MessageSent struct {
	Base
	ChannelID  uuid.UUID `json:"channelId"`
	MessageID  uuid.UUID `json:"messageId"`
	SenderID   uuid.UUID `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Preview    string    `json:"preview"`
}

func (MessageSent) Type() Type { return TypeMessageSent }
