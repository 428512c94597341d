package notify

import (
	"slices"

	"github.com/lalithlochan/ledgerdesk/internal/events"
)

// DefaultChannels is the channel policy for each event type when the user has
// no preference rows.
func DefaultChannels(t events.Type) Channels {
	switch t {
	case events.TypePaymentReceived:
		return Channels{InApp: &InAppOptions{}, Email: &EmailOptions{}}
	case events.TypeInvoiceSent, events.TypeTransactionCreated, events.TypeMessageSent:
		return Channels{InApp: &InAppOptions{}}
	case events.TypeDailySummary:
		return Channels{Email: &EmailOptions{}}
	default:
		return Channels{InApp: &InAppOptions{}}
	}
}

// ResolveChannels applies a user's explicit preferences to the requested
// channels. A disabled channel is dropped; an external channel the user
// enabled is added. An empty result means the user opted out of everything.
func ResolveChannels(requested []string, prefs map[string]bool) []string {
	out := make([]string, 0, len(requested)+2)
	for _, ch := range requested {
		if enabled, ok := prefs[ch]; ok && !enabled {
			continue
		}
		out = append(out, ch)
	}
	for _, ch := range []string{ChannelEmail, ChannelSMS} {
		if prefs[ch] && !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}
