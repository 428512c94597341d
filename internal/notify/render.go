package notify

import (
	"strings"

	"github.com/lalithlochan/ledgerdesk/internal/delivery"
)

// render builds the minimal outbound message for an external channel. Full
// email templates belong to the gateway.
func (d *Dispatcher) render(job *Job, ch, to string) *delivery.Message {
	p := &job.Payload

	link := ""
	if p.Link != nil && *p.Link != "" {
		link = absoluteLink(d.config.AppBaseURL, *p.Link)
	}

	msg := &delivery.Message{
		ID:        job.WorkflowID + ":" + ch,
		Channel:   ch,
		CompanyID: p.CompanyID.String(),
		To:        to,
		Link:      link,
	}

	switch ch {
	case ChannelEmail:
		msg.Subject = p.Title
		if p.Channels.Email != nil && p.Channels.Email.Subject != "" {
			msg.Subject = p.Channels.Email.Subject
		}
		var b strings.Builder
		b.WriteString(p.Message)
		if link != "" {
			b.WriteString("\n\n")
			b.WriteString(link)
		}
		msg.Body = b.String()
	case ChannelSMS:
		msg.Body = p.Title + ": " + p.Message
		if link != "" {
			msg.Body += " " + link
		}
	}
	return msg
}

func absoluteLink(base, link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") || base == "" {
		return link
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(link, "/")
}
