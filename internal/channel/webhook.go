package channel

import (
	"strconv"
	"time"
)

// WebhookPayload mirrors the Cloud API webhook envelope. Only the fields the
// bot consumes are declared.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Messages         []WebhookMessage `json:"messages"`
}

// WebhookMessage is one inbound message inside a webhook delivery. Timestamp
// is Unix seconds as a decimal string.
type WebhookMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *TextContent  `json:"text,omitempty"`
	Audio     *AudioContent `json:"audio,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type AudioContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// ArrivedAt parses the message timestamp, falling back to now when absent or
// malformed.
func (m WebhookMessage) ArrivedAt(now time.Time) time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs <= 0 {
		return now
	}
	return time.Unix(secs, 0)
}

// webhookObject is the envelope object the Cloud API sets on message
// deliveries. Anything else is not for this subscription.
const webhookObject = "whatsapp_business_account"

// ForBot reports whether the envelope is a Cloud API business-account
// delivery.
func (p WebhookPayload) ForBot() bool {
	return p.Object == webhookObject
}

// Flatten walks the webhook envelope and returns every message across all
// entries, in delivery order. Changes for fields other than "messages"
// (status updates, template events) carry no messages and are skipped.
func (p WebhookPayload) Flatten() []WebhookMessage {
	var out []WebhookMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}
