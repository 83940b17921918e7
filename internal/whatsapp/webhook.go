package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign computes the X-Hub-Signature-256 header value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

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
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []InboundMessage `json:"messages"`
	Statuses []StatusUpdate   `json:"statuses"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
	Context *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context,omitempty"`
}

type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors,omitempty"`
}

func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &p, nil
}

type EventKind string

const (
	EventStatus EventKind = "status"
	EventReply  EventKind = "reply"
)

// Event is one status change or inbound message.
type Event struct {
	Kind EventKind
	// MessageID is the id of our outbound message: the status subject, or
	// the message a reply quotes. Empty for unquoted replies.
	MessageID string
	// Phone is the contact's number in E.164.
	Phone      string
	Status     string // sent, delivered, read, failed
	Text       string
	Error      string
	OccurredAt time.Time
}

// Events flattens the payload into events ordered by time.
func (p *WebhookPayload) Events() []Event {
	var events []Event
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, st := range change.Value.Statuses {
				ev := Event{
					Kind:       EventStatus,
					MessageID:  st.ID,
					Phone:      e164(st.RecipientID),
					Status:     strings.ToLower(st.Status),
					OccurredAt: parseUnix(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					ev.Error = fmt.Sprintf("%d: %s", st.Errors[0].Code, st.Errors[0].Title)
				}
				events = append(events, ev)
			}
			for _, msg := range change.Value.Messages {
				ev := Event{
					Kind:       EventReply,
					Phone:      e164(msg.From),
					OccurredAt: parseUnix(msg.Timestamp),
				}
				switch {
				case msg.Text != nil:
					ev.Text = msg.Text.Body
				case msg.Button != nil:
					ev.Text = msg.Button.Text
				}
				if msg.Context != nil {
					ev.MessageID = msg.Context.ID
				}
				events = append(events, ev)
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events
}

func e164(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}

func parseUnix(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
