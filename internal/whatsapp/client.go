package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chirp/internal/config"
	"chirp/internal/metrics"
	"chirp/internal/utils/logger"

	"github.com/hashicorp/go-retryablehttp"
)

var ErrNotConfigured = errors.New("whatsapp client is not configured")

// APIError is an error response of the Cloud API.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	TraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a non-retryable API error.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	http          *retryablehttp.Client
	baseURL       string
	phoneNumberID string
	token         string
	logger        *logger.Logger
}

func NewClient(cfg config.WhatsAppConfig) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &Client{
		http:          rc,
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		logger:        logger.New("WHATSAPP"),
	}
}

func (c *Client) Configured() bool {
	return c.phoneNumberID != "" && c.token != ""
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type outgoingMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

// SendText sends a free-form text message to an E.164 number and returns the
// WhatsApp message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, outgoingMessage{
		Type: "text",
		To:   to,
		Text: &textBody{PreviewURL: true, Body: body},
	})
}

// SendTemplate sends an approved template with positional body parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, lang string, params []string) (string, error) {
	tpl := &templateBody{Name: name, Language: map[string]string{"code": lang}}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParam{Type: "text", Text: p})
		}
		tpl.Components = []templateComponent{comp}
	}
	return c.send(ctx, outgoingMessage{Type: "template", To: to, Template: tpl})
}

func (c *Client) send(ctx context.Context, msg outgoingMessage) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"
	msg.To = strings.TrimPrefix(msg.To, "+")

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to send whatsapp message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read whatsapp response: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		apiErr := out.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return "", apiErr
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return "", fmt.Errorf("whatsapp response has no message id")
	}

	metrics.MessagesSent.WithLabelValues("sent").Inc()
	c.logger.Debug("sent %s message %s", msg.Type, out.Messages[0].ID)
	return out.Messages[0].ID, nil
}
