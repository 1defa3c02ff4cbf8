package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	errx "github.com/watssabi-collector/server/internal/core/error"
)

// Config holds the Twilio messaging credentials and endpoints.
type Config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	FromNumber string `envconfig:"TWILIO_FROM_NUMBER" required:"true"`
	BaseURL    string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	// SkipSignatureCheck disables webhook signature validation. Development
	// only; never set in production.
	SkipSignatureCheck bool `envconfig:"TWILIO_SKIP_SIGNATURE_CHECK" default:"false"`
}

// InboundEvent is the canonical inbound message the orchestrator consumes.
// It is only ever fully constructed: a payload that fails validation yields
// no event at all.
type InboundEvent struct {
	EventID        string
	ConversationID string
	From           string
	To             string
	Body           string
	ReceivedAt     time.Time
}

// Messenger is the outbound side of the gateway.
type Messenger interface {
	Send(ctx context.Context, conversationID, body string) error
}

// Client talks to the Twilio Messages API and validates inbound webhooks.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Normalize validates an inbound webhook request and converts it into the
// canonical event. Validation is total: a missing identifier, sender, body,
// or a bad signature rejects the whole request with the malformed-payload
// kind and nothing reaches the orchestrator.
func (c *Client) Normalize(r *http.Request) (InboundEvent, error) {
	if err := r.ParseForm(); err != nil {
		return InboundEvent{}, errx.Malformed(fmt.Errorf("parse form: %w", err))
	}

	if !c.cfg.SkipSignatureCheck {
		if err := c.validateSignature(r); err != nil {
			return InboundEvent{}, err
		}
	}

	sid := strings.TrimSpace(r.PostFormValue("MessageSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))
	to := strings.TrimSpace(r.PostFormValue("To"))
	body := r.PostFormValue("Body")
	if sid == "" || from == "" || body == "" {
		return InboundEvent{}, errx.Malformed(fmt.Errorf("missing MessageSid, From, or Body"))
	}

	return InboundEvent{
		EventID:        sid,
		ConversationID: from,
		From:           from,
		To:             to,
		Body:           body,
		ReceivedAt:     time.Now().UTC(),
	}, nil
}

// validateSignature verifies X-Twilio-Signature: base64 HMAC-SHA1 of the
// canonical request URL concatenated with the sorted post parameters.
func (c *Client) validateSignature(r *http.Request) error {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return errx.Malformed(fmt.Errorf("missing X-Twilio-Signature header"))
	}

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(canonicalURL(r))
	for _, k := range keys {
		payload.WriteString(k)
		payload.WriteString(r.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(c.cfg.AuthToken))
	mac.Write([]byte(payload.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		c.logger.Warn().Msg("rejected webhook with invalid signature")
		return errx.Malformed(fmt.Errorf("invalid webhook signature"))
	}
	return nil
}

// canonicalURL reconstructs the URL Twilio signed, honoring the usual
// reverse-proxy forwarding headers.
func canonicalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		scheme = v
	}

	host := r.Host
	if v := r.Header.Get("X-Forwarded-Host"); v != "" {
		host = v
	} else if v := r.Header.Get("X-Original-Host"); v != "" {
		host = v
	}
	if port := r.Header.Get("X-Forwarded-Port"); port != "" && !strings.Contains(host, ":") {
		host = host + ":" + port
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

// Send delivers one outbound message through the Twilio Messages API.
// Non-2xx responses are transient: the orchestrator's caller may retry.
func (c *Client) Send(ctx context.Context, conversationID, body string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)

	form := url.Values{}
	form.Set("To", conversationID)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return errx.Transient(fmt.Errorf("twilio send: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("conversation_id", conversationID).
			Str("response", string(snippet)).
			Msg("twilio send failed")
		return errx.Transient(fmt.Errorf("twilio send: status %d", resp.StatusCode))
	}

	c.logger.Debug().Str("conversation_id", conversationID).Msg("outbound message delivered")
	return nil
}

var _ Messenger = (*Client)(nil)
