package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errx "github.com/watssabi-collector/server/internal/core/error"
	"github.com/watssabi-collector/server/internal/gateway"
	"github.com/watssabi-collector/server/internal/orchestrator"
)

type stubNormalizer struct {
	event gateway.InboundEvent
	err   error
}

func (s *stubNormalizer) Normalize(*http.Request) (gateway.InboundEvent, error) {
	return s.event, s.err
}

type stubHandler struct {
	action orchestrator.OutboundAction
	err    error
	calls  int
}

func (s *stubHandler) HandleEvent(context.Context, gateway.InboundEvent) (orchestrator.OutboundAction, error) {
	s.calls++
	return s.action, s.err
}

type stubMessenger struct {
	sentTo   string
	sentBody string
	err      error
}

func (s *stubMessenger) Send(_ context.Context, conversationID, body string) error {
	s.sentTo = conversationID
	s.sentBody = body
	return s.err
}

func postWebhook(t *testing.T, router http.Handler) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{}
	form.Set("Body", "hello")
	r := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func sampleEvent() gateway.InboundEvent {
	return gateway.InboundEvent{
		EventID:        "SM123",
		ConversationID: "whatsapp:+15550001",
		Body:           "hello",
		ReceivedAt:     time.Now().UTC(),
	}
}

func TestWebhookDeliversReplyThroughMessenger(t *testing.T) {
	handler := &stubHandler{action: orchestrator.OutboundAction{Reply: "What is your name?"}}
	messenger := &stubMessenger{}
	srv := NewServer(&stubNormalizer{event: sampleEvent()}, handler, messenger)

	w := postWebhook(t, srv.Router())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, "whatsapp:+15550001", messenger.sentTo)
	assert.Equal(t, "What is your name?", messenger.sentBody)
}

func TestWebhookMalformedPayloadIsRejectedWithoutReply(t *testing.T) {
	handler := &stubHandler{}
	messenger := &stubMessenger{}
	norm := &stubNormalizer{err: errx.Malformed(errors.New("missing MessageSid"))}
	srv := NewServer(norm, handler, messenger)

	w := postWebhook(t, srv.Router())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, handler.calls, "rejected payloads never reach the orchestrator")
	assert.Empty(t, messenger.sentTo, "no destination to reply to")
}

func TestWebhookHandlerFailureReturnsServerError(t *testing.T) {
	handler := &stubHandler{err: errx.Persistence(errors.New("store down"))}
	messenger := &stubMessenger{}
	srv := NewServer(&stubNormalizer{event: sampleEvent()}, handler, messenger)

	w := postWebhook(t, srv.Router())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, messenger.sentTo)
}

func TestWebhookSendFailureStillAcks(t *testing.T) {
	handler := &stubHandler{action: orchestrator.OutboundAction{Reply: "hi"}}
	messenger := &stubMessenger{err: errx.Transient(errors.New("gateway 503"))}
	srv := NewServer(&stubNormalizer{event: sampleEvent()}, handler, messenger)

	w := postWebhook(t, srv.Router())

	// The webhook ack and the outbound delivery are independent; a failed
	// send is logged, not bounced back to the provider.
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookEmptyReplySendsNothing(t *testing.T) {
	handler := &stubHandler{action: orchestrator.OutboundAction{}}
	messenger := &stubMessenger{}
	srv := NewServer(&stubNormalizer{event: sampleEvent()}, handler, messenger)

	w := postWebhook(t, srv.Router())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, messenger.sentTo)
}

func TestHealthz(t *testing.T) {
	srv := NewServer(&stubNormalizer{}, &stubHandler{}, &stubMessenger{})

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
