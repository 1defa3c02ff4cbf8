package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	errx "github.com/watssabi-collector/server/internal/core/error"
	"github.com/watssabi-collector/server/internal/session"
)

// fakeChatModel scripts Generate responses and records the prompt it saw.
type fakeChatModel struct {
	content string
	err     error
	seen    []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.content, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func newTestSession() *session.Session {
	s := session.New("whatsapp:+15550001", "")
	s.SetField("full_name", "Ada")
	s.AppendTurn(session.RoleUser, "hi there", 10)
	s.AppendTurn(session.RoleAssistant, "What is your name?", 10)
	s.AppendTurn(session.RoleUser, "Ada", 10)
	return s
}

func TestAskBuildsPromptFromSnapshot(t *testing.T) {
	fake := &fakeChatModel{content: `{"action":"ask","next_question":"How can we reach you?"}`}
	client := NewClient(fake, PromptConfig{BusinessName: "Watssabi", RequiredFields: "full_name,contact"}, time.Second)

	r, err := client.Ask(context.Background(), newTestSession())
	require.NoError(t, err)
	assert.Equal(t, KindAsk, r.Kind)

	require.Len(t, fake.seen, 4, "system prompt plus three turns")
	system := fake.seen[0]
	assert.Equal(t, schema.System, system.Role)
	assert.Contains(t, system.Content, "full_name")
	assert.Contains(t, system.Content, "Already collected")
	assert.Contains(t, system.Content, "full_name: Ada")
	assert.Equal(t, schema.User, fake.seen[1].Role)
	assert.Equal(t, schema.Assistant, fake.seen[2].Role)
	assert.Equal(t, "Ada", fake.seen[3].Content)
}

func TestAskClassifiesTimeoutAsTransient(t *testing.T) {
	fake := &fakeChatModel{err: context.DeadlineExceeded}
	client := NewClient(fake, PromptConfig{}, time.Second)

	_, err := client.Ask(context.Background(), newTestSession())
	require.Error(t, err)
	assert.True(t, errx.IsTransient(err))
}

func TestAskClassifiesProviderStatus(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		transient bool
	}{
		{"rate limited", 429, true},
		{"server error", 503, true},
		{"bad request", 400, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeChatModel{err: genai.APIError{Code: tc.code, Message: tc.name}}
			client := NewClient(fake, PromptConfig{}, time.Second)

			_, err := client.Ask(context.Background(), newTestSession())
			require.Error(t, err)
			if tc.transient {
				assert.True(t, errx.IsTransient(err))
			} else {
				assert.True(t, errx.IsPermanent(err))
			}
		})
	}
}

func TestAskEmptyContentIsPermanent(t *testing.T) {
	fake := &fakeChatModel{content: ""}
	client := NewClient(fake, PromptConfig{}, time.Second)

	_, err := client.Ask(context.Background(), newTestSession())
	require.Error(t, err)
	assert.True(t, errx.IsPermanent(err))
}

func TestAskNonConformingContentIsPermanent(t *testing.T) {
	fake := &fakeChatModel{content: "Hello! Happy to help."}
	client := NewClient(fake, PromptConfig{}, time.Second)

	_, err := client.Ask(context.Background(), newTestSession())
	require.Error(t, err)
	assert.True(t, errx.IsPermanent(err))
}

func TestPromptConfigRequired(t *testing.T) {
	cfg := PromptConfig{RequiredFields: "full_name, contact , ,budget"}
	assert.Equal(t, []string{"full_name", "contact", "budget"}, cfg.Required())
	assert.False(t, strings.Contains(strings.Join(cfg.Required(), ","), " "))
}
