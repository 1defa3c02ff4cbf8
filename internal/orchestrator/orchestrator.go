// Package orchestrator holds the conversation state machine: one inbound
// event in, one outbound action out, with the session store, the agent, and
// the ledger coordinated under a per-identity lock.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/watssabi-collector/server/internal/agent"
	errx "github.com/watssabi-collector/server/internal/core/error"
	"github.com/watssabi-collector/server/internal/gateway"
	"github.com/watssabi-collector/server/internal/ledger"
	"github.com/watssabi-collector/server/internal/session"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// FallbackReply is the static message sent when upstream calls fail within
// budget. Never model-generated.
const FallbackReply = "Sorry, I'm having a little trouble right now. Could you send that again in a moment?"

// completionReply is used when the model completes without a closing message.
const completionReply = "Thank you! Your information has been saved."

// Config holds the orchestration budgets sourced from the environment.
type Config struct {
	MaxAgentAttempts  int    `envconfig:"ORCH_MAX_AGENT_ATTEMPTS" default:"3"`
	MaxCommitAttempts int    `envconfig:"ORCH_MAX_COMMIT_ATTEMPTS" default:"3"`
	MaxPutAttempts    int    `envconfig:"ORCH_MAX_PUT_ATTEMPTS" default:"3"`
	RetryInitialWait  string `envconfig:"ORCH_RETRY_INITIAL_WAIT" default:"200ms"`
}

// AgentClient is the slice of the agent the orchestrator needs.
type AgentClient interface {
	Ask(ctx context.Context, s *session.Session) (*agent.Result, error)
}

// OutboundAction is the computed reply for the caller to deliver through the
// message gateway.
type OutboundAction struct {
	Reply string
	// Terminal marks the reply that closed the collection.
	Terminal bool
	// Duplicate marks an idempotent replay of a previously computed reply.
	Duplicate bool
}

type Orchestrator struct {
	store        session.Store
	locker       session.Locker
	agent        AgentClient
	ledger       ledger.Ledger
	cfg          Config
	sessionCfg   session.Config
	retryInitial time.Duration
}

func New(store session.Store, locker session.Locker, agentClient AgentClient, led ledger.Ledger, cfg Config, sessionCfg session.Config) *Orchestrator {
	wait, err := time.ParseDuration(cfg.RetryInitialWait)
	if err != nil || wait <= 0 {
		wait = 200 * time.Millisecond
	}
	return &Orchestrator{
		store:        store,
		locker:       locker,
		agent:        agentClient,
		ledger:       led,
		cfg:          cfg,
		sessionCfg:   sessionCfg,
		retryInitial: wait,
	}
}

// HandleEvent applies one inbound event to its conversation. Events for the
// same identity are serialized by the lock for the whole call, external
// agent and ledger calls included: a computed agent decision must never be
// applied without the matching session write.
func (o *Orchestrator) HandleEvent(ctx context.Context, event gateway.InboundEvent) (OutboundAction, error) {
	if event.EventID == "" || event.ConversationID == "" {
		return OutboundAction{}, errx.Malformed(fmt.Errorf("event missing identifier or identity"))
	}

	release, err := o.locker.Acquire(ctx, event.ConversationID)
	if err != nil {
		return OutboundAction{}, err
	}
	defer release(context.WithoutCancel(ctx))

	log := logx.With().
		Str("conversation_id", event.ConversationID).
		Str("event_id", event.EventID).
		Logger()

	s, err := o.store.Get(ctx, event.ConversationID)
	switch {
	case err == nil:
	case errx.IsNotFound(err):
		s = nil
	default:
		return OutboundAction{}, err
	}

	// An earlier completion whose commit never landed is retried before
	// anything else. The agent decision was already made; only the write is
	// outstanding.
	if s != nil && s.PendingCommit {
		if err := o.commitSession(ctx, s); err != nil {
			log.Error().Err(err).Msg("deferred ledger commit still failing; completed collection at risk")
			if !s.Seen(event.EventID) {
				// A genuinely new message must not rotate the session while
				// the collection is uncommitted: the fresh epoch write would
				// overwrite the only copy of the collected fields. Hold the
				// dialogue with the fallback and keep the pending record
				// alive until the ledger comes back.
				s.Apply(event.EventID, o.sessionCfg.DedupWindow)
				s.LastReply = FallbackReply
				if perr := o.putWithRetry(ctx, s); perr != nil {
					log.Error().Err(perr).Msg("failed to refresh pending session")
					return OutboundAction{}, perr
				}
				return OutboundAction{Reply: FallbackReply}, nil
			}
		} else {
			s.PendingCommit = false
			if err := o.store.Put(ctx, s); err != nil {
				log.Warn().Err(err).Msg("failed to persist cleared pending-commit flag")
			}
		}
	}

	// Duplicate delivery: replay the recorded reply, never the agent.
	if s != nil && s.Seen(event.EventID) {
		log.Info().Msg("duplicate delivery, replaying recorded reply")
		return OutboundAction{Reply: s.LastReply, Terminal: s.Terminal(), Duplicate: true}, nil
	}

	// Terminal sessions are immutable. A genuinely new message starts a
	// fresh dialogue under a salted identity.
	if s == nil || s.Terminal() {
		s, err = o.startSession(ctx, event.ConversationID, s)
		if err != nil {
			return OutboundAction{}, err
		}
		log.Info().Str("record_id", s.RecordID()).Msg("session created")
	}

	o.recordAudit(ctx, event)

	s.AppendTurn(session.RoleUser, event.Body, o.sessionCfg.HistoryWindow)

	result, askErr := o.askWithRetry(ctx, s)

	var action OutboundAction
	switch {
	case askErr == nil:
		action, err = o.applyResult(ctx, s, result, log)
		if err != nil {
			return OutboundAction{}, err
		}
	case errx.IsTransient(askErr):
		log.Warn().Err(askErr).Msg("agent attempts exhausted, sending fallback")
		action = OutboundAction{Reply: FallbackReply}
	case errx.IsPermanent(askErr):
		log.Warn().Err(askErr).Msg("agent rejected the turn, sending fallback")
		action = OutboundAction{Reply: FallbackReply}
	default:
		return OutboundAction{}, askErr
	}

	// Reply and watermark go down in the same write: a redelivery after this
	// point replays the reply instead of re-invoking the agent.
	s.Apply(event.EventID, o.sessionCfg.DedupWindow)
	s.LastReply = action.Reply
	if err := o.putWithRetry(ctx, s); err != nil {
		log.Error().Err(err).Msg("session write failed after computed reply")
		return OutboundAction{}, err
	}

	return action, nil
}

// startSession creates the working session for the identity. The ledger key
// gets a fresh suffix whenever a completed record already exists, so a
// finished collection is never overwritten.
func (o *Orchestrator) startSession(ctx context.Context, conversationID string, prior *session.Session) (*session.Session, error) {
	if prior != nil {
		// Store still holds the finished dialogue.
		return session.New(conversationID, uuid.NewString()), nil
	}

	committed, err := o.ledger.HasRecord(ctx, conversationID)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("could not check for prior collection record")
		committed = false
	}
	epoch := ""
	if committed {
		epoch = uuid.NewString()
	}
	return session.New(conversationID, epoch), nil
}

// applyResult folds the agent decision into the session and produces the
// outbound reply. On completion the ledger commit happens here, before the
// session write marks the dialogue immutable.
func (o *Orchestrator) applyResult(ctx context.Context, s *session.Session, result *agent.Result, log zerolog.Logger) (OutboundAction, error) {
	switch result.Kind {
	case agent.KindAsk:
		s.AppendTurn(session.RoleAssistant, result.Question, o.sessionCfg.HistoryWindow)
		return OutboundAction{Reply: result.Question}, nil

	case agent.KindExtract:
		s.SetField(result.Field, result.Value)
		reply := result.Question
		if reply == "" {
			reply = "Got it, thank you!"
		}
		s.AppendTurn(session.RoleAssistant, reply, o.sessionCfg.HistoryWindow)
		log.Debug().Str("field", result.Field).Msg("field extracted")
		return OutboundAction{Reply: reply}, nil

	case agent.KindComplete:
		s.MergeFields(sortedFields(result.Fields))
		s.State = session.StateCompleted

		reply := result.Reply
		if reply == "" {
			reply = completionReply
		}
		s.AppendTurn(session.RoleAssistant, reply, o.sessionCfg.HistoryWindow)

		if err := o.commitSession(ctx, s); err != nil {
			// The decision stands; only the write is outstanding. The session
			// stays COMPLETED with the commit flagged for retry on the next
			// delivery. Losing a completed collection is an operator incident.
			s.PendingCommit = true
			log.Error().Err(err).Str("record_id", s.RecordID()).
				Msg("ledger commit exhausted retries; collection pending, operator attention required")
		}
		log.Info().Str("record_id", s.RecordID()).Int("fields", len(s.Fields)).Msg("collection completed")
		return OutboundAction{Reply: reply, Terminal: true}, nil

	default:
		return OutboundAction{}, fmt.Errorf("unhandled agent result kind %q", result.Kind)
	}
}

// askWithRetry invokes the agent with bounded exponential backoff on
// transient failures. Permanent failures stop immediately.
func (o *Orchestrator) askWithRetry(ctx context.Context, s *session.Session) (*agent.Result, error) {
	var result *agent.Result
	op := func() error {
		r, err := o.agent.Ask(ctx, s)
		if err != nil {
			if errx.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	if err := backoff.Retry(op, o.newBackOff(ctx, o.cfg.MaxAgentAttempts)); err != nil {
		return nil, err
	}
	return result, nil
}

// commitSession writes the collection record with bounded retries. The
// commit is idempotent on the ledger side, so retrying a possibly-landed
// write is safe.
func (o *Orchestrator) commitSession(ctx context.Context, s *session.Session) error {
	op := func() error {
		_, err := o.ledger.Commit(ctx, ledger.CollectionRecord{
			ConversationID: s.RecordID(),
			Fields:         s.FieldMap(),
			CompletedAt:    s.UpdatedAt,
		})
		return err
	}
	return backoff.Retry(op, o.newBackOff(ctx, o.cfg.MaxCommitAttempts))
}

func (o *Orchestrator) putWithRetry(ctx context.Context, s *session.Session) error {
	op := func() error {
		return o.store.Put(ctx, s)
	}
	return backoff.Retry(op, o.newBackOff(ctx, o.cfg.MaxPutAttempts))
}

func (o *Orchestrator) newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryInitial
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// recordAudit appends the raw delivery to the ledger's audit log.
// Best-effort: audit unavailability must not block the dialogue.
func (o *Orchestrator) recordAudit(ctx context.Context, event gateway.InboundEvent) {
	err := o.ledger.RecordEvent(ctx, ledger.EventRecord{
		EventID:        event.EventID,
		ConversationID: event.ConversationID,
		Body:           event.Body,
		ReceivedAt:     event.ReceivedAt,
	})
	if err != nil {
		logx.Warn().Err(err).Str("event_id", event.EventID).Msg("failed to append inbound event audit row")
	}
}

// sortedFields renders a completion map in stable order for the merge.
func sortedFields(fields map[string]string) []session.Field {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]session.Field, 0, len(names))
	for _, name := range names {
		out = append(out, session.Field{Name: name, Value: fields[name]})
	}
	return out
}
