package session

import (
	"time"
)

// State is the lifecycle position of a conversation session. A session only
// exists in the store once the first message arrived, so the initial
// awaiting-first-message state is implicit in the key being absent.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	// StateAbandoned is reached passively: the store TTL evicts the key and
	// no reply is sent. It never appears in a persisted record.
	StateAbandoned State = "abandoned"
)

// Config holds conversation tuning sourced from the environment.
type Config struct {
	TTL           string `envconfig:"SESSION_TTL" default:"1h"`
	HistoryWindow int    `envconfig:"SESSION_HISTORY_WINDOW" default:"20"`
	DedupWindow   int    `envconfig:"SESSION_DEDUP_WINDOW" default:"8"`
	LockTTL       string `envconfig:"SESSION_LOCK_TTL" default:"30s"`
}

// Turn is one entry of the bounded dialogue history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Field is a single collected datum. Fields keep their first-insertion order;
// re-extraction of the same name overwrites the value in place.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Session is the per-identity dialogue state persisted between webhook
// deliveries. It is mutated only by the orchestrator while holding the
// identity's lock.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	Epoch          string    `json:"epoch,omitempty"`
	State          State     `json:"state"`
	Fields         []Field   `json:"fields"`
	Turns          []Turn    `json:"turns"`
	LastEventID    string    `json:"last_event_id"`
	RecentEventIDs []string  `json:"recent_event_ids,omitempty"`
	LastReply      string    `json:"last_reply,omitempty"`
	PendingCommit  bool      `json:"pending_commit,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New creates a fresh IN_PROGRESS session for the identity. epoch is empty
// for the identity's first dialogue and a unique suffix for any dialogue
// started after a previous one finished, so a completed record is never
// resurrected under the same ledger key.
func New(conversationID, epoch string) *Session {
	now := time.Now().UTC()
	return &Session{
		ConversationID: conversationID,
		Epoch:          epoch,
		State:          StateInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordID is the identity the durable ledger keys the collection record by.
func (s *Session) RecordID() string {
	if s.Epoch == "" {
		return s.ConversationID
	}
	return s.ConversationID + "#" + s.Epoch
}

// Terminal reports whether the session may no longer be mutated.
func (s *Session) Terminal() bool {
	return s.State == StateCompleted || s.State == StateAbandoned
}

// Seen reports whether eventID was already applied to this session, either as
// the current watermark or within the bounded recent-event window.
func (s *Session) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	if s.LastEventID == eventID {
		return true
	}
	for _, id := range s.RecentEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Apply advances the dedup watermark for eventID, keeping at most window
// prior identifiers for duplicate detection of out-of-order redeliveries.
func (s *Session) Apply(eventID string, window int) {
	if s.LastEventID != "" {
		s.RecentEventIDs = append(s.RecentEventIDs, s.LastEventID)
		if window > 0 && len(s.RecentEventIDs) > window {
			s.RecentEventIDs = s.RecentEventIDs[len(s.RecentEventIDs)-window:]
		}
	}
	s.LastEventID = eventID
	s.UpdatedAt = time.Now().UTC()
}

// AppendTurn records one dialogue turn, trimming the oldest entries beyond
// the retained window to bound prompt size.
func (s *Session) AppendTurn(role, content string, window int) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content})
	s.Turns = trimTail(s.Turns, window)
	s.UpdatedAt = time.Now().UTC()
}

// SetField merges one collected value, last-write-wins per name while
// preserving first-insertion order.
func (s *Session) SetField(name, value string) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields[i].Value = value
			return
		}
	}
	s.Fields = append(s.Fields, Field{Name: name, Value: value})
}

// MergeFields applies each pair in order through SetField.
func (s *Session) MergeFields(fields []Field) {
	for _, f := range fields {
		s.SetField(f.Name, f.Value)
	}
}

// FieldMap renders the collected fields as a plain map.
func (s *Session) FieldMap() map[string]string {
	m := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		m[f.Name] = f.Value
	}
	return m
}

func trimTail(turns []Turn, window int) []Turn {
	if window <= 0 || len(turns) <= window {
		return turns
	}
	trimmed := make([]Turn, window)
	copy(trimmed, turns[len(turns)-window:])
	return trimmed
}
