package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	errx "github.com/watssabi-collector/server/internal/core/error"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Config selects the relational backend. sqlite keeps local development and
// tests self-contained; deployments point DSN at postgres.
type Config struct {
	Driver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"DB_DSN" default:"collector.db"`
}

// CollectionRecord is the finalized output of one completed conversation.
type CollectionRecord struct {
	ConversationID string
	Fields         map[string]string
	CompletedAt    time.Time
}

// EventRecord is one raw inbound delivery, appended for audit and idempotency
// forensics.
type EventRecord struct {
	EventID        string
	ConversationID string
	Body           string
	ReceivedAt     time.Time
}

// CommitOutcome distinguishes a first commit from an idempotent replay.
type CommitOutcome int

const (
	Committed CommitOutcome = iota
	DuplicateIgnored
)

// Ledger is the durable store for finalized collections.
type Ledger interface {
	// Commit upserts the record keyed by conversation identity. Committing
	// the same identity again is a no-op DuplicateIgnored success.
	Commit(ctx context.Context, record CollectionRecord) (CommitOutcome, error)

	// RecordEvent appends one inbound delivery to the audit log. Re-recording
	// a delivery is a silent no-op.
	RecordEvent(ctx context.Context, event EventRecord) error

	// HasRecord reports whether a collection record exists for the identity.
	// The orchestrator uses it to salt the identity of a dialogue started
	// after an earlier one already committed.
	HasRecord(ctx context.Context, conversationID string) (bool, error)
}

type collectionRow struct {
	ConversationID string    `gorm:"primaryKey"`
	FieldsJSON     string    `gorm:"not null"`
	CompletedAt    time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (collectionRow) TableName() string { return "collection_records" }

type inboundEventRow struct {
	ID             uint      `gorm:"primarykey"`
	EventID        string    `gorm:"uniqueIndex:ux_event_conversation,priority:1"`
	ConversationID string    `gorm:"uniqueIndex:ux_event_conversation,priority:2;index"`
	Body           string    `gorm:"not null"`
	ReceivedAt     time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (inboundEventRow) TableName() string { return "inbound_events" }

// Open connects to the configured backend with duplicate-key translation
// enabled, which Commit relies on.
func Open(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}

	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite", "":
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	l := &GormLedger{db: db}
	if err := db.AutoMigrate(&collectionRow{}, &inboundEventRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *GormLedger) Commit(ctx context.Context, record CollectionRecord) (CommitOutcome, error) {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}

	row := collectionRow{
		ConversationID: record.ConversationID,
		FieldsJSON:     string(fields),
		CompletedAt:    record.CompletedAt,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logx.Debug().Str("conversation_id", record.ConversationID).Msg("collection record already committed")
			return DuplicateIgnored, nil
		}
		return 0, errx.Persistence(fmt.Errorf("commit collection record: %w", err))
	}

	logx.Info().Str("conversation_id", record.ConversationID).Int("fields", len(record.Fields)).
		Msg("collection record committed")
	return Committed, nil
}

func (l *GormLedger) RecordEvent(ctx context.Context, event EventRecord) error {
	row := inboundEventRow{
		EventID:        event.EventID,
		ConversationID: event.ConversationID,
		Body:           event.Body,
		ReceivedAt:     event.ReceivedAt,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return errx.Persistence(fmt.Errorf("record inbound event: %w", err))
	}
	return nil
}

func (l *GormLedger) HasRecord(ctx context.Context, conversationID string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&collectionRow{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	if err != nil {
		return false, errx.Persistence(fmt.Errorf("check collection record: %w", err))
	}
	return n > 0, nil
}

// LoadRecord fetches a committed record, mainly for tests and operator
// tooling. Absence carries the errx.ErrNotFound kind.
func (l *GormLedger) LoadRecord(ctx context.Context, conversationID string) (CollectionRecord, error) {
	var row collectionRow
	err := l.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CollectionRecord{}, fmt.Errorf("%w: collection record %s", errx.ErrNotFound, conversationID)
		}
		return CollectionRecord{}, errx.Persistence(fmt.Errorf("load collection record: %w", err))
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
		return CollectionRecord{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return CollectionRecord{
		ConversationID: row.ConversationID,
		Fields:         fields,
		CompletedAt:    row.CompletedAt,
	}, nil
}

var _ Ledger = (*GormLedger)(nil)
