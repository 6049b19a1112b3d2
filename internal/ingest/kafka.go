package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"evermem/internal/memtypes"
	"evermem/internal/worker"
)

// Message is the wire shape consumed from the memorize topic; it matches the
// HTTP ingest payload so producers can publish either way.
type Message struct {
	MessageID  string   `json:"message_id"`
	CreateTime string   `json:"create_time"`
	Sender     string   `json:"sender"`
	SenderName string   `json:"sender_name,omitempty"`
	Role       string   `json:"role,omitempty"`
	Content    string   `json:"content"`
	GroupID    string   `json:"group_id,omitempty"`
	GroupName  string   `json:"group_name,omitempty"`
	ReferList  []string `json:"refer_list,omitempty"`
}

// maxIDBytes bounds every identifier on the public surface.
const maxIDBytes = 100

// ToPending validates and converts the wire message.
func (m Message) ToPending() (memtypes.PendingMessage, error) {
	if m.MessageID == "" || m.Sender == "" || m.Content == "" || m.CreateTime == "" {
		return memtypes.PendingMessage{}, errMissingField
	}
	for _, id := range []string{m.MessageID, m.Sender, m.GroupID} {
		if len(id) > maxIDBytes {
			return memtypes.PendingMessage{}, errIDTooLong
		}
	}
	ts, err := time.Parse(time.RFC3339, m.CreateTime)
	if err != nil {
		return memtypes.PendingMessage{}, err
	}
	role := memtypes.Role(m.Role)
	if role == "" {
		role = memtypes.RoleUser
	}
	return memtypes.PendingMessage{
		MessageID:  m.MessageID,
		GroupID:    m.GroupID,
		SenderID:   m.Sender,
		SenderName: m.SenderName,
		Role:       role,
		Content:    m.Content,
		CreatedAt:  ts.UTC(),
		ReferList:  m.ReferList,
	}, nil
}

var (
	errMissingField = &wireError{"message_id, create_time, sender, and content are required"}
	errIDTooLong    = &wireError{"identifiers must be at most 100 bytes"}
)

type wireError struct{ msg string }

func (e *wireError) Error() string { return e.msg }

// RunConsumer reads memorize messages from Kafka and submits them to the
// dispatcher. Offsets are committed only after submission, so a crash
// re-delivers and the message_id idempotency in the request log absorbs the
// duplicates. Returns when ctx is cancelled.
func RunConsumer(ctx context.Context, brokers []string, topic, groupID string, d *worker.Dispatcher) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka_reader_close_failed")
		}
	}()
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("ingest_consumer_started")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("kafka_fetch_failed")
			continue
		}
		var wire Message
		if err := json.Unmarshal(m.Value, &wire); err != nil {
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("kafka_message_unparseable_skipped")
			if err := reader.CommitMessages(ctx, m); err != nil {
				log.Warn().Err(err).Msg("kafka_commit_failed")
			}
			continue
		}
		pending, err := wire.ToPending()
		if err != nil {
			log.Warn().Err(err).Str("message_id", wire.MessageID).Msg("kafka_message_invalid_skipped")
			if err := reader.CommitMessages(ctx, m); err != nil {
				log.Warn().Err(err).Msg("kafka_commit_failed")
			}
			continue
		}
		if err := d.Submit(ctx, worker.Task{RequestID: uuid.NewString(), Msg: pending}); err != nil {
			log.Error().Err(err).Str("message_id", pending.MessageID).Msg("kafka_submit_failed")
			continue // do not commit; redelivery will retry
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			log.Warn().Err(err).Msg("kafka_commit_failed")
		}
	}
}
