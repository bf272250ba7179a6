package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/leave-engine/generic"
)

// MessageWriter is the part of *kafka.Writer the sinks use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a writer for topic on brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

type notificationEvent struct {
	UserID  generic.UserID           `json:"userId"`
	Kind    generic.NotificationKind `json:"kind"`
	Title   string                   `json:"title"`
	Message string                   `json:"message"`
	Link    string                   `json:"link,omitempty"`
	SentAt  time.Time                `json:"sentAt"`
}

// Kafka publishes notifications keyed by recipient, so one user's
// notifications stay ordered within a partition.
type Kafka struct {
	w   MessageWriter
	now func() time.Time
}

func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{w: w, now: func() time.Time { return time.Now().UTC() }}
}

func (k *Kafka) Notify(ctx context.Context, n generic.Notification) error {
	payload, err := json.Marshal(notificationEvent{
		UserID:  n.UserID,
		Kind:    n.Kind,
		Title:   n.Title,
		Message: n.Message,
		Link:    n.Link,
		SentAt:  k.now(),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("notification")},
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// RecordPublisher hands approved requests to the document subsystem by
// publishing them as events. Implements generic.DocumentGenerator.
type RecordPublisher struct {
	w MessageWriter
}

func NewRecordPublisher(w MessageWriter) *RecordPublisher {
	return &RecordPublisher{w: w}
}

type approvedEvent struct {
	RequestID     generic.RequestID   `json:"requestId"`
	RequestNumber string              `json:"requestNumber"`
	UserID        generic.UserID      `json:"userId"`
	LeaveTypeID   generic.LeaveTypeID `json:"leaveTypeId"`
	Dates         []string            `json:"dates"`
	TotalDays     int                 `json:"totalDays"`
	ApproverIDs   []generic.UserID    `json:"approverIds"`
	ApprovedAt    time.Time           `json:"approvedAt"`
}

func (p *RecordPublisher) GenerateApprovalRecord(ctx context.Context, rec generic.ApprovedRecord) error {
	dates := make([]string, len(rec.Dates))
	for i, d := range rec.Dates {
		dates[i] = d.Format(generic.DateLayout)
	}
	payload, err := json.Marshal(approvedEvent{
		RequestID:     rec.RequestID,
		RequestNumber: rec.RequestNumber,
		UserID:        rec.UserID,
		LeaveTypeID:   rec.LeaveTypeID,
		Dates:         dates,
		TotalDays:     rec.TotalDays,
		ApproverIDs:   rec.ApproverIDs,
		ApprovedAt:    rec.ApprovedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding approval record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("leave_request.approved")},
			{Key: "aggregate_type", Value: []byte("leave_request")},
		},
	}
	return p.w.WriteMessages(ctx, msg)
}
