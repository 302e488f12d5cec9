// Package events publishes grading job lifecycle changes over watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/pavelanni/papergrader/internal/model"
)

// Topic carries every JobEvent.
const Topic = "grading.jobs"

// Backend names accepted by Open.
const (
	BackendGoChannel = "gochannel"
	BackendKafka     = "kafka"
	BackendNone      = "none"
)

// JobEvent is a snapshot of a job's state after a transition or a finished paper.
type JobEvent struct {
	JobID      string          `json:"job_id"`
	Status     model.JobStatus `json:"status"`
	Processed  int             `json:"processed"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	At         time.Time       `json:"at"`
}

// EventFor builds the event for a job record.
func EventFor(j model.GradingJob, at time.Time) JobEvent {
	return JobEvent{
		JobID:      j.ID,
		Status:     j.Status,
		Processed:  j.ProcessedPapers,
		Successful: j.Successful,
		Failed:     j.Failed,
		At:         at.UTC(),
	}
}

// Publisher sends job events. A Publisher with no underlying publisher
// drops everything, which is how the "none" backend works.
type Publisher struct {
	pub message.Publisher
}

// New wraps a watermill publisher. pub may be nil.
func New(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// Bus is an opened backend. Subscriber is nil unless the backend is in-process.
type Bus struct {
	*Publisher
	Subscriber message.Subscriber
}

// Open creates the named backend. Kafka needs at least one broker.
func Open(backend string, brokers []string, logger *slog.Logger) (*Bus, error) {
	wl := watermill.NewSlogLogger(logger)
	switch strings.ToLower(backend) {
	case "", BackendGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wl)
		return &Bus{Publisher: New(ch), Subscriber: ch}, nil
	case BackendKafka:
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka events need at least one broker")
		}
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, wl)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		return &Bus{Publisher: New(pub)}, nil
	case BackendNone:
		return &Bus{Publisher: New(nil)}, nil
	}
	return nil, fmt.Errorf("unknown events backend %q", backend)
}

// Publish sends one event.
func (p *Publisher) Publish(ev JobEvent) error {
	if p == nil || p.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("job_id", ev.JobID)
	if err := p.pub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// JobChanged publishes the current state of j. Failures are logged, never returned.
func (p *Publisher) JobChanged(j model.GradingJob) {
	if err := p.Publish(EventFor(j, time.Now())); err != nil {
		slog.Warn("job event not published", "job_id", j.ID, "error", err)
	}
}

// Close releases the underlying publisher.
func (p *Publisher) Close() error {
	if p == nil || p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

// Decode reads a JobEvent from a message payload.
func Decode(msg *message.Message) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode job event %s: %w", msg.UUID, err)
	}
	return ev, nil
}

// Log subscribes to Topic and logs every event at debug level until ctx is done.
func Log(ctx context.Context, sub message.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	for msg := range msgs {
		ev, err := Decode(msg)
		if err != nil {
			slog.Warn("bad job event", "error", err)
		} else {
			slog.Debug("job event", "job_id", ev.JobID, "status", ev.Status,
				"processed", ev.Processed, "failed", ev.Failed)
		}
		msg.Ack()
	}
	return nil
}
