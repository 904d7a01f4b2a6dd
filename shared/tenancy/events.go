package tenancy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Lifecycle event types published after successful orchestrator operations.
const (
	EventTenantCreated        = "tenant.created"
	EventTenantDeleted        = "tenant.deleted"
	EventOwnershipTransferred = "tenant.ownership_transferred"
)

// Event is a tenant lifecycle notification for downstream consumers
// (billing, analytics, cache invalidation).
type Event struct {
	Type       string    `json:"type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	TenantName string    `json:"tenant_name,omitempty"`
	OwnerID    uuid.UUID `json:"owner_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events. Publishing is best-effort: a failed or
// dropped event never fails the lifecycle operation that produced it.
type Publisher interface {
	Publish(event Event) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured and in
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
func (NopPublisher) Close() error        { return nil }

// KafkaPublisher sends lifecycle events to Kafka through a worker pool so
// publishing never blocks the request path.
type KafkaPublisher struct {
	writer       *kafka.Writer
	send         func(event Event) error
	eventChan    chan Event
	workerCount  int
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	log          *logrus.Entry
}

// NewKafkaPublisher creates a publisher for the tenant-lifecycle topic.
func NewKafkaPublisher(broker string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	kp := &KafkaPublisher{
		writer:       writer,
		eventChan:    make(chan Event, 1000),
		workerCount:  4,
		shutdownChan: make(chan struct{}),
		log:          logrus.WithField("component", "lifecycle_events"),
	}
	kp.send = kp.sendEventSync
	kp.startWorkers()
	return kp
}

func (kp *KafkaPublisher) startWorkers() {
	for i := 0; i < kp.workerCount; i++ {
		kp.wg.Add(1)
		go kp.eventWorker(i)
	}
	kp.log.Infof("Started %d lifecycle event workers", kp.workerCount)
}

func (kp *KafkaPublisher) eventWorker(id int) {
	defer kp.wg.Done()
	for {
		select {
		case event := <-kp.eventChan:
			kp.deliver(id, event)
		case <-kp.shutdownChan:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-kp.eventChan:
					kp.deliver(id, event)
				default:
					return
				}
			}
		}
	}
}

func (kp *KafkaPublisher) deliver(worker int, event Event) {
	if err := kp.send(event); err != nil {
		kp.log.WithFields(logrus.Fields{
			"worker":    worker,
			"type":      event.Type,
			"tenant_id": event.TenantID,
			"error":     err,
		}).Error("Failed to send lifecycle event")
	}
}

// Publish queues an event asynchronously (non-blocking). Publishing after
// Close is an error, never a panic: the queue channel stays open for the
// publisher's lifetime.
func (kp *KafkaPublisher) Publish(event Event) error {
	select {
	case <-kp.shutdownChan:
		return fmt.Errorf("lifecycle event publisher is closed")
	default:
	}

	select {
	case kp.eventChan <- event:
		return nil
	default:
		return fmt.Errorf("lifecycle event queue full, event dropped")
	}
}

// sendEventSync sends one event to Kafka synchronously (called by workers).
func (kp *KafkaPublisher) sendEventSync(event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	msg := kafka.Message{
		Topic: "tenant-lifecycle",
		Key:   []byte(event.TenantID.String()),
		Value: message,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "tenant_id", Value: []byte(event.TenantID.String())},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write lifecycle event to Kafka: %w", err)
	}
	return nil
}

// Close stops the workers after they drain the queue, then closes the Kafka
// writer.
func (kp *KafkaPublisher) Close() error {
	close(kp.shutdownChan)
	kp.wg.Wait()

	if kp.writer != nil {
		if err := kp.writer.Close(); err != nil {
			return fmt.Errorf("failed to close Kafka writer: %w", err)
		}
	}
	kp.log.Info("Lifecycle event publisher shut down")
	return nil
}
