package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func expectDocument(documentID string) mocks.ValueChecker {
	return func(value []byte) error {
		var event DocumentUpdated
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.DocumentID != documentID || event.EventType != EventTypeDocumentUpdated {
			return fmt.Errorf("unexpected event %#v", event)
		}
		return nil
	}
}

func TestKafkaPublisherDeliversQueuedEvents(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectDocument("alice:novel:ch1"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectDocument("alice:novel:ch1"))

	publisher := NewKafkaPublisher(producer, "documents", KafkaOptions{Workers: 1})
	for i := 0; i < 2; i++ {
		if err := publisher.Publish(context.Background(), DocumentUpdated{DocumentID: "alice:novel:ch1", AppliedAt: time.Now()}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := publisher.Publish(context.Background(), DocumentUpdated{DocumentID: "x"}); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
}

func TestKafkaPublisherRetriesFailedSends(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectDocument("alice:novel:ch2"))

	publisher := NewKafkaPublisher(producer, "documents", KafkaOptions{
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	if err := publisher.Publish(context.Background(), DocumentUpdated{DocumentID: "alice:novel:ch2"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherRetriesWithDefaultOptions(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectDocument("alice:novel:ch3"))

	publisher := NewKafkaPublisher(producer, "documents", KafkaOptions{})
	if publisher.maxRetry != defaultMaxRetry {
		t.Fatalf("expected default retry budget %d, got %d", defaultMaxRetry, publisher.maxRetry)
	}
	if err := publisher.Publish(context.Background(), DocumentUpdated{DocumentID: "alice:novel:ch3"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherNoRetrySendsOnce(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewKafkaPublisher(producer, "documents", KafkaOptions{Workers: 1, MaxRetry: 5, NoRetry: true})
	if err := publisher.Publish(context.Background(), DocumentUpdated{DocumentID: "alice:novel:ch4"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

// stalledProducer blocks every send until release is closed.
type stalledProducer struct {
	sarama.SyncProducer
	started chan struct{}
	release chan struct{}
}

func (p *stalledProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	p.started <- struct{}{}
	<-p.release
	return 0, 0, nil
}

func (p *stalledProducer) Close() error { return nil }

func TestKafkaPublisherDropsWhenQueueIsFull(t *testing.T) {
	producer := &stalledProducer{started: make(chan struct{}, 4), release: make(chan struct{})}
	publisher := NewKafkaPublisher(producer, "documents", KafkaOptions{Workers: 1, QueueSize: 1})

	ctx := context.Background()
	if err := publisher.Publish(ctx, DocumentUpdated{DocumentID: "alice:novel:a"}); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	select {
	case <-producer.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never picked up the first event")
	}
	if err := publisher.Publish(ctx, DocumentUpdated{DocumentID: "alice:novel:b"}); err != nil {
		t.Fatalf("second publish should fill the queue, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- publisher.Publish(ctx, DocumentUpdated{DocumentID: "alice:novel:c"}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}

	close(producer.release)
	if err := publisher.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestNopPublisher(t *testing.T) {
	var publisher Publisher = NopPublisher{}
	if err := publisher.Publish(context.Background(), DocumentUpdated{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
