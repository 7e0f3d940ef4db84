package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	fetchErr  error
}

func (f *fakeRepo) FetchUnpublished(limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.events, nil
}

func (f *fakeRepo) MarkPublished(id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailed(id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePublishResult struct {
	id  string
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return f.id, f.err
}

type fakePublisher struct {
	results  []publishResult
	messages []*gcppubsub.Message
}

func (f *fakePublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	if len(f.results) == 0 {
		return fakePublishResult{id: "msg"}
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePubSub struct{ err error }

func (f fakePubSub) Ping(context.Context) error                     { return f.err }
func (f fakePubSub) DeliveryEventsPublisher() *gcppubsub.Publisher  { return nil }
func (f fakePubSub) NotificationPublisher() *gcppubsub.Publisher    { return nil }

func newPublisherTestService(t *testing.T, repo *fakeRepo, pub *fakePublisher) *Service {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard})
	service, err := NewService(ServiceParams{
		Config:     &config.Config{},
		Logger:     logg,
		DB:         fakePinger{},
		PubSub:     fakePubSub{},
		Repository: repo,
		PublisherFactory: func(event models.OutboxEvent) publisher {
			return pub
		},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func outboxEvent(eventType enums.OutboxEventType) models.OutboxEvent {
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateDelivery,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"deliveryId":"x"}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{
		events: []models.OutboxEvent{
			outboxEvent(enums.EventDeliveryCreated),
			outboxEvent(enums.EventDeliveryAssigned),
		},
	}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
			fakePublishResult{id: "ok"},
		},
	}
	service := newPublisherTestService(t, repo, pub)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatal("expected batch to report processed")
	}
	if len(repo.failed) != 1 || repo.failed[0] != repo.events[0].ID {
		t.Fatalf("expected first event marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != repo.events[1].ID {
		t.Fatalf("expected second event marked published, got %v", repo.published)
	}
}

func TestServiceProcessBatchSetsMessageAttributes(t *testing.T) {
	event := outboxEvent(enums.EventDeliveryStatusChanged)
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{}
	service := newPublisherTestService(t, repo, pub)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.Attributes["event_type"] != string(enums.EventDeliveryStatusChanged) {
		t.Fatalf("unexpected event_type attribute %q", msg.Attributes["event_type"])
	}
	if msg.Attributes["aggregate_id"] != event.AggregateID.String() {
		t.Fatalf("unexpected aggregate_id attribute %q", msg.Attributes["aggregate_id"])
	}
	if string(msg.Data) != `{"deliveryId":"x"}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}

func TestServiceProcessBatchIdleWhenEmpty(t *testing.T) {
	repo := &fakeRepo{}
	service := newPublisherTestService(t, repo, &fakePublisher{})

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if processed {
		t.Fatal("expected idle batch")
	}
	if len(repo.published) != 0 || len(repo.failed) != 0 {
		t.Fatal("expected no rows touched")
	}
}

func TestServiceProcessBatchSurfacesFetchError(t *testing.T) {
	repo := &fakeRepo{fetchErr: errors.New("db down")}
	service := newPublisherTestService(t, repo, &fakePublisher{})

	if _, err := service.processBatch(context.Background()); err == nil {
		t.Fatal("expected fetch error to surface")
	}
}

func TestServiceEnsureReadinessChecksDependencies(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard})
	service, err := NewService(ServiceParams{
		Config:     &config.Config{},
		Logger:     logg,
		DB:         fakePinger{err: errors.New("no db")},
		PubSub:     fakePubSub{},
		Repository: &fakeRepo{},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.ensureReadiness(context.Background()); err == nil {
		t.Fatal("expected readiness failure when the database is down")
	}
}
