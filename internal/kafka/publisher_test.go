package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

type mockProducer struct {
	results kgo.ProduceResults
	records []*kgo.Record
	closed  bool
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	return m.results
}

func (m *mockProducer) Close() {
	m.closed = true
}

func TestNewPublisher_NilCluster(t *testing.T) {
	if _, err := NewPublisher(nil); err == nil {
		t.Fatal("expected error for nil cluster")
	}
}

func TestNewPublisher_InvalidCluster(t *testing.T) {
	if _, err := NewPublisher(&ClusterConfig{}); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestNewPublisher_ValidConfig(t *testing.T) {
	pub, err := NewPublisher(&ClusterConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func TestPublisher_Publish_Success(t *testing.T) {
	mp := &mockProducer{
		results: kgo.ProduceResults{{Record: &kgo.Record{}}},
	}
	pub := &Publisher{client: mp}

	err := pub.Publish(context.Background(), "replayed", []byte("key"), []byte("value"), map[string]string{
		"fiso-stream": "orders",
		"fiso-offset": "7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mp.records))
	}
	rec := mp.records[0]
	if rec.Topic != "replayed" || string(rec.Key) != "key" || string(rec.Value) != "value" {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(rec.Headers) != 2 || rec.Headers[0].Key != "fiso-offset" || rec.Headers[1].Key != "fiso-stream" {
		t.Errorf("expected sorted headers, got %+v", rec.Headers)
	}
}

func TestPublisher_Publish_Error(t *testing.T) {
	mp := &mockProducer{
		results: kgo.ProduceResults{{Record: &kgo.Record{}, Err: errors.New("broker unavailable")}},
	}
	pub := &Publisher{client: mp}

	err := pub.Publish(context.Background(), "replayed", nil, []byte("value"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "kafka publish: broker unavailable" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPublisher_Close_Mock(t *testing.T) {
	mp := &mockProducer{}
	pub := &Publisher{client: mp}
	if err := pub.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mp.closed {
		t.Error("expected producer to be closed")
	}
}
