package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/lsm/fiso-replay/internal/correlation"
	intkafka "github.com/lsm/fiso-replay/internal/kafka"
)

type mockPublisher struct {
	publishErr error
	closed     bool
	topic      string
	key        []byte
	value      []byte
	headers    map[string]string
}

func (m *mockPublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	m.topic = topic
	m.key = key
	m.value = value
	m.headers = headers
	return m.publishErr
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

func TestNewSink_Validation(t *testing.T) {
	if _, err := NewSink(Config{Topic: "t"}, nil); err == nil || err.Error() != "cluster config is required" {
		t.Errorf("expected missing cluster error, got %v", err)
	}
	cluster := &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
	if _, err := NewSink(Config{Cluster: cluster}, nil); err == nil || err.Error() != "topic is required" {
		t.Errorf("expected missing topic error, got %v", err)
	}
	if _, err := NewSink(Config{Cluster: &intkafka.ClusterConfig{}, Topic: "t"}, nil); err == nil {
		t.Error("expected invalid cluster error")
	}
}

func TestNewSink_Success(t *testing.T) {
	s, err := NewSink(Config{Cluster: &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}}, Topic: "t"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s.Close()
}

func TestDeliver_Success(t *testing.T) {
	mp := &mockPublisher{}
	s := newSink(mp, Config{Topic: "orders-out"}, nil)

	event := []byte(`{"id":"evt-1"}`)
	headers := map[string]string{
		"Content-Type":                   "application/cloudevents+json",
		correlation.HeaderCorrelationID: "corr-1",
	}
	if err := s.Deliver(context.Background(), event, headers); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if mp.topic != "orders-out" || string(mp.value) != string(event) {
		t.Errorf("unexpected publish topic=%s value=%s", mp.topic, mp.value)
	}
	if mp.key != nil {
		t.Errorf("expected unkeyed record, got key %q", mp.key)
	}
	if mp.headers["Content-Type"] != "application/cloudevents+json" || mp.headers[correlation.HeaderCorrelationID] != "corr-1" {
		t.Errorf("headers not forwarded: %v", mp.headers)
	}
	if len(headers) != 2 {
		t.Errorf("expected caller headers untouched, got %v", headers)
	}
}

func TestDeliver_KeyHeader(t *testing.T) {
	mp := &mockPublisher{}
	s := newSink(mp, Config{Topic: "t", KeyHeader: correlation.HeaderCorrelationID}, nil)

	if err := s.Deliver(context.Background(), []byte(`{}`), map[string]string{correlation.HeaderCorrelationID: "corr-9"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(mp.key) != "corr-9" {
		t.Errorf("expected key corr-9, got %q", mp.key)
	}

	if err := s.Deliver(context.Background(), []byte(`{}`), nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if mp.key != nil {
		t.Errorf("expected no key when header missing, got %q", mp.key)
	}
}

func TestDeliver_Error(t *testing.T) {
	pubErr := errors.New("broker down")
	s := newSink(&mockPublisher{publishErr: pubErr}, Config{Topic: "t"}, nil)
	if err := s.Deliver(context.Background(), []byte(`{}`), nil); !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	mp := &mockPublisher{}
	if err := newSink(mp, Config{Topic: "t"}, nil).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mp.closed {
		t.Error("expected publisher closed")
	}
}
