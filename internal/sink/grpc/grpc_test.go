package grpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lsm/fiso-replay/internal/correlation"
)

const bufSize = 1024 * 1024

// testServer records raw requests through an UnknownServiceHandler.
type testServer struct {
	mu       sync.Mutex
	methods  []string
	events   [][]byte
	headers  []metadata.MD
	fail     bool
	listener *bufconn.Listener
	server   *grpc.Server
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{listener: bufconn.Listen(bufSize)}
	ts.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(ts.handle),
	)
	go func() { _ = ts.server.Serve(ts.listener) }()
	t.Cleanup(ts.server.Stop)
	return ts
}

func (ts *testServer) handle(_ any, stream grpc.ServerStream) error {
	var data []byte
	if err := stream.RecvMsg(&data); err != nil {
		return err
	}
	method, _ := grpc.MethodFromServerStream(stream)
	md, _ := metadata.FromIncomingContext(stream.Context())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.fail {
		return status.Error(codes.Unavailable, "receiver overloaded")
	}
	ts.methods = append(ts.methods, method)
	ts.events = append(ts.events, data)
	ts.headers = append(ts.headers, md)
	return stream.SendMsg([]byte("ok"))
}

func (ts *testServer) sink(t *testing.T, cfg Config) *Sink {
	t.Helper()
	cfg.Address = "passthrough:///bufconn"
	s, err := NewSink(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ts.listener.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeliver(t *testing.T) {
	ts := startTestServer(t)
	s := ts.sink(t, Config{})

	event := []byte(`{"id":"123","type":"test.event"}`)
	headers := map[string]string{
		"Content-Type":                   "application/cloudevents+json",
		correlation.HeaderCorrelationID: "corr-1",
	}
	if err := s.Deliver(context.Background(), event, headers); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.events) != 1 || string(ts.events[0]) != string(event) {
		t.Fatalf("unexpected events %q", ts.events)
	}
	if ts.methods[0] != DefaultMethod {
		t.Errorf("expected %s, got %s", DefaultMethod, ts.methods[0])
	}
	if v := ts.headers[0].Get(correlation.HeaderCorrelationID); len(v) == 0 || v[0] != "corr-1" {
		t.Errorf("expected correlation metadata, got %v", ts.headers[0])
	}
}

func TestDeliver_CustomMethod(t *testing.T) {
	ts := startTestServer(t)
	s := ts.sink(t, Config{Method: "/replay.v1.Ingest/Push"})

	if err := s.Deliver(context.Background(), []byte(`{}`), nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.methods[0] != "/replay.v1.Ingest/Push" {
		t.Errorf("unexpected method %s", ts.methods[0])
	}
}

func TestDeliver_Multiple(t *testing.T) {
	ts := startTestServer(t)
	s := ts.sink(t, Config{})

	for i := 0; i < 5; i++ {
		if err := s.Deliver(context.Background(), []byte(`{"n":1}`), nil); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.events) != 5 {
		t.Errorf("expected 5 events, got %d", len(ts.events))
	}
}

func TestDeliver_ServerError(t *testing.T) {
	ts := startTestServer(t)
	ts.fail = true
	s := ts.sink(t, Config{Timeout: time.Second})

	err := s.Deliver(context.Background(), []byte(`{}`), nil)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestNewSink_MissingAddress(t *testing.T) {
	if _, err := NewSink(Config{}, nil); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestNewSink_Defaults(t *testing.T) {
	s, err := NewSink(Config{Address: "localhost:50051"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()
	if s.timeout != 30*time.Second || s.method != DefaultMethod {
		t.Errorf("unexpected defaults timeout=%v method=%s", s.timeout, s.method)
	}
}

func TestNewSink_TLS(t *testing.T) {
	s, err := NewSink(Config{Address: "localhost:50051", TLS: true, Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()
	if s.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", s.timeout)
	}
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	if c.Name() != "raw" {
		t.Errorf("unexpected name %s", c.Name())
	}
	if _, err := c.Marshal("not bytes"); err == nil {
		t.Error("expected marshal error")
	}
	var s string
	if err := c.Unmarshal([]byte("x"), &s); err == nil {
		t.Error("expected unmarshal error")
	}
	var out []byte
	if err := c.Unmarshal([]byte("x"), &out); err != nil || string(out) != "x" {
		t.Errorf("unexpected unmarshal %q %v", out, err)
	}
}

var _ io.Closer = (*Sink)(nil)
