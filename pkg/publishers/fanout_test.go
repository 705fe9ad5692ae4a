package publishers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Adda-Baaj/malshare/internal/domain"
)

type stubPublisher struct {
	id       string
	typ      string
	err      error
	closeErr error
	calls    int
	closed   bool
	last     Event
}

func (s *stubPublisher) ID() string   { return s.id }
func (s *stubPublisher) Type() string { return s.typ }
func (s *stubPublisher) Publish(_ context.Context, evt Event) error {
	s.calls++
	s.last = evt
	return s.err
}
func (s *stubPublisher) Close() error {
	s.closed = true
	return s.closeErr
}

func TestFanoutPublishAggregatesErrors(t *testing.T) {
	ok := &stubPublisher{id: "ok", typ: "http"}
	bad := &stubPublisher{id: "bad", typ: "http", err: errors.New("failed")}
	fanout := NewFanout([]Publisher{ok, nil, bad})

	if fanout.Size() != 2 {
		t.Fatalf("nil publishers should be skipped, size = %d", fanout.Size())
	}
	count, err := fanout.Publish(context.Background(), Event{Hash: "abc"})
	if count != 1 {
		t.Fatalf("expected 1 success, got %d", count)
	}
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if ok.calls != 1 || bad.calls != 1 || ok.last.Hash != "abc" {
		t.Fatalf("every publisher should receive the event")
	}
}

func TestFanoutCloseClosesAll(t *testing.T) {
	a := &stubPublisher{id: "a", typ: "sqs", closeErr: errors.New("stuck")}
	b := &stubPublisher{id: "b", typ: "sns"}

	if err := NewFanout([]Publisher{a, b}).Close(); err == nil {
		t.Fatalf("expected close error to propagate")
	}
	if !a.closed || !b.closed {
		t.Fatalf("all publishers should be closed")
	}
}

func TestNilFanoutIsInert(t *testing.T) {
	var f *Fanout
	if n, err := f.Publish(context.Background(), Event{}); n != 0 || err != nil {
		t.Fatalf("nil fanout Publish = %d, %v", n, err)
	}
	if f.Size() != 0 || f.Close() != nil {
		t.Fatalf("nil fanout should be empty")
	}
}

func TestBuildAllWithDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	pubs, err := BuildAll(context.Background(), reg, []PublisherConfig{
		{ID: "http", Type: TypeHTTP, HTTP: &HTTPPublisherConfig{URL: "https://example.com"}},
	}, nil)
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(pubs) != 1 {
		t.Fatalf("expected 1 publisher, got %d", len(pubs))
	}
}

func TestBuildAllUnknownType(t *testing.T) {
	_, err := BuildAll(context.Background(), DefaultRegistry(), []PublisherConfig{
		{ID: "k", Type: "kafka"},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}

func TestNewEventFromSample(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	evt := NewEvent(domain.Sample{Hash: "h", Path: "h.vir", Size: 9, SHA256: "s", DownloadedAt: at})
	if evt.Source != EventSource || evt.Hash != "h" || evt.Path != "h.vir" || evt.Size != 9 || !evt.DownloadedAt.Equal(at) {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if NewEvent(domain.Sample{Hash: "x"}).DownloadedAt.IsZero() {
		t.Fatalf("missing timestamp should default to now")
	}
}
