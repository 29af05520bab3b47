package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"golang.org/x/oauth2"
)

func fastPolicy(attempts int) *domain.RetryPolicy {
	return &domain.RetryPolicy{MaxAttempts: attempts, Backoff: "fixed", InitialDelayMs: 1, MaxDelayMs: 5}
}

// --- Deliverer Tests ---

func TestDeliverer_PostsPayloadWithToken(t *testing.T) {
	var gotAuth, gotUnitID, gotContentType string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUnitID = r.Header.Get("X-Conveyor-Unit-Id")
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{
		Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}),
	})

	u, err := NewUnit("default", server.URL, map[string]any{"run_id": "r1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.Deliver(context.Background(), u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotUnitID != u.ID {
		t.Errorf("expected unit id header %s, got %s", u.ID, gotUnitID)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected json content type, got %s", gotContentType)
	}
	if gotBody["run_id"] != "r1" {
		t.Errorf("payload not delivered: %v", gotBody)
	}
}

func TestDeliverer_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad"))
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{})
	u, _ := NewUnit("default", server.URL, nil)
	u.Retry = fastPolicy(5)

	err := d.DeliverWithRetry(context.Background(), u)

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.StatusCode != http.StatusBadRequest || de.Retriable() {
		t.Errorf("expected final 400, got %+v", de)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDeliverer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{})
	u, _ := NewUnit("default", server.URL, nil)
	u.Retry = fastPolicy(3)

	if err := d.DeliverWithRetry(context.Background(), u); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDeliverer_OnStatusRestrictsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{})
	u, _ := NewUnit("default", server.URL, nil)
	u.Retry = fastPolicy(4)
	u.Retry.OnStatus = []int{503}

	if err := d.DeliverWithRetry(context.Background(), u); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("500 is not in on_status, expected 1 call, got %d", calls.Load())
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		policy  *domain.RetryPolicy
		want    time.Duration
	}{
		{"fixed default", 3, &domain.RetryPolicy{}, time.Second},
		{"exponential", 3, &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 100}, 400 * time.Millisecond},
		{"capped", 10, &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 1000, MaxDelayMs: 5000}, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateBackoff(tt.attempt, tt.policy); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// --- LocalQueue Tests ---

func newLocalQueue(t *testing.T, cfg LocalConfig) *LocalQueue {
	t.Helper()
	q, err := NewLocalQueue(cfg)
	if err != nil {
		t.Fatalf("new local queue: %v", err)
	}
	return q
}

func TestLocalQueue_DeliversAndDedupes(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	done := make(chan struct{}, 4)

	q := newLocalQueue(t, LocalConfig{
		Workers: 2,
		Deliver: func(_ context.Context, u Unit) error {
			mu.Lock()
			delivered = append(delivered, u.ID)
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})
	q.Start(context.Background())

	u, _ := NewUnit("default", "http://localhost/x", nil)
	u.ID = DedupeKey("run", "default:start", "split")

	ctx := context.Background()
	if err := q.Enqueue(ctx, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(ctx, u); err != nil {
		t.Fatalf("duplicate enqueue should succeed, got %v", err)
	}

	<-done
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "run/default:start/split" {
		t.Errorf("expected single delivery, got %v", delivered)
	}
}

func TestLocalQueue_ForgetsIDs(t *testing.T) {
	var calls atomic.Int32
	done := make(chan error, 8)

	q := newLocalQueue(t, LocalConfig{
		Workers:      1,
		DeliveredTTL: 50 * time.Millisecond,
		Deliver: func(_ context.Context, u Unit) error {
			n := calls.Add(1)
			var err error
			if u.ID == "fails" && n == 1 {
				err = errors.New("boom")
			}
			done <- err
			return err
		},
	})
	q.Start(context.Background())
	defer q.Stop()

	// wait дожидается доставки и того, что ID больше не считается ожидающим
	wait := func() {
		t.Helper()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			q.mu.Lock()
			n := len(q.pending)
			q.mu.Unlock()
			if n == 0 {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("unit still pending")
	}
	enqueue := func(id string) {
		t.Helper()
		u, _ := NewUnit("default", "http://localhost/x", nil)
		u.ID = id
		if err := q.Enqueue(context.Background(), u); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	// Недоставленный ID можно поставить снова
	enqueue("fails")
	wait()
	enqueue("fails")
	wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected failed unit to be accepted again, deliveries=%d", got)
	}

	// Доставленный ID помнится до истечения TTL
	enqueue("fails")
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected delivered unit to be ignored, deliveries=%d", got)
	}

	time.Sleep(100 * time.Millisecond)
	enqueue("fails")
	wait()
	if got := calls.Load(); got != 3 {
		t.Errorf("expected unit to be accepted after TTL, deliveries=%d", got)
	}
}

func TestLocalQueue_RejectsAfterStop(t *testing.T) {
	q := newLocalQueue(t, LocalConfig{Deliver: func(context.Context, Unit) error { return nil }})
	q.Start(context.Background())
	q.Stop()

	u, _ := NewUnit("default", "http://localhost/x", nil)
	if err := q.Enqueue(context.Background(), u); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestLocalQueue_RejectsInvalidUnit(t *testing.T) {
	q := newLocalQueue(t, LocalConfig{Deliver: func(context.Context, Unit) error { return nil }})

	if err := q.Enqueue(context.Background(), Unit{ID: "x", Queue: "default"}); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected ErrInvalidUnit, got %v", err)
	}
}

func TestDedupeKey_SkipsEmptyParts(t *testing.T) {
	if got := DedupeKey("r1", "", "task", "page-2"); got != "r1/task/page-2" {
		t.Errorf("unexpected key %q", got)
	}
}
