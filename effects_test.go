package prognos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestDispatcherUnregisteredKindGoesInternal(t *testing.T) {
	d := fastDispatcher()

	err := d.Dispatch(context.Background(), Effect{
		Kind: EffectNotify, TenantID: "acme", Fingerprint: "fp1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := d.Internal().Sent(); len(got) != 1 || got[0].Kind != EffectNotify {
		t.Errorf("effect should land in the internal sink, got %+v", got)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := fastDispatcher()
	d.Register(EffectNotify, NewWebhookSink("notify", srv.URL, nil))

	err := d.Dispatch(context.Background(), Effect{
		Kind: EffectNotify, TenantID: "acme", Fingerprint: "fp1",
	})
	if err != nil {
		t.Fatalf("dispatch should succeed on the third attempt: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDispatcherGivesUpOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := fastDispatcher()
	d.Register(EffectNotify, NewWebhookSink("notify", srv.URL, nil))

	err := d.Dispatch(context.Background(), Effect{
		Kind: EffectNotify, TenantID: "acme", Fingerprint: "fp1",
	})
	if !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}

	// A 400 is not transient, so a single attempt suffices.
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("expected ActionError, got %T", err)
	}
	if actionErr.Attempts != 1 {
		t.Errorf("non-retryable failure should stop after one attempt, got %d", actionErr.Attempts)
	}
}

func TestWebhookSinkSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink("tickets", srv.URL, map[string]string{"Authorization": "Bearer abc"})
	err := sink.Send(context.Background(), Effect{
		Kind: EffectCreateTicket, TenantID: "acme", Fingerprint: "fp1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotKey != "fp1:create_ticket" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("configured headers not sent, got %q", gotAuth)
	}
}

func TestDispatcherSinkStates(t *testing.T) {
	d := fastDispatcher()
	d.Register(EffectNotify, NewMemorySink("notify"))

	states := d.SinkStates()
	if states[EffectNotify] != "closed" {
		t.Errorf("fresh sink should report closed, got %q", states[EffectNotify])
	}
}
