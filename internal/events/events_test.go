package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/errcode"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	e := NewEnvelope(TypeDeposit, map[string]string{"sig": "abc"})
	after := time.Now().UnixMilli()

	if e.Type != TypeDeposit {
		t.Errorf("type = %s", e.Type)
	}
	if e.Source != "settlement-engine" {
		t.Errorf("source = %s", e.Source)
	}
	if e.Timestamp < before || e.Timestamp > after {
		t.Errorf("timestamp %d outside [%d, %d]", e.Timestamp, before, after)
	}
}

func TestWebhookEmitter_Delivery(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	em := NewWebhookEmitter(srv.URL, time.Second)
	env := NewEnvelope(TypeWithdrawal, domain.WithdrawalInfo{ID: "w-1", Status: domain.WithdrawalConfirmed})
	if err := em.Emit(context.Background(), env); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got.Type != TypeWithdrawal {
		t.Errorf("delivered type = %s", got.Type)
	}
}

func TestWebhookEmitter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	em := NewWebhookEmitter(srv.URL, time.Second)
	err := em.Emit(context.Background(), NewEnvelope(TypeError, nil))
	if !errcode.Is(err, errcode.WebhookDelivery) {
		t.Errorf("expected WebhookDelivery, got %v", err)
	}
}

func TestWebhookEmitter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	em := NewWebhookEmitter(srv.URL, time.Second)
	err := em.Emit(context.Background(), NewEnvelope(TypeError, nil))
	if !errcode.Is(err, errcode.WebhookDelivery) {
		t.Errorf("expected WebhookDelivery, got %v", err)
	}
}

type recordingEmitter struct {
	envelopes []Envelope
	err       error
}

func (r *recordingEmitter) Emit(_ context.Context, e Envelope) error {
	r.envelopes = append(r.envelopes, e)
	return r.err
}

func TestMulti_FanOut(t *testing.T) {
	a := &recordingEmitter{}
	b := &recordingEmitter{}
	m := Multi{a, b}

	env := NewEnvelope(TypeDeposit, nil)
	if err := m.Emit(context.Background(), env); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(a.envelopes) != 1 || len(b.envelopes) != 1 {
		t.Errorf("fan-out counts: %d, %d", len(a.envelopes), len(b.envelopes))
	}
}

func TestMulti_ContinuesPastFailure(t *testing.T) {
	bad := &recordingEmitter{err: errors.New("broker down")}
	good := &recordingEmitter{}
	m := Multi{bad, good}

	err := m.Emit(context.Background(), NewEnvelope(TypeDeposit, nil))
	if err == nil {
		t.Error("expected an error from the failing sink")
	}
	if len(good.envelopes) != 1 {
		t.Error("later sink was skipped after a failure")
	}
}
