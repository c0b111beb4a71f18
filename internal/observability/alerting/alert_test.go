package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentEscrow-Chain/internal/errors"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := xerrors.New(xerrors.CodeTimeout, "等待超时", xerrors.WithMetadata(xerrors.MetaJobID, "12"))
	d := NewFanout(&WebhookNotifier{URL: srv.URL, Client: srv.Client()}, LogNotifier{}, nil)
	if err := d.Notify(context.Background(), EventFromError(err, "h-1")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.JobID != "12" || got.HireID != "h-1" || got.Code != xerrors.CodeTimeout {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestWebhookNotifierReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := NewFanout(n).Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatal("expected error from failing webhook")
	}
	var unset *WebhookNotifier
	if err := unset.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unset notifier should skip: %v", err)
	}
}
