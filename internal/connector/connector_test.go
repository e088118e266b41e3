package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopback_GatedOpsRequireTicket(t *testing.T) {
	lb := NewLoopback(discardLogger())
	ctx := context.Background()

	if err := lb.BanUser(ctx, "@spammer", Ticket{}); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("expected ErrTicketRequired, got %v", err)
	}
	if err := lb.Deploy(ctx, "api", Ticket{RequestID: "r-1"}); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("ticket without approver must be rejected, got %v", err)
	}
	if len(lb.Banned) != 0 || len(lb.Deploys) != 0 {
		t.Fatal("rejected operations must leave no trace")
	}

	ticket := Ticket{RequestID: "r-1", Label: "ops/ban-user", ApprovedBy: "admin-1"}
	if err := lb.BanUser(ctx, "@spammer", ticket); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lb.Banned) != 1 || lb.Banned[0] != "@spammer" {
		t.Fatalf("unexpected ban record: %v", lb.Banned)
	}
}

func TestLoopback_MessagingIsUngated(t *testing.T) {
	lb := NewLoopback(discardLogger())
	ctx := context.Background()

	if err := lb.SendMessage(ctx, "general", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := lb.SendDirect(ctx, "u-7", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lb.Sent) != 1 || lb.Sent[0] != "general: hello" {
		t.Errorf("unexpected sent log: %v", lb.Sent)
	}
	if len(lb.Directs) != 1 || lb.Directs[0] != "u-7: hi" {
		t.Errorf("unexpected directs log: %v", lb.Directs)
	}
}

func TestWebhook_PostsTicketOnGatedOps(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hook-token" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "hook-token", discardLogger())
	ticket := Ticket{RequestID: "r-9", ApprovedBy: "owner-1"}
	if err := wh.Deploy(context.Background(), "api", ticket); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got["op"] != "deploy" || got["target"] != "api" {
		t.Errorf("unexpected payload: %v", got)
	}
	if got["request_id"] != "r-9" || got["approved_by"] != "owner-1" {
		t.Errorf("payload must carry the approval ticket, got %v", got)
	}
}

func TestWebhook_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", discardLogger())
	if err := wh.SendMessage(context.Background(), "general", "hello"); err == nil {
		t.Fatal("expected an error on a 403 response")
	}
}

func TestWebhook_RejectsInvalidTicketBeforeSending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request should reach the endpoint")
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", discardLogger())
	if err := wh.BanUser(context.Background(), "@x", Ticket{}); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("expected ErrTicketRequired, got %v", err)
	}
}
