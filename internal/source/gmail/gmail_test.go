package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/nhle/mailvault/internal/model"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewWithEndpoint(context.Background(), "gmail-test", srv.URL,
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewWithEndpoint() error: %v", err)
	}
	return a
}

func TestListNew_HistoryDelta(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/history") {
			t.Errorf("unexpected request to %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("startHistoryId"); got != "100" {
			t.Errorf("startHistoryId = %q, want 100", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"historyId": "150",
			"history": []map[string]any{
				{"messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "h1"}},
					{"message": map[string]any{"id": "h2"}},
				}},
				{"messagesDeleted": []map[string]any{
					{"message": map[string]any{"id": "gone"}},
				}},
			},
		})
	}))

	refs, token, err := a.ListNew(context.Background(), Folder, model.Cursor{SyncToken: "100"})
	if err != nil {
		t.Fatalf("ListNew() error: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want 2 (upstream deletion skipped)", len(refs))
	}
	for i, want := range []string{"h1", "h2"} {
		if refs[i].ID != want {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i].ID, want)
		}
	}
	if token != "150" {
		t.Errorf("token = %q, want 150", token)
	}
}

func TestListNew_EmptyCursorEnumeratesEverything(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			json.NewEncoder(w).Encode(map[string]any{
				"emailAddress": "u@example.com", "historyId": "42",
			})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			if r.URL.Query().Get("pageToken") == "p2" {
				json.NewEncoder(w).Encode(map[string]any{
					"messages": []map[string]any{{"id": "m2"}},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"messages":      []map[string]any{{"id": "m1"}},
				"nextPageToken": "p2",
			})
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	refs, token, err := a.ListNew(context.Background(), Folder, model.Cursor{})
	if err != nil {
		t.Fatalf("ListNew() error: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != "m1" || refs[1].ID != "m2" {
		t.Fatalf("refs = %+v, want m1 then m2 across pages", refs)
	}
	if token != "42" {
		t.Errorf("token = %q, want the profile history id", token)
	}
}

func TestListNew_ExpiredHistoryResyncs(t *testing.T) {
	var historyCalled bool
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/history"):
			historyCalled = true
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"Start history ID is too old"}}`))
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			json.NewEncoder(w).Encode(map[string]any{"historyId": "500"})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]any{{"id": "m1"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	refs, token, err := a.ListNew(context.Background(), Folder, model.Cursor{SyncToken: "100"})
	if err != nil {
		t.Fatalf("ListNew() error: %v", err)
	}
	if !historyCalled {
		t.Error("history endpoint never consulted")
	}
	if len(refs) != 1 || refs[0].ID != "m1" {
		t.Errorf("refs = %+v, want full enumeration after expiry", refs)
	}
	if token != "500" {
		t.Errorf("token = %q, want fresh history id 500", token)
	}
}

func TestListNew_CorruptTokenResyncs(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/history"):
			t.Error("history consulted with an unparsable token")
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			json.NewEncoder(w).Encode(map[string]any{"historyId": "7"})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]any{{"id": "m1"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	refs, token, err := a.ListNew(context.Background(), Folder, model.Cursor{SyncToken: "not-a-number"})
	if err != nil {
		t.Fatalf("ListNew() error: %v", err)
	}
	if len(refs) != 1 || token != "7" {
		t.Errorf("refs=%d token=%q, want full resync", len(refs), token)
	}
}

func TestDecodeRaw(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

	tests := []struct {
		name string
		in   string
	}{
		{"unpadded", base64.RawURLEncoding.EncodeToString([]byte(msg))},
		{"padded", base64.URLEncoding.EncodeToString([]byte(msg))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRaw(tt.in)
			if err != nil {
				t.Fatalf("decodeRaw() error: %v", err)
			}
			if string(got) != msg {
				t.Errorf("decodeRaw() = %q, want %q", got, msg)
			}
		})
	}
}

func TestDecodeRaw_Invalid(t *testing.T) {
	if _, err := decodeRaw("!!not base64!!"); err == nil {
		t.Error("decodeRaw() accepted invalid input")
	}
}
