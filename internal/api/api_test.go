package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/broadcast"
	"github.com/shiftbeat/shiftbeat/internal/ledger"
	"github.com/shiftbeat/shiftbeat/internal/pause"
	"github.com/shiftbeat/shiftbeat/internal/session"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
	"github.com/shiftbeat/shiftbeat/internal/storage"
	"github.com/shiftbeat/shiftbeat/internal/storage/bolt"
)

type testAPI struct {
	router http.Handler
	clock  *ledger.TestClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "api.bolt"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cal, err := shiftcal.New(time.UTC)
	if err != nil {
		t.Fatalf("New calendar failed: %v", err)
	}

	clock := &ledger.TestClock{CurrentTime: time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)}
	broadcaster := broadcast.NewMemory(zerolog.Nop())
	t.Cleanup(func() { _ = broadcaster.Close() })

	ldgr := ledger.New(store.Activity(), broadcaster, clock, ledger.Config{}, zerolog.Nop())
	coordinator := session.NewCoordinator(ldgr, cal,
		session.StaticSpecSource{"alice": "10:00 PM - 7:00 AM"}, clock,
		session.Config{FlushInterval: time.Nanosecond}, zerolog.Nop())
	controller := pause.NewController(coordinator, zerolog.Nop())

	handler := NewHandler(coordinator, controller, broadcaster, zerolog.Nop())
	return &testAPI{router: NewRouter(handler), clock: clock}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) connect(t *testing.T, userID string) string {
	t.Helper()

	rec := a.do(t, http.MethodPost, "/v1/connections", `{"user_id":"`+userID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create connection status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createConnectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.ConnID == "" {
		t.Fatal("conn_id missing in create response")
	}
	return resp.ConnID
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCreateConnection(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/v1/connections", `{"user_id":"alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp createConnectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Record.BucketID != "2026-03-10-night" {
		t.Errorf("BucketID = %q, want 2026-03-10-night", resp.Record.BucketID)
	}
}

func TestCreateConnection_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing user_id", `{}`},
		{"malformed json", `{"user_id":`},
		{"unknown field", `{"user_id":"alice","shoe_size":44}`},
		{"trailing garbage", `{"user_id":"alice"}{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/v1/connections", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestActivityFlow(t *testing.T) {
	a := newTestAPI(t)
	connID := a.connect(t, "alice")

	rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/activity", `{"active":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d: %s", rec.Code, rec.Body.String())
	}

	a.clock.Advance(90 * time.Second)
	if rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/tick", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("tick status = %d", rec.Code)
	}

	rec = a.do(t, http.MethodGet, "/v1/users/alice/activity", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity query status = %d", rec.Code)
	}
	var record storage.ActivityRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.ActiveSeconds != 90 {
		t.Errorf("ActiveSeconds = %d, want 90", record.ActiveSeconds)
	}
	if !record.Active {
		t.Error("record should be active")
	}
}

func TestSetActivity_UnchangedIsNoContent(t *testing.T) {
	a := newTestAPI(t)
	connID := a.connect(t, "alice")

	if rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/activity", `{"active":true}`); rec.Code != http.StatusOK {
		t.Fatalf("first activity status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/activity", `{"active":true}`); rec.Code != http.StatusNoContent {
		t.Errorf("repeated activity status = %d, want 204", rec.Code)
	}
}

func TestPauseValidation(t *testing.T) {
	a := newTestAPI(t)
	connID := a.connect(t, "alice")

	rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/pause", `{"reason":"coffee"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid reason status = %d, want 400", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/v1/connections/"+connID+"/pause", `{"reason":"break"}`)
	if rec.Code != http.StatusNoContent {
		t.Errorf("valid pause status = %d, want 204: %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/v1/connections/"+connID+"/resume", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("resume status = %d, want 204", rec.Code)
	}
}

func TestUnknownConnectionIs404(t *testing.T) {
	a := newTestAPI(t)

	for _, tt := range []struct{ method, path, body string }{
		{http.MethodPost, "/v1/connections/ghost/activity", `{"active":true}`},
		{http.MethodPost, "/v1/connections/ghost/tick", ""},
		{http.MethodPost, "/v1/connections/ghost/pause", `{"reason":"break"}`},
		{http.MethodPost, "/v1/connections/ghost/resume", ""},
		{http.MethodDelete, "/v1/connections/ghost", ""},
	} {
		rec := a.do(t, tt.method, tt.path, tt.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tt.method, tt.path, rec.Code)
		}
	}
}

func TestUnknownUserIs404(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/v1/users/nobody/activity", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDisconnect(t *testing.T) {
	a := newTestAPI(t)
	connID := a.connect(t, "alice")

	if rec := a.do(t, http.MethodDelete, "/v1/connections/"+connID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("disconnect status = %d, want 204", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/v1/connections/"+connID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second disconnect status = %d, want 404", rec.Code)
	}
}

func TestGetWindow(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/v1/users/alice/window", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp windowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if resp.BucketID != "2026-03-10-night" {
		t.Errorf("BucketID = %q, want 2026-03-10-night", resp.BucketID)
	}
	if !resp.NightShift {
		t.Error("window should be a night shift")
	}
	if resp.SecondsUntilReset <= 0 {
		t.Errorf("SecondsUntilReset = %d, want > 0", resp.SecondsUntilReset)
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t)
	connID := a.connect(t, "alice")

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/users/alice/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// A write through the API must show up on the stream.
	if rec := a.do(t, http.MethodPost, "/v1/connections/"+connID+"/activity", `{"active":true}`); rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d", rec.Code)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatalf("no event received: %v", scanner.Err())
	}

	var event broadcast.ActivityChanged
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.UserID != "alice" || !event.Active {
		t.Errorf("event = %+v, want active alice", event)
	}
}
