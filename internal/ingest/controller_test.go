package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/schema"
	"mcp-telemetry/internal/stitch"
	"mcp-telemetry/internal/store"

	"github.com/gin-gonic/gin"
)

func newTestController(t *testing.T, opts Options) (*Controller, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := schema.New(false)
	if err != nil {
		t.Fatalf("schema compile: %v", err)
	}
	m := store.NewMemory()
	c := New(v, m, stitch.New(m, stitch.DefaultWindow), cache.NewCaches(0), slog.Default(), opts)
	return c, m
}

func post(t *testing.T, c *Controller, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	g, _ := gin.CreateTestContext(w)
	g.Request = httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body))
	g.Request.Header.Set("Content-Type", "application/json")
	c.Handle(g)
	return w
}

func waitForEvents(t *testing.T, m *store.Memory, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _ := m.TotalEvents(nil)
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted events", want)
}

func TestIngest_AcceptsAndPersistsAsync(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8})
	c.Start()
	defer c.Stop()

	w := post(t, c, `{
		"event":"tool_call","timestamp":"2024-01-01T10:00:00Z",
		"serverId":"s1","sessionId":"x","userId":"jane.doe@corp.example",
		"data":{"toolName":"q"}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["status"] != "ok" || resp["receivedAt"] == "" {
		t.Fatalf("unexpected body: %v", resp)
	}

	waitForEvents(t, m, 1)
	events, _, err := m.ListEvents(nil, store.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	e := events[0]
	if e.EventType != event.TypeToolCall || e.ToolName != "q" {
		t.Fatalf("unexpected persisted event: %+v", e)
	}
	if e.ParentSessionID != "x" {
		t.Fatalf("stitcher must assign a parent, got %q", e.ParentSessionID)
	}
	if e.ReceivedAt.IsZero() {
		t.Fatalf("receivedAt must be stamped")
	}
}

func TestIngest_MissingUsernameGated(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8})
	c.Start()
	defer c.Stop()

	w := post(t, c, `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","sessionId":"x","data":{}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ignored" || resp["reason"] != "missing_username" {
		t.Fatalf("unexpected body: %v", resp)
	}

	c.Stop()
	if n, _ := m.TotalEvents(nil); n != 0 {
		t.Fatalf("gated events must not be persisted")
	}
	found := false
	for _, d := range m.Discarded() {
		if d.Reason == "missing username/userId" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a discard-log entry, got %v", m.Discarded())
	}
}

func TestIngest_GateExemptions(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8})
	c.Start()
	defer c.Stop()

	// server_boot carries no user and is still accepted.
	w := post(t, c, `{"schemaVersion":2,"area":"session","event":"server_boot","success":true,"timestamp":"2024-01-01T10:00:00Z","server":{"id":"s1"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("server_boot must bypass the gate, got %d", w.Code)
	}
	// session_end without a user is exempt too.
	w = post(t, c, `{"schemaVersion":2,"area":"session","event":"session_end","success":true,"timestamp":"2024-01-01T10:00:00Z","session":{"id":"x"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("session_end must bypass the gate, got %d", w.Code)
	}
	// session_start without a user is NOT exempt.
	w = post(t, c, `{"schemaVersion":2,"area":"session","event":"session_start","success":true,"timestamp":"2024-01-01T10:00:00Z","session":{"id":"x"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("session_start without identity must be gated, got %d", w.Code)
	}
	waitForEvents(t, m, 2)
}

func TestIngest_AllowMissingUser(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8, AllowMissingUser: true})
	c.Start()
	defer c.Stop()

	w := post(t, c, `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","data":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the gate disabled, got %d", w.Code)
	}
	waitForEvents(t, m, 1)
}

func TestIngest_BadPayloads(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8})
	c.Start()
	defer c.Stop()

	cases := []struct {
		body   string
		reason string
	}{
		{`[1,2,3]`, "not an object"},
		{`not json at all`, "not an object"},
		{`{"data":{}}`, "schema validation failed"},
		{`{"event":"never_heard_of_it","timestamp":"2024-01-01T10:00:00Z","userId":"u"}`, "parse failed"},
		{`{"event":"tool_call","timestamp":"when the moon rose","userId":"u"}`, "parse failed"},
	}
	for _, tc := range cases {
		w := post(t, c, tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", tc.body, w.Code)
		}
	}
	c.Stop()
	if n, _ := m.TotalEvents(nil); n != 0 {
		t.Fatalf("rejected payloads must not be persisted")
	}
	discarded := m.Discarded()
	if len(discarded) != len(cases) {
		t.Fatalf("expected %d discard entries, got %d", len(cases), len(discarded))
	}
	for i, tc := range cases {
		if !strings.Contains(discarded[i].Reason, tc.reason) {
			t.Fatalf("entry %d: reason %q does not mention %q", i, discarded[i].Reason, tc.reason)
		}
	}
}

func TestIngest_OrgUpserted(t *testing.T) {
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8})
	c.Start()
	defer c.Stop()

	post(t, c, `{
		"schemaVersion":2,"area":"tool","event":"execution","success":true,
		"timestamp":"2024-01-01T10:00:00Z",
		"server":{"id":"srv-9"},"user":{"id":"u1","name":"Jane"},
		"data":{"state":{"org":{"id":"org-1","companyDetails":{"Name":"Acme"}}}}
	}`)
	waitForEvents(t, m, 1)
	c.Stop()

	name, ok := m.OrgCompanyName("srv-9")
	if !ok || name != "Acme" {
		t.Fatalf("expected org upsert with Acme, got %q ok=%v", name, ok)
	}
}

func TestIngest_QueueBlocksWhenSaturated(t *testing.T) {
	// Workers not started: the queue fills and the next submit must block
	// until capacity frees, not drop or panic.
	c, _ := newTestController(t, Options{Workers: 1, QueueSize: 1})

	e := &event.Event{Area: event.AreaGeneral, Name: event.NameCustom, Data: map[string]any{}}
	c.pool.submit(job{e: e}) // fills the queue

	blocked := make(chan struct{})
	go func() {
		c.pool.submit(job{e: e}) // must block
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatalf("submit must block on a saturated queue")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining unblocks the submitter.
	c.Start()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("submit must unblock once workers drain the queue")
	}
	c.Stop()
}

func TestDetachedContextHasNoDeadline(t *testing.T) {
	ctx, cancel := detachedContext()
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("persistence context must not carry a deadline")
	}
}

// fakeLimiter records how Release is called; the context's liveness is
// captured at call time since the handler cancels it afterwards.
type fakeLimiter struct {
	admit bool
	err   error

	released      bool
	releaseCtxErr error
}

func (f *fakeLimiter) Acquire(ctx context.Context) (bool, error) { return f.admit, f.err }

func (f *fakeLimiter) Release(ctx context.Context) {
	f.released = true
	f.releaseCtxErr = ctx.Err()
}

func TestIngest_CapRejectionReturns503(t *testing.T) {
	lim := &fakeLimiter{admit: false}
	c, _ := newTestController(t, Options{Workers: 1, QueueSize: 8, Cap: lim})

	w := post(t, c, `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","userId":"u","data":{}}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the cap rejects, got %d", w.Code)
	}
	if lim.released {
		t.Fatalf("a rejected request must not release a slot")
	}
}

func TestIngest_CapErrorProceedsUncapped(t *testing.T) {
	lim := &fakeLimiter{err: errors.New("redis down")}
	c, m := newTestController(t, Options{Workers: 1, QueueSize: 8, Cap: lim})
	c.Start()
	defer c.Stop()

	w := post(t, c, `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","userId":"u","data":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cap trouble must not block ingest, got %d", w.Code)
	}
	waitForEvents(t, m, 1)
}

func TestIngest_CapReleasedAfterClientGone(t *testing.T) {
	lim := &fakeLimiter{admit: true}
	c, _ := newTestController(t, Options{Workers: 1, QueueSize: 8, Cap: lim})
	c.Start()
	defer c.Stop()

	// The client disconnects mid-request: its context is already canceled
	// by the time the handler's deferred release runs.
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	g, _ := gin.CreateTestContext(w)
	body := `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","userId":"u","data":{}}`
	g.Request = httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body)).WithContext(gone)
	c.Handle(g)

	if !lim.released {
		t.Fatalf("slot must be released")
	}
	if lim.releaseCtxErr != nil {
		t.Fatalf("release must not ride the dead request context: %v", lim.releaseCtxErr)
	}
}

// insertFailStore makes the async stage hit its error path.
type insertFailStore struct {
	*store.Memory
}

func (s insertFailStore) InsertEvent(ctx context.Context, e *event.Event) error {
	return errors.New("disk full")
}

func TestIngest_AsyncLogsCarryRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, err := schema.New(false)
	if err != nil {
		t.Fatalf("schema compile: %v", err)
	}
	m := store.NewMemory()
	st := insertFailStore{m}
	c := New(v, st, stitch.New(m, stitch.DefaultWindow), cache.NewCaches(0), slog.Default(), Options{Workers: 1, QueueSize: 8})
	c.Start()

	var buf bytes.Buffer
	reqLogger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "rid-77")

	w := httptest.NewRecorder()
	g, _ := gin.CreateTestContext(w)
	body := `{"event":"tool_call","timestamp":"2024-01-01T10:00:00Z","userId":"u","data":{}}`
	g.Request = httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body))
	g.Set("logger", reqLogger)
	c.Handle(g)
	c.Stop() // drains the queue, so the failed insert has logged

	out := buf.String()
	if !strings.Contains(out, "event insert failed") {
		t.Fatalf("expected the insert failure on the request logger, got: %s", out)
	}
	if !strings.Contains(out, `"request_id":"rid-77"`) {
		t.Fatalf("async log line lost its request_id: %s", out)
	}
}
