package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/courier/internal/counters"
	"github.com/alfredjeanlab/courier/internal/events"
	"github.com/alfredjeanlab/courier/internal/idem"
	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/registry"
)

var errTxBoom = errors.New("transaction failed")

func newTestServer(ms *mockStore, opts Options) (*Server, *registry.Registry) {
	reg := registry.New(nil, time.Hour, nil)
	engine := counters.New(ms, nil)
	opts.LocalMode = true
	srv := New(ms, &events.NoopPublisher{}, engine, reg, nil, nil, opts)
	return srv, reg
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestIngestEvent_MessageCreate(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/events", `{
		"tenant_id": "t1",
		"entity_type": "message",
		"entity_id": "msg-1",
		"event_type": "message.create",
		"actor_id": "bob",
		"actor_type": "user",
		"data": {"dialog_id": "d1", "snapshot": {"text": "hi"}}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var event model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if event.ID == "" || event.ID[:3] != "ev-" {
		t.Errorf("event id = %q", event.ID)
	}
	if len(ms.events) != 1 {
		t.Fatalf("events appended = %d, want 1", len(ms.events))
	}

	// One event, two members, actor skipped: exactly one update for alice.
	if n := len(ms.updatesFor("alice")); n != 1 {
		t.Errorf("alice updates = %d, want 1", n)
	}
	if n := len(ms.updatesFor("bob")); n != 0 {
		t.Errorf("bob (actor) updates = %d, want 0", n)
	}

	// Synchronous counter path: alice's unread state moved by exactly 1.
	if got := ms.members[memberKey("t1", "d1", "alice")].UnreadCount; got != 1 {
		t.Errorf("alice unread = %d, want 1", got)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 1 {
		t.Errorf("alice unread_total = %d, want 1", got)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadDialogs); got != 1 {
		t.Errorf("alice unread_dialogs = %d, want 1", got)
	}
	if got := ms.counter("t1", model.CounterUser, "bob", model.FieldUnreadTotal); got != 0 {
		t.Errorf("actor unread_total = %d, want 0", got)
	}

	// One audit row per counter mutation.
	if len(ms.history) != 3 {
		t.Errorf("history rows = %d, want 3", len(ms.history))
	}
	for _, hrow := range ms.history {
		if hrow.SourceOperation != "message.create" || hrow.SourceEntityID != event.ID {
			t.Errorf("audit context = %+v", hrow)
		}
	}
}

func TestIngestEvent_SecondMessageKeepsUnreadDialogsFlat(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	body := `{"tenant_id":"t1","entity_type":"message","entity_id":"msg-%d","event_type":"message.create","actor_id":"bob","data":{"dialog_id":"d1"}}`
	for _, b := range []string{
		strings.Replace(body, "%d", "1", 1),
		strings.Replace(body, "%d", "2", 1),
	} {
		if rec := doJSON(t, h, http.MethodPost, "/v1/events", b); rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 2 {
		t.Errorf("unread_total = %d, want 2", got)
	}
	// The dialog was already unread; the per-user dialog count stays 1.
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadDialogs); got != 1 {
		t.Errorf("unread_dialogs = %d, want 1", got)
	}
}

func TestIngestEvent_Validation(t *testing.T) {
	srv, reg := newTestServer(newMockStore(), Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing tenant", `{"entity_type":"message","entity_id":"m1","event_type":"message.create"}`},
		{"missing entity id", `{"tenant_id":"t1","entity_type":"message","event_type":"message.create"}`},
		{"missing event type", `{"tenant_id":"t1","entity_type":"message","entity_id":"m1"}`},
		{"bad entity type", `{"tenant_id":"t1","entity_type":"widget","entity_id":"m1","event_type":"x"}`},
	}
	for _, tc := range cases {
		if rec := doJSON(t, h, http.MethodPost, "/v1/events", tc.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestIngestEvent_NonObjectDataRejectedBeforeAppend(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/events",
		`{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.create","actor_id":"bob","data":[1,2]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// A rejected request leaves no state behind: no durable event the
	// pipeline would never materialize, no updates, no counter moves.
	if len(ms.events) != 0 {
		t.Errorf("events appended = %d, want 0", len(ms.events))
	}
	if n := len(ms.updatesFor("alice")); n != 0 {
		t.Errorf("alice updates = %d, want 0", n)
	}
	if got := ms.members[memberKey("t1", "d1", "alice")].UnreadCount; got != 0 {
		t.Errorf("alice unread = %d, want 0", got)
	}
}

func TestIngestEvent_ReactionTally(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	add := `{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.reaction","actor_id":"%s","data":{"dialog_id":"d1","reaction":"thumbsup"}}`
	for _, actor := range []string{"alice", "bob"} {
		if rec := doJSON(t, h, http.MethodPost, "/v1/events", strings.Replace(add, "%s", actor, 1)); rec.Code != http.StatusCreated {
			t.Fatalf("add reaction: status = %d, body %s", rec.Code, rec.Body.String())
		}
	}
	if got := ms.counter("t1", model.CounterMessage, "m1", model.ReactionField("thumbsup")); got != 2 {
		t.Errorf("reaction tally = %d, want 2", got)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/events",
		`{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.reaction","actor_id":"bob","data":{"dialog_id":"d1","reaction":"thumbsup","removed":true}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("remove reaction: status = %d", rec.Code)
	}
	if got := ms.counter("t1", model.CounterMessage, "m1", model.ReactionField("thumbsup")); got != 1 {
		t.Errorf("reaction tally after removal = %d, want 1", got)
	}

	// Reactions never touch unread state.
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 0 {
		t.Errorf("unread_total = %d, want 0", got)
	}

	// Each tally move is audited against the message counter document.
	audited := 0
	for _, hrow := range ms.history {
		if hrow.CounterType == model.CounterMessage && hrow.Field == model.ReactionField("thumbsup") {
			audited++
			if hrow.SourceOperation != events.TypeReactionChanged {
				t.Errorf("audit source = %q", hrow.SourceOperation)
			}
		}
	}
	if audited != 3 {
		t.Errorf("reaction audit rows = %d, want 3", audited)
	}
}

func TestIngestEvent_ReadStatusTally(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	body := `{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.status","actor_id":"alice","data":{"dialog_id":"d1","status":"%s"}}`
	if rec := doJSON(t, h, http.MethodPost, "/v1/events", strings.Replace(body, "%s", "read", 1)); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := ms.counter("t1", model.CounterMessage, "m1", model.FieldReadCount); got != 1 {
		t.Errorf("read_count = %d, want 1", got)
	}

	// Only the read status feeds the receipt tally.
	if rec := doJSON(t, h, http.MethodPost, "/v1/events", strings.Replace(body, "%s", "delivered", 1)); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := ms.counter("t1", model.CounterMessage, "m1", model.FieldReadCount); got != 1 {
		t.Errorf("read_count after delivered = %d, want 1", got)
	}
}

func TestIngestEvent_RejectsSubjectDelimiterIDs(t *testing.T) {
	ms := newMockStore()
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	cases := []struct {
		name string
		body string
	}{
		{"dotted tenant", `{"tenant_id":"t.1","entity_type":"message","entity_id":"m1","event_type":"message.create"}`},
		{"wildcard tenant", `{"tenant_id":"t*","entity_type":"message","entity_id":"m1","event_type":"message.create"}`},
		{"tenant with space", `{"tenant_id":"t 1","entity_type":"message","entity_id":"m1","event_type":"message.create"}`},
		{"wildcard user entity", `{"tenant_id":"t1","entity_type":"user","entity_id":"u>","event_type":"user.update"}`},
		{"dotted user in data", `{"tenant_id":"t1","entity_type":"user","entity_id":"u1","event_type":"user.update","data":{"user_id":"u.2"}}`},
	}
	for _, tc := range cases {
		if rec := doJSON(t, h, http.MethodPost, "/v1/events", tc.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
	if len(ms.events) != 0 {
		t.Errorf("events appended = %d, want 0", len(ms.events))
	}
}

func TestListUpdates_ReplayWindow(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	doJSON(t, h, http.MethodPost, "/v1/events",
		`{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.create","actor_id":"bob","data":{"dialog_id":"d1"}}`)

	rec := doJSON(t, h, http.MethodGet, "/v1/updates?tenant_id=t1&user_id=alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Updates []*model.Update `json:"updates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(resp.Updates))
	}
	if !resp.Updates[0].Published {
		t.Error("update not marked published in local mode")
	}

	// A window after the update excludes it.
	after := time.Now().UTC().Add(time.Minute).Format(time.RFC3339Nano)
	rec = doJSON(t, h, http.MethodGet, "/v1/updates?tenant_id=t1&user_id=alice&after="+after, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Updates) != 0 {
		t.Errorf("future window returned %d updates", len(resp.Updates))
	}

	if rec := doJSON(t, h, http.MethodGet, "/v1/updates?tenant_id=t1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d, want 400", rec.Code)
	}
}

func TestMarkDialogRead_SingleMember(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 4)
	ms.counters[counterKey("t1", model.CounterUser, "alice", model.FieldUnreadTotal)] = 4
	ms.counters[counterKey("t1", model.CounterUser, "alice", model.FieldUnreadDialogs)] = 1
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/read", `{"tenant_id":"t1","user_id":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := ms.members[memberKey("t1", "d1", "alice")].UnreadCount; got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 0 {
		t.Errorf("unread_total = %d, want 0", got)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadDialogs); got != 0 {
		t.Errorf("unread_dialogs = %d, want 0", got)
	}

	// Unknown member is 404.
	rec = doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/read", `{"tenant_id":"t1","user_id":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown member: status = %d, want 404", rec.Code)
	}
}

func TestMarkDialogRead_SmallDialogSynchronous(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 2)
	ms.addMember("t1", "d1", "bob", 3)
	srv, reg := newTestServer(ms, Options{BatchSize: 10})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/read", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	for _, user := range []string{"alice", "bob"} {
		if got := ms.members[memberKey("t1", "d1", user)].UnreadCount; got != 0 {
			t.Errorf("%s unread = %d, want 0", user, got)
		}
	}
	if len(ms.tasks) != 0 {
		t.Errorf("tasks enqueued = %d, want 0", len(ms.tasks))
	}
}

func TestMarkDialogRead_LargeDialogEnqueues(t *testing.T) {
	ms := newMockStore()
	for _, u := range []string{"alice", "bob", "carol"} {
		ms.addMember("t1", "d1", u, 1)
	}
	srv, reg := newTestServer(ms, Options{BatchSize: 2})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/read", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var task model.DialogReadTask
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID == "" || task.Status != model.TaskPending || task.DialogID != "d1" {
		t.Errorf("task = %+v", task)
	}
	if len(ms.tasks) != 1 {
		t.Fatalf("tasks enqueued = %d, want 1", len(ms.tasks))
	}
	// Counters untouched until the worker runs.
	if got := ms.members[memberKey("t1", "d1", "alice")].UnreadCount; got != 1 {
		t.Errorf("unread = %d before worker, want 1", got)
	}
}

func TestRecalculate_User(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 3)
	ms.addMember("t1", "d2", "alice", 0)
	// Drifted aggregates.
	ms.counters[counterKey("t1", model.CounterUser, "alice", model.FieldUnreadTotal)] = 99
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/counters/recalculate", `{"tenant_id":"t1","user_id":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 3 {
		t.Errorf("unread_total = %d, want 3", got)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadDialogs); got != 1 {
		t.Errorf("unread_dialogs = %d, want 1", got)
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/counters/recalculate", `{"tenant_id":"t1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing target: status = %d, want 400", rec.Code)
	}
}

func TestAddRemoveMember(t *testing.T) {
	ms := newMockStore()
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/members",
		`{"tenant_id":"t1","user_id":"alice","actor_id":"admin-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, ok := ms.members[memberKey("t1", "d1", "alice")]; !ok {
		t.Fatal("membership row not written")
	}
	if len(ms.events) != 1 || ms.events[0].EventType != events.TypeMemberAdded {
		t.Errorf("membership event not recorded: %+v", ms.events)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/dialogs/d1/members/alice?tenant_id=t1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, ok := ms.members[memberKey("t1", "d1", "alice")]; ok {
		t.Error("membership row not removed")
	}
	if len(ms.events) != 2 || ms.events[1].EventType != events.TypeMemberRemoved {
		t.Errorf("removal event not recorded")
	}
}

func TestAddMember_RejectsSubjectDelimiterIDs(t *testing.T) {
	ms := newMockStore()
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	for _, body := range []string{
		`{"tenant_id":"t1","user_id":"bob.>"}`,
		`{"tenant_id":"t.1","user_id":"bob"}`,
	} {
		if rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/members", body); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 for %s", rec.Code, body)
		}
	}
	if len(ms.members) != 0 {
		t.Errorf("members written = %d, want 0", len(ms.members))
	}
	if len(ms.events) != 0 {
		t.Errorf("events appended = %d, want 0", len(ms.events))
	}
}

func TestAddMember_TransactionFailureLeavesNoPartialState(t *testing.T) {
	ms := newMockStore()
	ms.txErr = errTxBoom
	srv, reg := newTestServer(ms, Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/dialogs/d1/members",
		`{"tenant_id":"t1","user_id":"alice"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// The row and its event commit together or not at all.
	if _, ok := ms.members[memberKey("t1", "d1", "alice")]; ok {
		t.Error("membership row written despite failed transaction")
	}
	if len(ms.events) != 0 {
		t.Errorf("events appended = %d, want 0", len(ms.events))
	}
}

func TestHealth(t *testing.T) {
	srv, reg := newTestServer(newMockStore(), Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("")

	rec := doJSON(t, h, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, reg := newTestServer(newMockStore(), Options{})
	defer reg.Close()
	h := srv.NewHTTPHandler("secret")

	// Health is exempt.
	if rec := doJSON(t, h, http.MethodGet, "/v1/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d", rec.Code)
	}

	// Missing and wrong tokens are rejected.
	if rec := doJSON(t, h, http.MethodGet, "/v1/updates?tenant_id=t1&user_id=u1", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", rec.Code)
	}
	r := httptest.NewRequest(http.MethodGet, "/v1/updates?tenant_id=t1&user_id=u1", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}

	// Valid token passes.
	r = httptest.NewRequest(http.MethodGet, "/v1/updates?tenant_id=t1&user_id=u1", nil)
	r.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", rec.Code)
	}
}

func TestIdempotencyGuard_RejectsDuplicateIngest(t *testing.T) {
	ms := newMockStore()
	ms.addMember("t1", "d1", "alice", 0)
	ms.addMember("t1", "d1", "bob", 0)
	reg := registry.New(nil, time.Hour, nil)
	defer reg.Close()
	guard := idem.NewGuard(time.Minute, nil)
	defer guard.Close()
	srv := New(ms, &events.NoopPublisher{}, counters.New(ms, nil), reg, guard, nil, Options{LocalMode: true})
	h := srv.NewHTTPHandler("")

	body := `{"tenant_id":"t1","entity_type":"message","entity_id":"m1","event_type":"message.create","actor_id":"bob","data":{"dialog_id":"d1"}}`
	if rec := doJSON(t, h, http.MethodPost, "/v1/events", body); rec.Code != http.StatusCreated {
		t.Fatalf("first: status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/events", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("duplicate: status = %d, want 429", rec.Code)
	}

	// The rejected duplicate produced no event, no update, no counter move.
	if len(ms.events) != 1 {
		t.Errorf("events = %d, want 1", len(ms.events))
	}
	if n := len(ms.updatesFor("alice")); n != 1 {
		t.Errorf("alice updates = %d, want 1", n)
	}
	if got := ms.counter("t1", model.CounterUser, "alice", model.FieldUnreadTotal); got != 1 {
		t.Errorf("unread_total = %d, want 1", got)
	}
}
