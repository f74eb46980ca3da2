package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgemesh-io/edgemesh/controlplane/auth"
	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/idempotency"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/resilience"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	s := store.NewMemoryStore()
	bus := eventbus.New(eventbus.DefaultCapacity)
	clk := clock.NewFake(time.Unix(0, 0))
	th := scheduler.DefaultFreshnessThresholds()
	reconciler := NewReconciler(s, bus, clk, scheduler.DefaultClaimTTL, scheduler.DefaultRetryPolicy(), th)
	admission := resilience.NewAdmissionController()
	return NewAPI(s, reconciler, clk, th, nil, admission, bus, idempotency.NewStore(nil))
}

func doJSON(t *testing.T, mux http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func jobToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.IssueJobToken("", clock.IDMinter{})
	if err != nil {
		t.Fatalf("issue job token: %v", err)
	}
	return tok
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.IssueAdminToken(clock.IDMinter{})
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	return tok
}

// TestAPI_NodeLifecycle registers a node, heartbeats it, and lists it back
// with a derived freshness state (spec.md §6 node.register/heartbeat/list).
func TestAPI_NodeLifecycle(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	w := doJSON(t, mux, "POST", "/nodes", "", map[string]any{"node_id": "n1", "tags": []string{"gpu"}})
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d body=%s", w.Code, w.Body.String())
	}
	var reg struct {
		NodeID string `json:"node_id"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if reg.Token == "" {
		t.Fatal("expected a node token")
	}

	w = doJSON(t, mux, "POST", "/nodes/n1/heartbeat", reg.Token, map[string]any{"status": "healthy"})
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, "GET", "/nodes", "", nil)
	var nodes []model.NodeView
	if err := json.Unmarshal(w.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("decode node list: %v", err)
	}
	if len(nodes) != 1 || nodes[0].FreshnessState != model.FreshnessHealthy {
		t.Fatalf("expected one healthy node, got %+v", nodes)
	}
}

// TestAPI_HeartbeatRejectsWrongNode confirms a node token may only heartbeat
// the node it was bound to (token_node_mismatch, spec.md §6).
func TestAPI_HeartbeatRejectsWrongNode(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	w := doJSON(t, mux, "POST", "/nodes", "", map[string]any{"node_id": "n1"})
	var reg struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &reg)

	w = doJSON(t, mux, "POST", "/nodes/n2/heartbeat", reg.Token, map[string]any{"status": "healthy"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched node token, got %d", w.Code)
	}
}

// TestAPI_HeartbeatRejectsRevokedNode confirms a revoked node can no longer
// heartbeat (node_revoked, spec.md §7).
func TestAPI_HeartbeatRejectsRevokedNode(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	w := doJSON(t, mux, "POST", "/nodes", "", map[string]any{"node_id": "n1"})
	var reg struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &reg)

	w = doJSON(t, mux, "POST", "/nodes/n1/revoke", adminToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, "POST", "/nodes/n1/heartbeat", reg.Token, map[string]any{"status": "healthy"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for heartbeat from a revoked node, got %d body=%s", w.Code, w.Body.String())
	}
}

// TestAPI_SubmitRejectsMismatchedJobToken confirms a job token bound to one
// idempotency key cannot be used to submit a task under a different one
// (token_job_mismatch, spec.md §6).
func TestAPI_SubmitRejectsMismatchedJobToken(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	tok, err := auth.IssueJobToken("bound-key", clock.IDMinter{})
	if err != nil {
		t.Fatalf("issue job token: %v", err)
	}

	w := doJSON(t, mux, "POST", "/tasks", tok, TaskSpec{Kind: "demo", IdempotencyKey: "other-key"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched job token, got %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, "POST", "/tasks", tok, TaskSpec{Kind: "demo", IdempotencyKey: "bound-key"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for matching job token, got %d body=%s", w.Code, w.Body.String())
	}
}

// TestAPI_SubmitClaimAckResult walks a task through its full happy-path
// lifecycle over HTTP (spec.md §6 task.submit/node.claim/task.ack/task.result).
func TestAPI_SubmitClaimAckResult(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	w := doJSON(t, mux, "POST", "/nodes", "", map[string]any{"node_id": "worker-1", "max_concurrent_tasks": 4})
	var reg struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &reg)
	doJSON(t, mux, "POST", "/nodes/worker-1/heartbeat", reg.Token, map[string]any{"status": "healthy"})

	w = doJSON(t, mux, "POST", "/tasks", jobToken(t), TaskSpec{Kind: "demo", MaxAttempts: 3})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d body=%s", w.Code, w.Body.String())
	}
	var task model.Task
	json.Unmarshal(w.Body.Bytes(), &task)
	if task.TaskID == "" {
		t.Fatal("expected a minted task id")
	}

	w = doJSON(t, mux, "POST", "/nodes/worker-1/claim", reg.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d body=%s", w.Code, w.Body.String())
	}
	var claimed model.Task
	json.Unmarshal(w.Body.Bytes(), &claimed)
	if claimed.TaskID != task.TaskID {
		t.Fatalf("expected to claim %s, got %s", task.TaskID, claimed.TaskID)
	}

	w = doJSON(t, mux, "POST", "/tasks/"+task.TaskID+"/ack", reg.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ack: %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, "POST", "/tasks/"+task.TaskID+"/result", reg.Token, map[string]any{"ok": true, "output": "done"})
	if w.Code != http.StatusOK {
		t.Fatalf("result: %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, "GET", "/tasks/"+task.TaskID, "", nil)
	var final model.Task
	json.Unmarshal(w.Body.Bytes(), &final)
	if final.Status != model.TaskStatusDone {
		t.Fatalf("expected task done, got %s", final.Status)
	}
}

// TestAPI_SubmitIdempotency replays the same Idempotency-Key and expects
// the cached response instead of a second task (SPEC_FULL.md's
// idempotency-keys-for-task.submit feature).
func TestAPI_SubmitIdempotency(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()
	tok := jobToken(t)

	body, _ := json.Marshal(TaskSpec{Kind: "demo", MaxAttempts: 1})
	req1 := httptest.NewRequest("POST", "/tasks", bytes.NewReader(body))
	req1.Header.Set("Idempotency-Key", "key-1")
	req1.Header.Set("Authorization", "Bearer "+tok)
	w1 := httptest.NewRecorder()
	mux.ServeHTTP(w1, req1)

	req2 := httptest.NewRequest("POST", "/tasks", bytes.NewReader(body))
	req2.Header.Set("Idempotency-Key", "key-1")
	req2.Header.Set("Authorization", "Bearer "+tok)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)

	var t1, t2 model.Task
	json.Unmarshal(w1.Body.Bytes(), &t1)
	json.Unmarshal(w2.Body.Bytes(), &t2)
	if t1.TaskID != t2.TaskID {
		t.Fatalf("expected replayed response with the same task id, got %s and %s", t1.TaskID, t2.TaskID)
	}

	list, err := api.store.ListTasks(t.Context())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one task to have been enqueued, got %d", len(list))
	}
}

// TestAPI_DlqReplay confirms a task that exhausts its retries lands in the
// DLQ and can be replayed back onto the queue (spec.md §6 dlq.list/replay).
func TestAPI_DlqReplay(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	task, err := api.reconciler.Submit(t.Context(), TaskSpec{Kind: "demo", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := api.store.UpsertNode(t.Context(), &model.Node{NodeID: "worker-1", Trusted: true, MaxConcurrentTasks: 4}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	if err := api.store.SetHeartbeat(t.Context(), "worker-1", model.Heartbeat{Ts: api.clk.Now(), Status: model.HeartbeatHealthy}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	claimed, err := api.reconciler.Claim(t.Context(), "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := api.reconciler.Result(t.Context(), task.TaskID, "worker-1", ResultInput{OK: false, Error: "boom"}); err != nil {
		t.Fatalf("result: %v", err)
	}

	w := doJSON(t, mux, "GET", "/dlq", "", nil)
	var entries []*model.DlqEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].TaskID != task.TaskID {
		t.Fatalf("expected one dlq entry for %s, got %+v", task.TaskID, entries)
	}

	w = doJSON(t, mux, "POST", "/dlq/"+task.TaskID+"/replay", adminToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: %d body=%s", w.Code, w.Body.String())
	}
	var replayed model.Task
	json.Unmarshal(w.Body.Bytes(), &replayed)
	if replayed.Status != model.TaskStatusQueued {
		t.Fatalf("expected replayed task back in queue, got %s", replayed.Status)
	}
}

// TestAPI_AdminRoutesRequireAdminToken confirms the admin-only surface
// (cancel, drain, admission-mode) rejects everything but an admin token.
func TestAPI_AdminRoutesRequireAdminToken(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	task, err := api.reconciler.Submit(t.Context(), TaskSpec{Kind: "demo", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := doJSON(t, mux, "POST", "/tasks/"+task.TaskID+"/cancel", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an admin token, got %d", w.Code)
	}

	w = doJSON(t, mux, "POST", "/tasks/"+task.TaskID+"/cancel", adminToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d body=%s", w.Code, w.Body.String())
	}
}

// TestAPI_Summary exercises runs.summary against a small amount of state.
func TestAPI_Summary(t *testing.T) {
	api := newTestAPI(t)
	mux := api.Routes()

	if _, err := api.reconciler.Submit(t.Context(), TaskSpec{Kind: "demo", MaxAttempts: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := doJSON(t, mux, "GET", "/summary", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: %d body=%s", w.Code, w.Body.String())
	}
	var summary Summary
	json.Unmarshal(w.Body.Bytes(), &summary)
	if summary.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %d", summary.QueueDepth)
	}
}
