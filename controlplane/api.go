package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgemesh-io/edgemesh/controlplane/auth"
	"github.com/edgemesh-io/edgemesh/controlplane/clock"
	"github.com/edgemesh-io/edgemesh/controlplane/coordination"
	"github.com/edgemesh-io/edgemesh/controlplane/edgeerr"
	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/idempotency"
	"github.com/edgemesh-io/edgemesh/controlplane/incident"
	"github.com/edgemesh-io/edgemesh/controlplane/middleware"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
	"github.com/edgemesh-io/edgemesh/controlplane/observability"
	"github.com/edgemesh-io/edgemesh/controlplane/ratelimit"
	"github.com/edgemesh-io/edgemesh/controlplane/resilience"
	"github.com/edgemesh-io/edgemesh/controlplane/scheduler"
	"github.com/edgemesh-io/edgemesh/controlplane/store"
)

// API is the thin HTTP surface over the core packages (spec.md §6). Per
// SPEC_FULL.md's Non-goals note, this layer is intentionally unambitious:
// it parses requests, calls one core operation, and maps the result/error
// straight onto the wire. All the interesting behavior lives in
// Reconciler, Reaper, store.Store and the Claim Engine helpers.
type API struct {
	store       store.Store
	reconciler  *Reconciler
	clk         clock.Clock
	ids         clock.IDMinter
	th          scheduler.FreshnessThresholds
	elector     *coordination.LeaderElector
	admission   *resilience.AdmissionController
	summary     *SummaryService
	bus         *eventbus.Bus
	eventHub    *EventHub
	idempotency *idempotency.Store
	replayGuard *auth.ReplayGuard

	heartbeatLimiter ratelimit.Limiter
	claimLimiter     ratelimit.Limiter
}

func NewAPI(s store.Store, reconciler *Reconciler, clk clock.Clock, th scheduler.FreshnessThresholds, elector *coordination.LeaderElector, admission *resilience.AdmissionController, bus *eventbus.Bus, idemStore *idempotency.Store) *API {
	a := &API{
		store:            s,
		reconciler:       reconciler,
		clk:              clk,
		ids:              clock.IDMinter{},
		th:               th,
		elector:          elector,
		admission:        admission,
		bus:              bus,
		idempotency:      idemStore,
		replayGuard:      auth.NewReplayGuard(),
		heartbeatLimiter: ratelimit.New(100, 200),
		claimLimiter:     ratelimit.New(50, 100),
	}
	a.summary = NewSummaryService(s, clk, th, elector, admission)
	a.eventHub = NewEventHub(bus)
	return a
}

// Routes builds the HTTP mux implementing spec.md §6's request surface.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /nodes", http.HandlerFunc(a.handleRegisterNode))
	mux.Handle("POST /nodes/{id}/token", middleware.RequireRole(auth.RoleNode)(http.HandlerFunc(a.handleRefreshToken)))
	mux.Handle("POST /nodes/{id}/heartbeat", middleware.RequireRole(auth.RoleNode)(http.HandlerFunc(a.handleHeartbeat)))
	mux.Handle("POST /nodes/{id}/claim", middleware.RequireRole(auth.RoleNode)(http.HandlerFunc(a.handleClaim)))
	mux.Handle("GET /nodes", http.HandlerFunc(a.handleListNodes))
	mux.Handle("GET /nodes/{id}", http.HandlerFunc(a.handleGetNode))
	mux.Handle("POST /nodes/{id}/drain", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleSetDrain(true))))
	mux.Handle("POST /nodes/{id}/undrain", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleSetDrain(false))))
	mux.Handle("POST /nodes/{id}/revoke", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleRevokeNode)))

	mux.Handle("POST /tasks", middleware.RequireRole(auth.RoleJob)(http.HandlerFunc(a.withIdempotency(a.handleSubmitTask))))
	mux.Handle("GET /tasks", http.HandlerFunc(a.handleListTasks))
	mux.Handle("GET /tasks/queue", http.HandlerFunc(a.handleListQueue))
	mux.Handle("GET /tasks/running", http.HandlerFunc(a.handleListRunning))
	mux.Handle("GET /tasks/{id}", http.HandlerFunc(a.handleGetTask))
	mux.Handle("POST /tasks/{id}/cancel", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleCancelTask)))
	mux.Handle("POST /tasks/{id}/ack", middleware.RequireRole(auth.RoleNode)(http.HandlerFunc(a.handleAck)))
	mux.Handle("POST /tasks/{id}/result", middleware.RequireRole(auth.RoleNode)(http.HandlerFunc(a.handleResult)))

	mux.Handle("GET /dlq", http.HandlerFunc(a.handleListDlq))
	mux.Handle("GET /dlq/{id}", http.HandlerFunc(a.handleGetDlq))
	mux.Handle("POST /dlq/{id}/replay", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleReplayDlq)))
	mux.Handle("GET /dlq/{id}/incident", http.HandlerFunc(a.handleIncident))

	mux.Handle("GET /events/stream", http.HandlerFunc(a.handleEventStream))
	mux.Handle("GET /summary", http.HandlerFunc(a.handleSummary))
	mux.Handle("POST /admin/admission-mode", middleware.RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleSetAdmissionMode)))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// errCode maps a core-package error to spec.md §6's stable error taxonomy.
func errCode(err error) (int, string) {
	switch {
	case errors.Is(err, edgeerr.ErrNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, edgeerr.ErrWrongClaimant):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, edgeerr.ErrInvalidTransition):
		return http.StatusConflict, "task_already_terminal"
	case errors.Is(err, edgeerr.ErrNodeRevoked):
		return http.StatusForbidden, "node_revoked"
	case errors.Is(err, edgeerr.ErrStoreFrozen), errors.Is(err, edgeerr.ErrStoreDraining):
		return http.StatusServiceUnavailable, "node_bootstrap_denied"
	case errors.Is(err, edgeerr.ErrIdempotentReplay):
		return http.StatusConflict, "token_replay"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response for a repeated
// Idempotency-Key instead of re-running task.submit (SPEC_FULL.md's
// idempotency-keys-for-task.submit feature).
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			observability.IdempotencyReplays.Inc()
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func nodeMatchesPath(r *http.Request) bool {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	return ok && claims.NodeID == r.PathValue("id")
}

// -- node.* --

const bootstrapSecretEnv = "EDGEMESH_BOOTSTRAP_SECRET"

func (a *API) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	want := os.Getenv(bootstrapSecretEnv)
	if want != "" && r.Header.Get("X-Bootstrap-Secret") != want {
		writeErr(w, http.StatusForbidden, "node_bootstrap_denied")
		return
	}

	var req struct {
		NodeID             string   `json:"node_id"`
		Tags               []string `json:"tags"`
		MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.NodeID == "" {
		req.NodeID = a.ids.NewNodeID()
	}

	node := &model.Node{
		NodeID:             req.NodeID,
		Tags:               req.Tags,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Trusted:            true,
		RegisteredAt:       a.clk.Now(),
	}
	if err := a.store.UpsertNode(r.Context(), node); err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	a.bus.Publish(model.Event{Type: model.EventNodeRegistered, At: a.clk.Now(), NodeID: node.NodeID})

	token, err := auth.IssueNodeToken(node.NodeID, a.ids)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": node.NodeID, "token": token})
}

func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if !nodeMatchesPath(r) {
		writeErr(w, http.StatusForbidden, "token_node_mismatch")
		return
	}
	token, err := auth.IssueNodeToken(r.PathValue("id"), a.ids)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if !nodeMatchesPath(r) {
		writeErr(w, http.StatusForbidden, "token_node_mismatch")
		return
	}
	if !a.heartbeatLimiter.Allow(nodeID) {
		observability.RateLimited.WithLabelValues("node.heartbeat").Inc()
		writeErr(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req struct {
		Status       model.HeartbeatStatus `json:"status"`
		Load         float64               `json:"load"`
		RunningTasks int                   `json:"running_tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Status == "" {
		req.Status = model.HeartbeatHealthy
	}

	hb := model.Heartbeat{Ts: a.clk.Now(), Status: req.Status, Load: req.Load, RunningTasks: req.RunningTasks}
	if err := a.store.SetHeartbeat(r.Context(), nodeID, hb); err != nil {
		status, code := errCode(err)
		writeErr(w, status, code)
		return
	}
	a.bus.Publish(model.Event{Type: model.EventNodeHeartbeat, At: a.clk.Now(), NodeID: nodeID})
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if !nodeMatchesPath(r) {
		writeErr(w, http.StatusForbidden, "token_node_mismatch")
		return
	}
	if !a.claimLimiter.Allow(nodeID) {
		observability.RateLimited.WithLabelValues("node.claim").Inc()
		writeErr(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	if a.elector != nil && !a.elector.IsLeader() {
		writeErr(w, http.StatusServiceUnavailable, "not_leader")
		return
	}

	task, err := a.reconciler.Claim(r.Context(), nodeID)
	if err != nil {
		status, code := errCode(err)
		writeErr(w, status, code)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.Context(), a.clk.Now(), a.th)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.GetNode(r.Context(), r.PathValue("id"), a.clk.Now(), a.th)
	if errors.Is(err, edgeerr.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "unknown_node")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) handleSetDrain(draining bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("id")
		if err := a.store.SetNodeDrain(r.Context(), nodeID, draining); err != nil {
			writeErr(w, http.StatusInternalServerError, "internal_error")
			return
		}
		evtType := model.EventNodeUndrain
		if draining {
			evtType = model.EventNodeDrain
		}
		a.bus.Publish(model.Event{Type: evtType, At: a.clk.Now(), NodeID: nodeID})
		w.WriteHeader(http.StatusOK)
	}
}

func (a *API) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	revoked := true
	if err := a.store.SetNodeTrust(r.Context(), nodeID, nil, &revoked); err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	a.bus.Publish(model.Event{Type: model.EventNodeRevoked, At: a.clk.Now(), NodeID: nodeID})
	w.WriteHeader(http.StatusOK)
}

// -- task.* --

// queueDepth and workerSaturation feed the submit-path CircuitBreaker's
// admission judgment; both fall back to 0 on a Store error since a denial
// should come from the breaker's own state, not a transient read failure.
func (a *API) queueDepth(ctx context.Context) int {
	queued, err := a.store.ListQueued(ctx)
	if err != nil {
		return 0
	}
	return len(queued)
}

func (a *API) workerSaturation(ctx context.Context) float64 {
	running, err := a.store.ListRunning(ctx)
	if err != nil {
		return 0
	}
	nodes, err := a.store.ListNodes(ctx, a.clk.Now(), a.th)
	if err != nil {
		return 0
	}
	capacity := 0
	for _, n := range nodes {
		capacity += n.MaxConcurrentTasks
	}
	if capacity == 0 {
		return 0
	}
	return float64(len(running)) / float64(capacity)
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if a.admission != nil && !a.admission.AllowSubmit(a.queueDepth(r.Context()), a.workerSaturation(r.Context())) {
		writeErr(w, http.StatusServiceUnavailable, "node_bootstrap_denied")
		return
	}

	var spec TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		if claims.TaskID != "" && claims.TaskID != spec.IdempotencyKey {
			writeErr(w, http.StatusForbidden, "token_job_mismatch")
			return
		}
		if err := a.replayGuard.Consume(claims.JTI); err != nil {
			writeErr(w, http.StatusConflict, "token_replay")
			return
		}
	}

	task, err := a.reconciler.Submit(r.Context(), spec)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, edgeerr.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "task_not_found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListTasks(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleListQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListQueued(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleListRunning(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListRunning(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.reconciler.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		status, code := errCode(err)
		writeErr(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := a.reconciler.Ack(r.Context(), r.PathValue("id"), claims.NodeID); err != nil {
		status, code := errCode(err)
		writeErr(w, status, code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var in ResultInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := a.reconciler.Result(r.Context(), r.PathValue("id"), claims.NodeID, in); err != nil {
		status, code := errCode(err)
		writeErr(w, status, code)
		return
	}
	if a.admission != nil {
		if in.OK {
			a.admission.RecordTaskSuccess()
		} else {
			a.admission.RecordTaskFailure()
		}
	}
	w.WriteHeader(http.StatusOK)
}

// -- dlq.* --

func (a *API) handleListDlq(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.ListDlq(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleGetDlq(w http.ResponseWriter, r *http.Request) {
	entry, err := a.store.GetDlqEntry(r.Context(), r.PathValue("id"))
	if errors.Is(err, edgeerr.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "dlq_entry_not_found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleReplayDlq(w http.ResponseWriter, r *http.Request) {
	task, err := a.reconciler.ReplayDlq(r.Context(), r.PathValue("id"))
	if errors.Is(err, edgeerr.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "dlq_entry_not_found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleIncident(w http.ResponseWriter, r *http.Request) {
	report, err := incident.Capture(r.Context(), a.store, a.bus, r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if report == nil {
		writeErr(w, http.StatusNotFound, "dlq_entry_not_found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// -- admin / misc --

func (a *API) handleSetAdmissionMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode model.AdmissionMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}
	switch req.Mode {
	case model.AdmissionNormal, model.AdmissionDrain, model.AdmissionFreeze:
	default:
		writeErr(w, http.StatusBadRequest, "invalid_request")
		return
	}
	a.admission.SetMode(req.Mode)
	log.Printf("admin: admission mode set to %s", req.Mode)
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.summary.Collect(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events.stream upgrade failed: %v", err)
		return
	}
	if !a.eventHub.Register(conn) {
		conn.Close()
		return
	}
	defer a.eventHub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
