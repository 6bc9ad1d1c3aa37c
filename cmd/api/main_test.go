package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/auth"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/logging"
	"contractflow/ratelimit"
	"contractflow/test/fixture"
)

const (
	testSecret      = "test-secret-for-handlers"
	testOperatorKey = "operator-key-0123456789"
)

func newTestServer(t *testing.T, e *fixture.Engine, limiter ratelimit.Limiter) *Server {
	t.Helper()
	hash, err := auth.HashOperatorKey(testOperatorKey)
	if err != nil {
		t.Fatalf("hash operator key: %v", err)
	}
	log := logrus.NewEntry(logging.NewWithOutput("error", "text", io.Discard))
	return NewServer(services{
		Contracts:   e.Contracts,
		Completions: e.Completions,
		Disputes:    e.Disputes,
		Milestones:  e.Milestones,
		Ledger:      e.Ledger,
		Reputation:  e.Reputation,
	}, auth.NewService(testSecret, hash), limiter, e.Metrics, log)
}

// asCaller attaches an authenticated caller and chi URL params to req, the
// way the router would before a handler runs.
func asCaller(req *http.Request, a actor.Actor, params ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(params); i += 2 {
		rctx.URLParams.Add(params[i], params[i+1])
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, ctxKeyUserID, a.ID)
	ctx = context.WithValue(ctx, ctxKeyRole, a.Role)
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rec.Body.String())
	}
	return env.Error
}

func bearer(t *testing.T, s *Server, a actor.Actor) string {
	t.Helper()
	tok, err := s.auth.IssueToken(a, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + tok
}

func TestHandleGetContract_Success(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	server := newTestServer(t, e, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/"+c.ID, nil)
	rec := httptest.NewRecorder()

	server.handleGetContract(rec, asCaller(req, fixture.Contractor, "contractID", c.ID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp contract.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != c.ID || resp.Status != contract.StatusActive || resp.TotalAmount != 10000 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleGetContract_ForbiddenForStranger(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	server := newTestServer(t, e, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/"+c.ID, nil)
	rec := httptest.NewRecorder()

	server.handleGetContract(rec, asCaller(req, actor.Contractor("pro-2"), "contractID", c.ID))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "FORBIDDEN" || body.Retryable {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestHandleGetContract_NotFound(t *testing.T) {
	server := newTestServer(t, fixture.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/missing", nil)
	rec := httptest.NewRecorder()

	server.handleGetContract(rec, asCaller(req, fixture.Operator, "contractID", "missing"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCreateContract_RejectsUnknownFields(t *testing.T) {
	server := newTestServer(t, fixture.New(), nil)

	body := strings.NewReader(`{"bid_id":"b1","amount":100,"surprise":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/contracts", body)
	rec := httptest.NewRecorder()

	server.handleCreateContract(rec, asCaller(req, fixture.Homeowner))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestHandleCreateContract_Success(t *testing.T) {
	e := fixture.New()
	server := newTestServer(t, e, nil)

	payload, err := json.Marshal(e.Terms(8000))
	if err != nil {
		t.Fatalf("encode terms: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contracts", strings.NewReader(string(payload)))
	rec := httptest.NewRecorder()

	server.handleCreateContract(rec, asCaller(req, fixture.Homeowner))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp contract.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != contract.StatusDraft || resp.TotalAmount != 8000 {
		t.Fatalf("unexpected contract: %+v", resp)
	}
}

func TestHandleSubmitCompletion_NoEvidence(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(5000)).Contract
	server := newTestServer(t, e, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/"+c.ID+"/completions", strings.NewReader(`{"evidence":[]}`))
	rec := httptest.NewRecorder()

	server.handleSubmitCompletion(rec, asCaller(req, fixture.Contractor, "contractID", c.ID))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "INSUFFICIENT_EVIDENCE" {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestHandleApproveCompletion_InvalidRating(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(5000)).Contract
	server := newTestServer(t, e, nil)

	sub, err := e.Completions.Submit(context.Background(), c.ID, completion.SubmitRequest{
		Evidence: []completion.Evidence{{Kind: "photo", URL: "https://cdn.example.test/done.jpg"}},
	}, fixture.Contractor)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/completions/"+sub.ID+"/approve", strings.NewReader(`{"rating":9}`))
	rec := httptest.NewRecorder()

	server.handleApproveCompletion(rec, asCaller(req, fixture.Homeowner, "completionID", sub.ID))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/completions/"+sub.ID+"/approve", strings.NewReader(`{"rating":4}`))
	rec = httptest.NewRecorder()

	server.handleApproveCompletion(rec, asCaller(req, fixture.Homeowner, "completionID", sub.ID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp completion.Completion
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != completion.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", resp.Status)
	}
}

func TestHandleCompletionWindow_ClosedAfterExpiry(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(5000)).Contract
	server := newTestServer(t, e, nil)

	sub, err := e.Completions.Submit(context.Background(), c.ID, completion.SubmitRequest{
		Evidence: []completion.Evidence{{Kind: "photo", URL: "https://cdn.example.test/done.jpg"}},
	}, fixture.Contractor)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Clock.Set(sub.DisputeWindowExpiresAt.Add(time.Second))

	req := httptest.NewRequest(http.MethodPost, "/api/completions/"+sub.ID+"/dispute", strings.NewReader(`{"reason":"leaking"}`))
	rec := httptest.NewRecorder()
	server.handleDisputeCompletion(rec, asCaller(req, fixture.Homeowner, "completionID", sub.ID))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "DISPUTE_WINDOW_CLOSED" {
		t.Fatalf("unexpected error code: %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/completions/"+sub.ID+"/window", nil)
	rec = httptest.NewRecorder()
	server.handleCompletionWindow(rec, asCaller(req, fixture.Homeowner, "completionID", sub.ID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var win completion.Window
	if err := json.Unmarshal(rec.Body.Bytes(), &win); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if win.Open || win.Remaining != 0 {
		t.Fatalf("expected a closed window, got %+v", win)
	}
}

func TestRoutes_Healthz(t *testing.T) {
	server := newTestServer(t, fixture.New(), nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	server := newTestServer(t, fixture.New(), nil)
	routes := server.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/contracts/c1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/c1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", rec.Code)
	}
}

func TestRoutes_ResolveNeedsOperatorKey(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	rec0, err := e.Disputes.Open(context.Background(), c.ID, "no show", fixture.Homeowner)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	server := newTestServer(t, e, nil)
	routes := server.Routes()
	path := "/api/disputes/" + rec0.ID + "/resolve"

	resolve := func(a actor.Actor, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"decision":"REFUND","notes":"contractor never started"}`))
		req.Header.Set("Authorization", bearer(t, server, a))
		if key != "" {
			req.Header.Set(operatorKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec
	}

	if rec := resolve(fixture.Homeowner, testOperatorKey); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a homeowner, got %d", rec.Code)
	}
	if rec := resolve(fixture.Operator, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without operator key, got %d", rec.Code)
	}
	if rec := resolve(fixture.Operator, "wrong-key-0123456789"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with a wrong operator key, got %d", rec.Code)
	}

	rec := resolve(fixture.Operator, testOperatorKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp dispute.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != dispute.StatusResolved || resp.Decision != dispute.DecisionRefund {
		t.Fatalf("unexpected dispute: %+v", resp)
	}

	rec = resolve(fixture.Operator, testOperatorKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on a second resolve, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "DISPUTE_ALREADY_RESOLVED" || body.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestRoutes_RateLimitsMutations(t *testing.T) {
	e := fixture.New()
	c := e.Activate(t, e.Terms(10000)).Contract
	server := newTestServer(t, e, ratelimit.NewLocal(1))
	routes := server.Routes()
	token := bearer(t, server, fixture.Contractor)

	block := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/contracts/"+c.ID+"/changes", strings.NewReader(`{"type":"TIME_EXTENSION","description":"rain delay","extension_days":3}`))
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec
	}

	if rec := block(); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := block()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
	if body := decodeError(t, rec); body.Code != "RATE_LIMITED" || !body.Retryable {
		t.Fatalf("unexpected error body: %+v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/"+c.ID+"/changes", nil)
	req.Header.Set("Authorization", token)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads are not rate limited, got %d", rec.Code)
	}
}
