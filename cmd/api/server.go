package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"contractflow/actor"
	"contractflow/apperr"
	"contractflow/auth"
	"contractflow/completion"
	"contractflow/contract"
	"contractflow/dispute"
	"contractflow/escrow"
	"contractflow/metrics"
	"contractflow/milestone"
	"contractflow/ratelimit"
	"contractflow/reputation"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

const operatorKeyHeader = "X-Operator-Key"

// Server holds the services behind the HTTP API.
type Server struct {
	contracts   *contract.Service
	completions *completion.Service
	disputes    *dispute.Service
	milestones  *milestone.Scheduler
	ledger      *escrow.Ledger
	reputation  *reputation.Service

	auth    *auth.Service
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	log     *logrus.Entry
	ready   func(context.Context) error
}

func NewServer(svc services, authSvc *auth.Service, limiter ratelimit.Limiter, m *metrics.Metrics, log *logrus.Entry) *Server {
	return &Server{
		contracts:   svc.Contracts,
		completions: svc.Completions,
		disputes:    svc.Disputes,
		milestones:  svc.Milestones,
		ledger:      svc.Ledger,
		reputation:  svc.Reputation,
		auth:        authSvc,
		limiter:     limiter,
		metrics:     m,
		log:         log,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	limited := ratelimit.Middleware(s.limiter, "api", callerSubject, s.denyRateLimited, s.log)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/contractors/{contractorID}/reputation", s.handleReputation)

		r.Group(func(r chi.Router) {
			r.Get("/contracts/{contractID}", s.handleGetContract)
			r.Get("/contracts/{contractID}/progress", s.handleContractProgress)
			r.Get("/contracts/{contractID}/audit", s.handleContractAudit)
			r.Get("/contracts/{contractID}/changes", s.handleListChanges)
			r.Get("/contracts/{contractID}/milestones", s.handleListMilestones)
			r.Get("/contracts/{contractID}/schedule", s.handleListSchedule)
			r.Get("/contracts/{contractID}/escrow", s.handleContractEscrow)
			r.Get("/contracts/{contractID}/completions", s.handleListCompletions)
			r.Get("/contracts/{contractID}/disputes", s.handleListDisputes)
			r.Get("/escrow/{accountID}", s.handleGetEscrow)
			r.Get("/escrow/{accountID}/payments", s.handleEscrowPayments)
			r.Get("/completions/{completionID}", s.handleGetCompletion)
			r.Get("/completions/{completionID}/window", s.handleCompletionWindow)
			r.Get("/disputes/{disputeID}", s.handleGetDispute)
		})

		r.Group(func(r chi.Router) {
			r.Use(limited)

			r.Post("/contracts", s.handleCreateContract)
			r.Post("/contracts/{contractID}/offer", s.handleOfferContract)
			r.Post("/contracts/{contractID}/accept", s.handleAcceptContract)
			r.Post("/contracts/{contractID}/cancel", s.handleCancelContract)
			r.Post("/contracts/{contractID}/changes", s.handleProposeChange)
			r.Post("/contracts/{contractID}/changes/{changeID}/accept", s.handleAcceptChange)
			r.Post("/contracts/{contractID}/changes/{changeID}/reject", s.handleRejectChange)
			r.Post("/contracts/{contractID}/completions", s.handleSubmitCompletion)
			r.Post("/contracts/{contractID}/disputes", s.handleOpenDispute)

			r.Post("/milestones/{milestoneID}/start", s.handleStartMilestone)
			r.Post("/milestones/{milestoneID}/complete", s.handleCompleteMilestone)
			r.Post("/milestones/{milestoneID}/block", s.handleBlockMilestone)
			r.Post("/milestones/{milestoneID}/unblock", s.handleUnblockMilestone)

			r.Post("/schedule/{entryID}/release", s.handleReleaseEntry)

			r.Post("/completions/{completionID}/approve", s.handleApproveCompletion)
			r.Post("/completions/{completionID}/reject", s.handleRejectCompletion)
			r.Post("/completions/{completionID}/dispute", s.handleDisputeCompletion)

			r.Group(func(r chi.Router) {
				r.Use(s.requireOperator)
				r.Post("/escrow/{accountID}/refunds", s.handleRefund)
				r.Post("/disputes/{disputeID}/review", s.handleReviewDispute)
				r.Post("/disputes/{disputeID}/mediate", s.handleMediateDispute)
				r.Post("/disputes/{disputeID}/resolve", s.handleResolveDispute)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLog records one line and one metric sample per request, labelled
// by the matched route pattern rather than the raw path.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.HTTPRequest(r.Method, route, status, elapsed)
		if s.log != nil {
			s.log.WithFields(logrus.Fields{
				"method":      r.Method,
				"route":       route,
				"status":      status,
				"duration_ms": elapsed.Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("request served")
		}
	})
}

// authenticate resolves the bearer token into the caller's identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeUnauthorized(w, r, "missing bearer token")
			return
		}
		a, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeUnauthorized(w, r, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, a.ID)
		ctx = context.WithValue(ctx, ctxKeyRole, a.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOperator admits operators holding the shared operator key.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := callerFrom(r.Context())
		if !ok || !a.IsOperator() {
			s.writeError(w, r, apperr.New(apperr.CodeForbidden, "operator role required"))
			return
		}
		if err := s.auth.VerifyOperatorKey(r.Header.Get(operatorKeyHeader)); err != nil {
			s.writeError(w, r, apperr.New(apperr.CodeForbidden, "operator key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(ctx context.Context) (actor.Actor, bool) {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(actor.Role)
	if id == "" || !role.Valid() {
		return actor.Actor{}, false
	}
	return actor.Actor{ID: id, Role: role}, true
}

func callerSubject(r *http.Request) string {
	if a, ok := callerFrom(r.Context()); ok {
		return a.String()
	}
	return ""
}
