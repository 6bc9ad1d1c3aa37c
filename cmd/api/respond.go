package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"contractflow/apperr"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = apperr.New(apperr.CodeInvalidArgument, "request body is required")

type errorBody struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Retryable bool        `json:"retryable"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request body")
	}
	if dec.More() {
		return apperr.New(apperr.CodeInvalidArgument, "request body must hold a single JSON object")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for routes whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, dst)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound, apperr.CodeChangeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidStateTransition,
		apperr.CodeConcurrentModification,
		apperr.CodeDisputeWindowClosed,
		apperr.CodeDisputeAlreadyResolved,
		apperr.CodeChangeAlreadyResolved:
		return http.StatusConflict
	case apperr.CodeInsufficientEvidence,
		apperr.CodeInvalidRating,
		apperr.CodeScheduleOverallocated,
		apperr.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeExternalPaymentFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto the error envelope. Internal failures are logged
// and their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	msg := apperr.MessageOf(err)
	if status == http.StatusInternalServerError {
		if s.log != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			}).Error("request failed")
		}
		if code != apperr.CodeConservationViolated {
			code = apperr.CodeInternal
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
		Retryable: apperr.Retryable(err),
	}})
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: errorBody{
		Code:      "UNAUTHORIZED",
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func (s *Server) denyRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	s.writeError(w, r, apperr.New(apperr.CodeRateLimited, "too many requests, retry in %s", retryAfter))
}
