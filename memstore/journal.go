package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"contractflow/audit"
	"contractflow/db"
	"contractflow/outbox"
)

// Audit returns a log that satisfies both audit.Writer and audit.Reader.
func (s *Store) Audit() AuditLog { return auditRepo{s} }

// Outbox returns the outbox.Store view of s.
func (s *Store) Outbox() outbox.Store { return outboxRepo{s} }

type AuditLog interface {
	audit.Writer
	audit.Reader
}

type auditRepo struct{ s *Store }

// Append stores a copy of e with details round-tripped through JSON, so
// readers see the same shapes the jsonb column would give back.
func (r auditRepo) Append(ctx context.Context, tx pgx.Tx, e audit.Entry) error {
	if e.ContractID == "" {
		return fmt.Errorf("audit: missing contract id")
	}
	if e.Action == "" {
		return fmt.Errorf("audit: missing action")
	}
	if e.Actor == "" {
		e.Actor = audit.ActorSystem
	}
	details, err := roundTrip(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	st, err := r.s.write(tx, "audit.Append")
	if err != nil {
		return err
	}
	st.auditSeq++
	e.ID = st.auditSeq
	e.Timestamp = e.Timestamp.UTC()
	e.Details = details
	st.audit = append(st.audit, e)
	return nil
}

func roundTrip(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r auditRepo) List(ctx context.Context, q db.Querier, contractID string) ([]audit.Entry, error) {
	st, done := r.s.read(q)
	defer done()
	out := make([]audit.Entry, 0, 16)
	for _, e := range st.audit {
		if e.ContractID == contractID {
			out = append(out, e)
		}
	}
	return out, nil
}

type outboxRepo struct{ s *Store }

func (r outboxRepo) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	st, err := r.s.write(tx, "outbox.Enqueue")
	if err != nil {
		return err
	}
	st.outbox = append(st.outbox, outbox.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   body,
		Status:    outbox.StatusPending,
		CreatedAt: r.s.now().UTC(),
	})
	return nil
}

func (r outboxRepo) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		limit = 1
	}
	st, err := r.s.write(tx, "outbox.ClaimPending")
	if err != nil {
		return nil, err
	}
	out := make([]outbox.Message, 0, limit)
	for _, m := range st.outbox {
		if len(out) == limit {
			break
		}
		if m.Status == outbox.StatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r outboxRepo) update(tx pgx.Tx, op, id string, fn func(*outbox.Message)) error {
	st, err := r.s.write(tx, op)
	if err != nil {
		return err
	}
	for i := range st.outbox {
		if st.outbox[i].ID == id {
			fn(&st.outbox[i])
			return nil
		}
	}
	return nil
}

func (r outboxRepo) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	return r.update(tx, "outbox.MarkProcessed", id, func(m *outbox.Message) {
		m.Status = outbox.StatusProcessed
		m.Attempts++
	})
}

func (r outboxRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.update(tx, "outbox.MarkFailed", id, func(m *outbox.Message) {
		m.Attempts++
		m.LastError = msg
		if m.Attempts >= maxAttempts {
			m.Status = outbox.StatusDead
		}
	})
}
