package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process processor for local development and tests. It
// honours idempotency keys the way a real processor does.
type Sandbox struct {
	mu       sync.Mutex
	byKey    map[string]string
	calls    int
	failures map[string]error
	failAll  error
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		byKey:    make(map[string]string),
		failures: make(map[string]error),
	}
}

// FailKey makes every call with key return err until cleared with a nil err.
func (s *Sandbox) FailKey(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// FailAll makes every call fail with err; pass nil to restore.
func (s *Sandbox) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// Calls reports how many calls reached the sandbox, replays included.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Transactions reports how many distinct transactions were created.
func (s *Sandbox) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *Sandbox) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	return s.record(ctx, "charge", req.IdempotencyKey, req.Amount)
}

func (s *Sandbox) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return s.record(ctx, "transfer", req.IdempotencyKey, req.Amount)
}

func (s *Sandbox) record(ctx context.Context, op, key string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("payment: missing idempotency key")
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: non-positive %s amount %d", ErrDeclined, op, amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll != nil {
		return "", s.failAll
	}
	if err, ok := s.failures[key]; ok {
		return "", err
	}
	if id, ok := s.byKey[op+":"+key]; ok {
		return id, nil
	}
	id := "sbx_" + uuid.NewString()
	s.byKey[op+":"+key] = id
	return id, nil
}
