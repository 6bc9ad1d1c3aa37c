package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyProcessor struct {
	failures int
	err      error
	calls    int
}

func (f *flakyProcessor) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	return f.next()
}

func (f *flakyProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return f.next()
}

func (f *flakyProcessor) next() (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "tx-ok", nil
}

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyProcessor{failures: 2, err: errors.New("connection reset")}
	p := NewRetrying(inner, WithMaxAttempts(3), WithBackoff(time.Millisecond, 2*time.Millisecond))

	id, err := p.Transfer(context.Background(), TransferRequest{IdempotencyKey: "release:e-1", Amount: 100})
	require.NoError(t, err)
	require.Equal(t, "tx-ok", id)
	require.Equal(t, 3, inner.calls)
}

func TestRetrying_StopsAfterMaxAttempts(t *testing.T) {
	inner := &flakyProcessor{failures: 10, err: errors.New("timeout")}
	p := NewRetrying(inner, WithMaxAttempts(3), WithBackoff(time.Millisecond, time.Millisecond))

	_, err := p.Charge(context.Background(), ChargeRequest{IdempotencyKey: "deposit:a-1", Amount: 100})
	require.Error(t, err)
	require.Equal(t, 3, inner.calls)
}

func TestRetrying_DeclineIsPermanent(t *testing.T) {
	inner := &flakyProcessor{failures: 10, err: ErrDeclined}
	p := NewRetrying(inner, WithMaxAttempts(5), WithBackoff(time.Millisecond, time.Millisecond))

	_, err := p.Transfer(context.Background(), TransferRequest{IdempotencyKey: "release:e-1", Amount: 100})
	require.ErrorIs(t, err, ErrDeclined)
	require.Equal(t, 1, inner.calls)
}

type stalledProcessor struct{ calls int }

func (s *stalledProcessor) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	s.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func (s *stalledProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return s.Charge(ctx, ChargeRequest{})
}

func TestRetrying_TimeoutBoundsWholeCall(t *testing.T) {
	inner := &stalledProcessor{}
	p := NewRetrying(inner, WithMaxAttempts(10), WithBackoff(time.Millisecond, time.Millisecond), WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := p.Charge(context.Background(), ChargeRequest{IdempotencyKey: "deposit:a-1", Amount: 100})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, inner.calls)

	def := NewRetrying(inner)
	require.Equal(t, 3*time.Second, def.timeout)
	require.Equal(t, 3, def.maxAttempts)
}

func TestSandbox_IdempotentPerKey(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()

	first, err := s.Transfer(ctx, TransferRequest{IdempotencyKey: "release:e-1", Amount: 2500})
	require.NoError(t, err)
	second, err := s.Transfer(ctx, TransferRequest{IdempotencyKey: "release:e-1", Amount: 2500})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, s.Transactions())
	require.Equal(t, 2, s.Calls())

	s.FailKey("release:e-2", ErrDeclined)
	_, err = s.Transfer(ctx, TransferRequest{IdempotencyKey: "release:e-2", Amount: 1})
	require.ErrorIs(t, err, ErrDeclined)
}

func TestHTTPClient_MapsStatusCodes(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		switch r.URL.Path {
		case "/charges":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"transaction_id":"ch_1","status":"settled"}`))
		case "/transfers":
			if r.Header.Get("Idempotency-Key") == "declined" {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(`{"code":"insufficient_funds","message":"no"}`))
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	ctx := context.Background()

	id, err := c.Charge(ctx, ChargeRequest{IdempotencyKey: "deposit:a-1", Amount: 10000})
	require.NoError(t, err)
	require.Equal(t, "ch_1", id)
	require.Equal(t, "deposit:a-1", gotKey)

	_, err = c.Transfer(ctx, TransferRequest{IdempotencyKey: "declined", Amount: 1})
	require.ErrorIs(t, err, ErrDeclined)

	_, err = c.Transfer(ctx, TransferRequest{IdempotencyKey: "release:e-1", Amount: 1})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDeclined)
}
