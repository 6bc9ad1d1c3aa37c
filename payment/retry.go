package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"contractflow/metrics"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = time.Second
	defaultCallTimeout    = 3 * time.Second
)

// Retrying wraps a Processor with bounded exponential backoff. Declines are
// permanent and returned after the first attempt.
type Retrying struct {
	next        Processor
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	timeout     time.Duration
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

type Option func(*Retrying)

func WithMaxAttempts(n int) Option {
	return func(r *Retrying) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(r *Retrying) {
		if initial > 0 {
			r.initial = initial
		}
		if max >= r.initial && max > 0 {
			r.max = max
		}
	}
}

// WithTimeout bounds the whole call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(r *Retrying) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(r *Retrying) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Retrying) { r.metrics = m }
}

func NewRetrying(next Processor, opts ...Option) *Retrying {
	r := &Retrying{
		next:        next,
		maxAttempts: defaultMaxAttempts,
		initial:     defaultInitialBackoff,
		max:         defaultMaxBackoff,
		timeout:     defaultCallTimeout,
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "payment_processor")
	return r
}

func (r *Retrying) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	return r.do(ctx, "charge", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return r.next.Charge(ctx, req)
	})
}

func (r *Retrying) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return r.do(ctx, "transfer", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return r.next.Transfer(ctx, req)
	})
}

func (r *Retrying) do(ctx context.Context, op, key string, call func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxInterval = r.max
	policy.MaxElapsedTime = 0

	attempt := 0
	var txID string
	operation := func() error {
		attempt++
		id, err := call(ctx)
		if err == nil {
			txID = id
			r.metrics.ProcessorAttempt(op, "ok")
			return nil
		}
		if errors.Is(err, ErrDeclined) {
			r.metrics.ProcessorAttempt(op, "declined")
			return backoff.Permanent(err)
		}
		r.metrics.ProcessorAttempt(op, "error")
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"operation":       op,
			"idempotency_key": key,
			"attempt":         attempt,
			"backoff_ms":      wait.Milliseconds(),
		}).Warn("processor call failed; retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return "", err
	}
	return txID, nil
}
