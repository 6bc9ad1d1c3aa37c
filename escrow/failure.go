package escrow

import (
	"errors"
	"fmt"

	"contractflow/apperr"
	"contractflow/payment"
)

// PaymentFailure is returned when the processor could not complete a money
// movement after retries. The caller rolls back its transaction and then
// hands the error to Ledger.RecordFailure so the attempt is still visible.
type PaymentFailure struct {
	Record PaymentRecord
	Actor  string
	cause  *apperr.Error
}

func newPaymentFailure(rec PaymentRecord, actor string, err error) *PaymentFailure {
	msg := "payment pending manual review"
	rec.Status = PaymentPending
	if errors.Is(err, payment.ErrDeclined) {
		msg = "payment declined by processor"
		rec.Status = PaymentFailed
	}
	rec.Description = fmt.Sprintf("%s: %s", rec.Description, msg)
	return &PaymentFailure{
		Record: rec,
		Actor:  actor,
		cause:  apperr.Wrap(apperr.CodeExternalPaymentFailure, err, "%s", msg),
	}
}

func (f *PaymentFailure) Error() string {
	return fmt.Sprintf("escrow: %s %d under %s: %v", f.Record.Type, f.Record.Amount, f.Record.IdempotencyKey, f.cause)
}

func (f *PaymentFailure) Unwrap() error { return f.cause }

// Declined reports whether the processor refused the payment outright.
func (f *PaymentFailure) Declined() bool {
	return f.Record.Status == PaymentFailed
}
