package reconcile

import (
	"fmt"

	"contractflow/escrow"
)

// VerifyAccount applies the conservation and payment-sum checks to one
// account and its records without a database.
func VerifyAccount(acc escrow.Account, records []escrow.PaymentRecord) error {
	if err := acc.CheckConservation(); err != nil {
		return err
	}
	var sum int64
	for _, r := range records {
		if r.EscrowAccountID != acc.ID || r.Status != escrow.PaymentCompleted {
			continue
		}
		if r.Type == escrow.PaymentRelease || r.Type == escrow.PaymentRefund {
			sum += r.Amount
		}
	}
	if want := acc.Released - acc.Refunded; sum != want {
		return fmt.Errorf("reconcile: account %s payment records sum to %d, want released-refunded %d", acc.ID, sum, want)
	}
	return nil
}
