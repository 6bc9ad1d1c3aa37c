package escrow

import (
	"contractflow/apperr"
)

// CheckConservation verifies held + released + refunded == total with every
// bucket non-negative.
func (a Account) CheckConservation() error {
	if a.Held < 0 || a.Released < 0 || a.Refunded < 0 || a.Total <= 0 {
		return apperr.New(apperr.CodeConservationViolated,
			"escrow %s has a negative bucket: total=%d held=%d released=%d refunded=%d",
			a.ID, a.Total, a.Held, a.Released, a.Refunded)
	}
	if a.Held+a.Released+a.Refunded != a.Total {
		return apperr.New(apperr.CodeConservationViolated,
			"escrow %s does not conserve funds: held=%d + released=%d + refunded=%d != total=%d",
			a.ID, a.Held, a.Released, a.Refunded, a.Total)
	}
	return nil
}

func (a Account) openStatus() Status {
	if a.Released > 0 {
		return StatusPartialRelease
	}
	return StatusActive
}

func insufficient(a Account, amount int64, bucket string) error {
	return apperr.New(apperr.CodeInsufficientFunds, "escrow %s has %s of %d, cannot move %d", a.ID, bucket, bucketOf(a, bucket), amount)
}

func bucketOf(a Account, bucket string) int64 {
	if bucket == "released" {
		return a.Released
	}
	return a.Held
}

func positive(amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "amount must be positive, got %d", amount)
	}
	return nil
}

// ApplyRelease moves amount from held to released. Blocked while a dispute
// hold is in place.
func (a Account) ApplyRelease(amount int64) (Account, error) {
	if err := positive(amount); err != nil {
		return a, err
	}
	switch {
	case a.Status == StatusDispute:
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s is on dispute hold", a.ID)
	case a.Status.Closed():
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s is closed (%s)", a.ID, a.Status)
	case amount > a.Held:
		return a, insufficient(a, amount, "held")
	}
	a.Held -= amount
	a.Released += amount
	if a.Held == 0 {
		a.Status = StatusReleased
	} else {
		a.Status = StatusPartialRelease
	}
	return a, nil
}

// ApplySettle releases funds while a dispute is being resolved.
func (a Account) ApplySettle(amount int64) (Account, error) {
	if err := positive(amount); err != nil {
		return a, err
	}
	if a.Status.Closed() {
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s is closed (%s)", a.ID, a.Status)
	}
	if amount > a.Held {
		return a, insufficient(a, amount, "held")
	}
	a.Held -= amount
	a.Released += amount
	switch {
	case a.Held == 0:
		a.Status = StatusReleased
	case a.Status != StatusDispute:
		a.Status = StatusPartialRelease
	}
	return a, nil
}

// ApplyRefund returns funds to the homeowner from the given bucket. Refunds
// from RELEASED claw back money already paid out.
func (a Account) ApplyRefund(amount int64, from Bucket) (Account, error) {
	if err := positive(amount); err != nil {
		return a, err
	}
	switch from {
	case BucketHeld:
		if a.Status.Closed() {
			return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s is closed (%s)", a.ID, a.Status)
		}
		if amount > a.Held {
			return a, insufficient(a, amount, "held")
		}
		a.Held -= amount
	case BucketReleased:
		if amount > a.Released {
			return a, insufficient(a, amount, "released")
		}
		a.Released -= amount
	default:
		return a, apperr.New(apperr.CodeInvalidArgument, "unknown refund source %q", from)
	}
	a.Refunded += amount

	switch {
	case a.Held == 0 && (from == BucketHeld || a.Released == 0):
		a.Status = StatusRefunded
	case a.Held == 0:
		a.Status = StatusReleased
	case a.Status == StatusDispute:
	default:
		a.Status = a.openStatus()
	}
	return a, nil
}

// ApplyHold freezes the account for a dispute without moving amounts.
func (a Account) ApplyHold() (Account, error) {
	if a.Status != StatusActive && a.Status != StatusPartialRelease {
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s cannot be held from %s", a.ID, a.Status)
	}
	if a.Held == 0 {
		return a, apperr.New(apperr.CodeInsufficientFunds, "escrow %s holds no funds to dispute", a.ID)
	}
	a.Status = StatusDispute
	return a, nil
}

// ClearHold lifts a dispute hold and recomputes the status from amounts.
func (a Account) ClearHold() (Account, error) {
	if a.Status != StatusDispute {
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s is not on hold", a.ID)
	}
	switch {
	case a.Held > 0:
		a.Status = a.openStatus()
	case a.Released > 0:
		a.Status = StatusReleased
	default:
		a.Status = StatusRefunded
	}
	return a, nil
}

// ApplyAdjustment changes total and held together by a signed delta. A
// decrease must leave funds held.
func (a Account) ApplyAdjustment(delta int64) (Account, error) {
	if delta == 0 {
		return a, apperr.New(apperr.CodeInvalidArgument, "price adjustment must be non-zero")
	}
	if a.Status != StatusActive && a.Status != StatusPartialRelease {
		return a, apperr.New(apperr.CodeInvalidStateTransition, "escrow %s cannot be adjusted from %s", a.ID, a.Status)
	}
	if a.Total+delta <= 0 {
		return a, apperr.New(apperr.CodeInvalidArgument, "adjusted total must stay positive")
	}
	if delta < 0 && -delta >= a.Held {
		return a, insufficient(a, -delta, "held")
	}
	a.Total += delta
	a.Held += delta
	return a, nil
}
