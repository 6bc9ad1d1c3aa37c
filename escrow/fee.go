package escrow

import (
	"contractflow/apperr"
)

// DefaultPlatformBps is the platform's cut of every release, 12.5%.
const DefaultPlatformBps = 1250

// FeeSchedule is expressed in basis points of the gross release.
type FeeSchedule struct {
	PlatformBps int64
}

func (f FeeSchedule) Validate() error {
	if f.PlatformBps < 0 || f.PlatformBps > 10000 {
		return apperr.New(apperr.CodeInvalidArgument, "platform fee must be between 0 and 10000 bps, got %d", f.PlatformBps)
	}
	return nil
}

// Split divides a gross release into the platform fee and the contractor's
// net payout. The fee rounds down; fee + net always equals amount.
func Split(amount int64, f FeeSchedule) (fee, net int64) {
	if amount <= 0 || f.PlatformBps <= 0 {
		return 0, amount
	}
	bps := f.PlatformBps
	if bps > 10000 {
		bps = 10000
	}
	fee = amount * bps / 10000
	return fee, amount - fee
}
