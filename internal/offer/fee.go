package offer

import (
	"fmt"
	"math"
	"math/big"
)

// Split divides amount into fee and payout such that fee + payout == amount
// exactly. The rate is scaled to whole basis points (feePercent * 100) before
// any multiplication, so the only rounding is the final integer truncation,
// whose remainder stays in the payout.
//
// feePercent <= 0 yields a zero fee. Negative amounts are rejected.
func Split(amount string, feePercent float64) (fee, payout string, err error) {
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return "", "", fmt.Errorf("%w: amount %q is not an integer", ErrInvalidOffer, amount)
	}
	if amt.Sign() < 0 {
		return "", "", fmt.Errorf("%w: amount %q is negative", ErrInvalidOffer, amount)
	}

	if feePercent <= 0 {
		return "0", amt.String(), nil
	}

	bps := big.NewInt(int64(math.Round(feePercent * 100)))
	f := new(big.Int).Mul(amt, bps)
	f.Quo(f, big.NewInt(100*100))
	p := new(big.Int).Sub(amt, f)

	return f.String(), p.String(), nil
}
