package ledger

import "github.com/shopspring/decimal"

// RescaleAmounts multiplies every amount by ratio, rounding each to the money
// scale, and pushes the accumulated rounding remainder onto the largest entry
// so that the rescaled sum equals round(total*ratio) exactly. Keeping the sum
// exact is what preserves invariant equality when a fully utilized receipt is
// corrected.
func RescaleAmounts(amounts []Money, ratio decimal.Decimal) []Money {
	n := len(amounts)
	if n == 0 {
		return nil
	}
	var total Money
	for _, a := range amounts {
		total = total.Add(a)
	}
	target := total.Mul(ratio)

	out := make([]Money, n)
	var sum Money
	for i, a := range amounts {
		out[i] = a.Mul(ratio)
		sum = sum.Add(out[i])
	}

	diff := target.Sub(sum)
	if !diff.IsZero() {
		li := 0
		for i := 1; i < n; i++ {
			if out[i].GreaterThan(out[li]) {
				li = i
			}
		}
		out[li] = out[li].Add(diff)
	}
	return out
}
