// Package earnings computes windowed payment statistics over a
// node's reward-token payment history, per spec.md §4.8. All
// arithmetic stays on *big.Int to preserve wei precision; conversion
// to a percentage happens only inside change, and only as an
// integer ratio, never float.
package earnings

import (
	"math/big"
	"sort"

	"github.com/cuemby/formicaio/pkg/types"
)

// DefaultPeriodsHours are the four window lengths BackgroundLoop
// passes to Analyze: 24h, 7d, 30d, 365d. Settings has no field that
// changes them.
var DefaultPeriodsHours = [4]int{24, 7 * 24, 30 * 24, 365 * 24}

// Analyze computes PeriodStats for each period in periodsHours over
// payments, relative to now.
func Analyze(now int64, payments []types.Payment, periodsHours [4]int) []types.PeriodStats {
	out := make([]types.PeriodStats, len(periodsHours))
	for i, hours := range periodsHours {
		out[i] = analyzePeriod(now, payments, hours)
	}
	return out
}

func analyzePeriod(now int64, payments []types.Payment, hours int) types.PeriodStats {
	periodSecs := int64(hours) * 3600
	end := now
	start := now - periodSecs + 1
	prevEnd := start - 1
	prevStart := prevEnd - periodSecs + 1

	amts := paymentsInWindow(payments, start, end)
	amtsPrev := paymentsInWindow(payments, prevStart, prevEnd)

	total := sumAmts(amts)
	totalPrev := sumAmts(amtsPrev)

	stats := types.PeriodStats{
		PeriodHours: hours,
		Total:       total,
		Num:         len(amts),
		Largest:     largest(amts),
		Average:     average(total, len(amts)),
		Median:      median(amts),
	}
	stats.ChangeAmount, stats.ChangePercent = change(total, totalPrev)
	return stats
}

// paymentsInWindow returns the ascending-sorted amounts of positive
// payments with timestamp in (start, end], per spec.md §4.8.
func paymentsInWindow(payments []types.Payment, startSec, endSec int64) []*big.Int {
	var amts []*big.Int
	for _, p := range payments {
		ts := p.TimestampMs / 1000
		if ts > startSec && ts <= endSec && p.Amount != nil && p.Amount.Sign() > 0 {
			amts = append(amts, new(big.Int).Set(p.Amount))
		}
	}
	sort.Slice(amts, func(i, j int) bool { return amts[i].Cmp(amts[j]) < 0 })
	return amts
}

func sumAmts(amts []*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amts {
		total.Add(total, a)
	}
	return total
}

func largest(amts []*big.Int) *big.Int {
	if len(amts) == 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(amts[len(amts)-1])
}

func average(total *big.Int, num int) *big.Int {
	if num == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(total, big.NewInt(int64(num)))
}

// median follows spec.md §4.8: amts[n/2] for odd n, the midpoint
// average for even n. amts must already be ascending-sorted.
func median(amts []*big.Int) *big.Int {
	n := len(amts)
	if n == 0 {
		return new(big.Int)
	}
	if n%2 == 1 {
		return new(big.Int).Set(amts[n/2])
	}
	sum := new(big.Int).Add(amts[n/2-1], amts[n/2])
	return sum.Div(sum, big.NewInt(2))
}

// change returns (total-totalPrev, 100*(total-totalPrev)/totalPrev),
// with the percent unset when totalPrev is zero, per spec.md §4.8.
func change(total, totalPrev *big.Int) (*big.Int, *int64) {
	amount := new(big.Int).Sub(total, totalPrev)
	if totalPrev.Sign() <= 0 {
		return amount, nil
	}
	pct := new(big.Int).Mul(amount, big.NewInt(100))
	pct.Div(pct, totalPrev)
	v := pct.Int64()
	return amount, &v
}
