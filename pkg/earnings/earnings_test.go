package earnings

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/types"
)

func payment(amount int64, timestampSec int64) types.Payment {
	return types.Payment{Amount: big.NewInt(amount), TimestampMs: timestampSec * 1000}
}

func TestAnalyzePeriod_OddCountMedian(t *testing.T) {
	now := int64(1_000_000)
	payments := []types.Payment{
		payment(10, now-100),
		payment(30, now-200),
		payment(20, now-300),
	}

	stats := analyzePeriod(now, payments, 24)
	require.Equal(t, 3, stats.Num)
	assert.Equal(t, big.NewInt(60), stats.Total)
	assert.Equal(t, big.NewInt(20), stats.Median)
	assert.Equal(t, big.NewInt(30), stats.Largest)
	assert.Equal(t, big.NewInt(20), stats.Average)
}

func TestAnalyzePeriod_EvenCountMedianAverages(t *testing.T) {
	now := int64(1_000_000)
	payments := []types.Payment{
		payment(10, now-100),
		payment(20, now-200),
	}

	stats := analyzePeriod(now, payments, 24)
	require.Equal(t, 2, stats.Num)
	assert.Equal(t, big.NewInt(15), stats.Median)
}

func TestAnalyzePeriod_ZeroAndNegativePaymentsExcluded(t *testing.T) {
	now := int64(1_000_000)
	payments := []types.Payment{
		payment(0, now-100),
		payment(-5, now-150),
		payment(10, now-200),
	}

	stats := analyzePeriod(now, payments, 24)
	assert.Equal(t, 1, stats.Num)
	assert.Equal(t, big.NewInt(10), stats.Total)
}

func TestAnalyzePeriod_ExcludesOutOfWindowPayments(t *testing.T) {
	periodSecs := int64(24) * 3600
	now := int64(1_000_000)
	payments := []types.Payment{
		payment(10, now-50),                 // in window
		payment(20, now-periodSecs-1000),     // before window start
		payment(30, now+10),                  // after window end
	}

	stats := analyzePeriod(now, payments, 24)
	assert.Equal(t, 1, stats.Num)
	assert.Equal(t, big.NewInt(10), stats.Total)
}

func TestAnalyzePeriod_ChangePercentNilWhenNoPriorEarnings(t *testing.T) {
	now := int64(1_000_000)
	payments := []types.Payment{payment(10, now-100)}

	stats := analyzePeriod(now, payments, 24)
	assert.Equal(t, big.NewInt(10), stats.ChangeAmount)
	assert.Nil(t, stats.ChangePercent)
}

func TestAnalyzePeriod_ChangePercentComputedFromPriorWindow(t *testing.T) {
	periodSecs := int64(24) * 3600
	now := int64(1_000_000)
	payments := []types.Payment{
		payment(20, now-100),                        // current window
		payment(10, now-periodSecs-100),              // previous window
	}

	stats := analyzePeriod(now, payments, 24)
	require.NotNil(t, stats.ChangePercent)
	assert.Equal(t, int64(100), *stats.ChangePercent) // doubled: +100%
	assert.Equal(t, big.NewInt(10), stats.ChangeAmount)
}

func TestAnalyze_ProducesOneStatPerPeriod(t *testing.T) {
	now := int64(1_000_000)
	payments := []types.Payment{payment(10, now-100)}

	out := Analyze(now, payments, DefaultPeriodsHours)
	require.Len(t, out, 4)
	for i, hours := range DefaultPeriodsHours {
		assert.Equal(t, hours, out[i].PeriodHours)
	}
}
