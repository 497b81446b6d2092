// Package trailing implements the weekly trailing-stop rule shared by the
// live pipeline and offline simulation: daily bars are folded into ISO weeks,
// an indicator (weekly EMA or N-week low) is computed over the weekly closes,
// and a position exits on the first completed week that closes through it.
package trailing

import (
	"math"
	"time"

	"tradepipe/internal/domain"
)

// weekKey identifies an ISO week.
type weekKey struct {
	year, week int
}

func isoWeekOf(date string) (weekKey, bool) {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return weekKey{}, false
	}
	y, w := t.ISOWeek()
	return weekKey{y, w}, true
}

// AggregateWeekly folds chronologically ordered daily bars into weekly bars
// keyed by ISO week. Short weeks (holidays) produce valid partial bars. Bars
// whose date cannot be parsed are ignored.
func AggregateWeekly(bars []domain.Bar) []domain.WeeklyBar {
	if len(bars) == 0 {
		return nil
	}

	var (
		out []domain.WeeklyBar
		cur weekKey
	)
	for _, b := range bars {
		date := b.Date()
		key, ok := isoWeekOf(date)
		if !ok {
			continue
		}
		if len(out) == 0 || key != cur {
			cur = key
			out = append(out, domain.WeeklyBar{
				WeekStart:  date,
				WeekEnding: date,
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
			})
			continue
		}
		wb := &out[len(out)-1]
		wb.WeekEnding = date
		wb.High = math.Max(wb.High, b.High)
		wb.Low = math.Min(wb.Low, b.Low)
		wb.Close = b.Close
		wb.Volume += b.Volume
	}
	return out
}

// Undefined marks an indicator slot that lacks enough history.
var Undefined = math.NaN()

// Defined reports whether an indicator value carries data.
func Defined(v float64) bool { return !math.IsNaN(v) }

// round6 matches the precision at which indicator values are persisted and
// compared across runs.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// WeeklyEMA returns the EMA of weekly closes, seeded with the simple average
// of the first period closes. Slots before the seed are Undefined.
func WeeklyEMA(weekly []domain.WeeklyBar, period int) []float64 {
	if len(weekly) == 0 || period < 1 {
		return nil
	}

	out := make([]float64, len(weekly))
	k := 2.0 / float64(period+1)
	for i, wb := range weekly {
		switch {
		case i < period-1:
			out[i] = Undefined
		case i == period-1:
			var sum float64
			for j := 0; j < period; j++ {
				sum += weekly[j].Close
			}
			out[i] = round6(sum / float64(period))
		default:
			out[i] = round6(wb.Close*k + out[i-1]*(1-k))
		}
	}
	return out
}

// WeeklyNWeekLow returns, for each week i, the lowest low of the period weeks
// before it. The current week is excluded so that its own low cannot mask a
// close through the level. Slots with fewer than period prior weeks are
// Undefined.
func WeeklyNWeekLow(weekly []domain.WeeklyBar, period int) []float64 {
	if len(weekly) == 0 || period < 1 {
		return nil
	}

	out := make([]float64, len(weekly))
	for i := range weekly {
		if i < period {
			out[i] = Undefined
			continue
		}
		low := weekly[i-period].Low
		for _, wb := range weekly[i-period+1 : i] {
			low = math.Min(low, wb.Low)
		}
		out[i] = low
	}
	return out
}

// CountCompletedWeeks counts weeks that started strictly after entryDate and
// ended on or before asOf. The entry week itself never counts.
func CountCompletedWeeks(weekly []domain.WeeklyBar, entryDate, asOf string) int {
	n := 0
	for _, wb := range weekly {
		if wb.WeekStart > entryDate && wb.WeekEnding <= asOf {
			n++
		}
	}
	return n
}

// lastWeekAsOf returns the index of the latest week ending on or before asOf,
// or -1.
func lastWeekAsOf(weekly []domain.WeeklyBar, asOf string) int {
	idx := -1
	for i, wb := range weekly {
		if wb.WeekEnding <= asOf {
			idx = i
		}
	}
	return idx
}

// IsTrendBroken reports whether the latest week ending on or before asOf
// closed through its indicator level. EMA mode requires a close strictly
// below the EMA; N-week-low mode also fires on a close equal to the low.
// An undefined indicator never breaks.
func IsTrendBroken(mode Mode, weekly []domain.WeeklyBar, indicator []float64, asOf string) bool {
	idx := lastWeekAsOf(weekly, asOf)
	if idx < 0 || idx >= len(indicator) || !Defined(indicator[idx]) {
		return false
	}
	closePx, level := weekly[idx].Close, indicator[idx]
	if mode == ModeNWeekLow {
		return closePx <= level
	}
	return closePx < level
}
