package engine

import (
	"errors"
	"fmt"
	"time"

	"tradepipe/internal/config"
	"tradepipe/internal/domain"
	"tradepipe/internal/util"
)

// Risk rejections. Each maps to a skip reason recorded in the run report.
var (
	ErrEntryWindowClosed = errors.New("entry window closed")
	ErrNoCapacity        = errors.New("no free position slot")
	ErrEntryLimit        = errors.New("daily entry limit reached")
	ErrTradeBudget       = errors.New("daily trade order budget exhausted")
	ErrStopBudget        = errors.New("daily stop order budget exhausted")
	ErrBuyingPower       = errors.New("insufficient buying power")
)

// skipReason maps a risk rejection to its report reason.
func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrEntryWindowClosed):
		return "entry_window_closed"
	case errors.Is(err, ErrNoCapacity):
		return domain.SkipCapacityFull
	case errors.Is(err, ErrEntryLimit):
		return "daily_entry_limit"
	case errors.Is(err, ErrTradeBudget):
		return "trade_budget"
	case errors.Is(err, ErrStopBudget):
		return "stop_budget"
	case errors.Is(err, ErrBuyingPower):
		return "buying_power"
	}
	return "risk_rejected"
}

// Usage is the day's consumption of the limits RiskManager enforces.
type Usage struct {
	AvailableSlots   int
	EntriesToday     int
	TradeOrdersToday int
	StopOrdersToday  int
	// Committed is the notional already sent to the broker this run.
	Committed float64
}

// RiskManager enforces the pre-trade limits: the entry time window, slot
// capacity, the daily order budgets and the buying power floor.
type RiskManager struct {
	live config.Live
}

// NewRiskManager creates a RiskManager for the given live parameters.
func NewRiskManager(live config.Live) *RiskManager {
	return &RiskManager{live: live}
}

// CheckEntryWindow decides from the broker clock whether entries may be sent
// now. Market-on-open entries are refused from 09:28 to 19:00 ET since they
// would miss the auction or land on the wrong session. Day entries are
// refused once the session has been open longer than the cutoff.
func (rm *RiskManager) CheckEntryWindow(clock *domain.Clock) error {
	et := clock.Timestamp.In(util.Eastern)
	at := func(h, m int) time.Time {
		return time.Date(et.Year(), et.Month(), et.Day(), h, m, 0, 0, util.Eastern)
	}

	if rm.live.IsOPG() {
		if !et.Before(at(9, 28)) && et.Before(at(19, 0)) {
			return fmt.Errorf("%w: opg entries not accepted at %s ET", ErrEntryWindowClosed, et.Format("15:04"))
		}
		return nil
	}

	if !clock.IsOpen {
		return nil
	}
	cutoff := at(9, 30).Add(time.Duration(rm.live.EntryCutoffMinutes) * time.Minute)
	if et.After(cutoff) {
		return fmt.Errorf("%w: %s ET is past the %d minute cutoff", ErrEntryWindowClosed,
			et.Format("15:04"), rm.live.EntryCutoffMinutes)
	}
	return nil
}

// CheckOrder evaluates whether an entry of the given notional fits within
// the configured limits given the account and the day's usage.
func (rm *RiskManager) CheckOrder(notional float64, account *domain.AccountInfo, u Usage) error {
	if u.AvailableSlots <= 0 {
		return ErrNoCapacity
	}
	if limit := rm.live.DailyEntryLimit; limit >= 0 && u.EntriesToday >= limit {
		return fmt.Errorf("%w: %d/%d", ErrEntryLimit, u.EntriesToday, limit)
	}
	if u.TradeOrdersToday >= rm.live.MaxDailyTradeOrders {
		return fmt.Errorf("%w: %d/%d", ErrTradeBudget, u.TradeOrdersToday, rm.live.MaxDailyTradeOrders)
	}
	// Every entry needs a protective stop later in the day.
	if u.StopOrdersToday >= rm.live.MaxDailyStopOrders {
		return fmt.Errorf("%w: %d/%d", ErrStopBudget, u.StopOrdersToday, rm.live.MaxDailyStopOrders)
	}
	if account != nil {
		remaining := account.BuyingPower - u.Committed - notional
		if remaining < rm.live.MinBuyingPower {
			return fmt.Errorf("%w: %.2f left after %.2f, floor %.2f", ErrBuyingPower,
				account.BuyingPower-u.Committed, notional, rm.live.MinBuyingPower)
		}
	}
	return nil
}

// CheckExit enforces the shared trade budget on exit sells.
func (rm *RiskManager) CheckExit(u Usage) error {
	if u.TradeOrdersToday >= rm.live.MaxDailyTradeOrders {
		return fmt.Errorf("%w: %d/%d", ErrTradeBudget, u.TradeOrdersToday, rm.live.MaxDailyTradeOrders)
	}
	return nil
}
