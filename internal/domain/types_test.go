package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientOrderID(t *testing.T) {
	assert.Equal(t, "20260217_NVDA_entry_buy", ClientOrderID("2026-02-17", "nvda", IntentEntry, OrderSideBuy))
	assert.Equal(t, "20260217_BRK.B_stop_sell", ClientOrderID("2026-02-17", "BRK.B", IntentStop, OrderSideSell))
}

func TestOrderStatusIsTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusNew, OrderStatusAccepted, OrderStatusPartiallyFilled} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestGradeRank(t *testing.T) {
	assert.Equal(t, 0, GradeRank("A"))
	assert.Equal(t, 3, GradeRank("D"))
	assert.Equal(t, -1, GradeRank("F"))
	assert.Less(t, GradeRank("B"), GradeRank("C"))
}

func TestBarDateUsesUTC(t *testing.T) {
	b := Bar{Timestamp: time.Date(2026, 2, 17, 5, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2026-02-17", b.Date())
}
