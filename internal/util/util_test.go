package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"
)

type statusError int

func (e statusError) Error() string { return fmt.Sprintf("status %d", int(e)) }

func retryStatus(err error) bool {
	var se statusError
	return errors.As(err, &se) && TransientStatus(int(se))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, 0, retryStatus, func() error {
		attempts++
		if attempts < 3 {
			return statusError(http.StatusServiceUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Retry called fn %d times, want 3", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, 0, retryStatus, func() error {
		attempts++
		return statusError(http.StatusTooManyRequests)
	})
	if err == nil {
		t.Fatal("Retry should return the last error when all attempts fail")
	}
	if attempts != 3 {
		t.Errorf("Retry called fn %d times, want 3", attempts)
	}
}

func TestRetryStopsOnClientError(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity} {
		attempts := 0
		err := Retry(context.Background(), 5, 0, retryStatus, func() error {
			attempts++
			return statusError(code)
		})
		if !errors.Is(err, statusError(code)) {
			t.Errorf("status %d: got %v", code, err)
		}
		if attempts != 1 {
			t.Errorf("status %d: fn called %d times, want 1", code, attempts)
		}
	}
}

func TestRetryNilClassifierRetriesAll(t *testing.T) {
	attempts := 0
	_ = Retry(context.Background(), 4, 0, nil, func() error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 4 {
		t.Errorf("fn called %d times, want 4", attempts)
	}
}

func TestRetryBackoffHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	start := time.Now()
	err := Retry(ctx, 5, time.Hour, nil, func() error {
		attempts++
		cancel()
		return statusError(http.StatusBadGateway)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("fn called %d times, want 1", attempts)
	}
	if time.Since(start) > time.Minute {
		t.Error("backoff wait did not stop on cancel")
	}
}

func TestRetryDoesNotRetryContextErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, 0, nil, func() error {
		attempts++
		return fmt.Errorf("get bars: %w", context.DeadlineExceeded)
	})
	if !errors.Is(err, context.DeadlineExceeded) || attempts != 1 {
		t.Errorf("err = %v after %d attempts", err, attempts)
	}
}

func TestTransientStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusOK:                  false,
	}
	for code, want := range cases {
		if got := TransientStatus(code); got != want {
			t.Errorf("TransientStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(6000)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait #%d: %v", i, err)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	slow := NewRateLimiter(1)
	_ = slow.Wait(ctx) // consume the initial token
	if err := slow.Wait(cancelled); err == nil {
		t.Error("Wait on cancelled context should fail")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestTradingCalendarWeekEnd(t *testing.T) {
	cal := NewTradingCalendar("2026-04-03") // Good Friday

	cases := []struct {
		date string
		want bool
	}{
		{"2026-02-20", true},  // Friday
		{"2026-02-19", false}, // Thursday
		{"2026-04-02", true},  // Thursday before Good Friday
		{"2026-04-03", true},  // the holiday itself has no later session that week
		{"2026-02-21", true},  // Saturday
	}
	for _, c := range cases {
		if got := cal.IsLastSessionOfWeek(day(c.date)); got != c.want {
			t.Errorf("IsLastSessionOfWeek(%s) = %v, want %v", c.date, got, c.want)
		}
	}
}

func TestSessionCalendar(t *testing.T) {
	cal := NewSessionCalendar([]string{"2026-02-16", "2026-02-17", "2026-02-18", "2026-02-19", "2026-02-23"})

	if !cal.IsLastSessionOfWeek(day("2026-02-19")) {
		t.Error("Thursday should end the week when Friday is not a listed session")
	}
	if cal.IsSession(day("2026-02-20")) {
		t.Error("2026-02-20 is inside the session range and not listed")
	}
	// Outside the explicit range the weekday rule applies.
	if !cal.IsSession(day("2026-03-02")) {
		t.Error("2026-03-02 is a Monday outside the range and should be a session")
	}
}

func TestIsMarketOpen(t *testing.T) {
	cal := NewTradingCalendar()
	open := time.Date(2026, 2, 17, 9, 35, 0, 0, Eastern)
	if !cal.IsMarketOpen(open) {
		t.Error("09:35 ET on a Tuesday should be open")
	}
	if cal.IsMarketOpen(time.Date(2026, 2, 17, 9, 29, 0, 0, Eastern)) {
		t.Error("09:29 ET should be closed")
	}
	if cal.IsMarketOpen(time.Date(2026, 2, 21, 11, 0, 0, 0, Eastern)) {
		t.Error("Saturday should be closed")
	}
	if got := TradingDate(time.Date(2026, 2, 18, 2, 0, 0, 0, time.UTC)); got != "2026-02-17" {
		t.Errorf("TradingDate = %s, want 2026-02-17", got)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn record missing")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
