package domain

import "errors"

var (
	// ErrKillSwitchOn is returned when an entry point finds the kill switch set.
	ErrKillSwitchOn = errors.New("kill switch is ON")

	// ErrReconcileMismatch is returned when local open positions disagree with
	// the broker and no override was given.
	ErrReconcileMismatch = errors.New("state/broker position mismatch")

	// ErrWrongStrategy is returned when the executor is handed a signal for a
	// strategy other than the executed one.
	ErrWrongStrategy = errors.New("signal strategy is not executable")

	// ErrUnsafePhase is returned for a phase and order-type combination that
	// would need deferred fill polling inside a single-shot run.
	ErrUnsafePhase = errors.New("unsafe phase/order-type combination")
)
