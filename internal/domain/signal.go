package domain

import "time"

// Grades ordered from best to worst.
var Grades = []string{"A", "B", "C", "D"}

// GradeRank returns the position of grade in Grades, or -1 if unknown.
func GradeRank(grade string) int {
	for i, g := range Grades {
		if g == grade {
			return i
		}
	}
	return -1
}

// Candidate is a ranked trade idea handed to the generator by the upstream
// report parser.
type Candidate struct {
	Ticker      string   `json:"ticker"`
	ReportDate  string   `json:"report_date"`
	Grade       string   `json:"grade"`
	GradeSource string   `json:"grade_source"`
	Score       float64  `json:"score"`
	Price       float64  `json:"price"`
	GapSize     *float64 `json:"gap_size,omitempty"`
	CompanyName string   `json:"company_name,omitempty"`
}

// Signal actions.
const (
	ActionEntry = "entry"
	ActionExit  = "exit"
)

// Signal is the per-run, per-strategy decision record written by the
// generator and consumed by the executor.
type Signal struct {
	TradeDate   string             `json:"trade_date"`
	Strategy    string             `json:"strategy"`
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Exits       []SignalExit       `json:"exits"`
	Entries     []SignalEntry      `json:"entries"`
	Skipped     []SkippedCandidate `json:"skipped"`
	Summary     SignalSummary      `json:"summary"`
}

// SignalExit asks the executor to close a held position.
type SignalExit struct {
	Action         string   `json:"action"`
	Ticker         string   `json:"ticker"`
	PositionID     int64    `json:"position_id"`
	Shares         int      `json:"shares"`
	Reason         string   `json:"reason"`
	Score          float64  `json:"score"`
	IndicatorValue *float64 `json:"indicator_value"`
	LastClose      *float64 `json:"last_close"`
	UnrealizedPL   *float64 `json:"unrealized_pl,omitempty"`
}

// SignalEntry asks the executor to open a position with a protective stop.
type SignalEntry struct {
	Action      string   `json:"action"`
	Ticker      string   `json:"ticker"`
	Score       float64  `json:"score"`
	Grade       string   `json:"grade"`
	GradeSource string   `json:"grade_source"`
	ReportDate  string   `json:"report_date"`
	CompanyName string   `json:"company_name,omitempty"`
	GapSize     *float64 `json:"gap_size,omitempty"`
	Price       float64  `json:"price"`
	Qty         int      `json:"qty"`
	StopPrice   float64  `json:"stop_price"`
	StopLossPct float64  `json:"stop_loss_pct"`
}

// Skip reasons.
const (
	SkipAlreadyHeld  = "already_held"
	SkipCapacityFull = "capacity_full"
	SkipNoPrice      = "no_price"
	SkipQtyZero      = "qty_zero"
)

// SkippedCandidate records a candidate that was not selected and why.
type SkippedCandidate struct {
	Ticker string  `json:"ticker"`
	Score  float64 `json:"score"`
	Grade  string  `json:"grade"`
	Reason string  `json:"reason"`
}

// SignalSummary carries the counts an operator reads first.
type SignalSummary struct {
	OpenPositions  int  `json:"open_positions"`
	Exits          int  `json:"exits"`
	Entries        int  `json:"entries"`
	Skipped        int  `json:"skipped"`
	Rotations      int  `json:"rotations"`
	AvailableSlots int  `json:"available_slots"`
	MaxPositions   int  `json:"max_positions"`
	Forced         bool `json:"forced,omitempty"`
}

// TrailingStopResult is the pure verdict of the trailing-stop evaluator.
type TrailingStopResult struct {
	IsWeekEnd      bool     `json:"is_week_end"`
	CompletedWeeks int      `json:"completed_weeks"`
	TransitionMet  bool     `json:"transition_met"`
	TrendBroken    bool     `json:"trend_broken"`
	ShouldExit     bool     `json:"should_exit"`
	IndicatorValue *float64 `json:"indicator_value"`
	LastClose      *float64 `json:"last_close"`
}
