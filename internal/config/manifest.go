package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrManifestMismatch is returned when the live configuration drifts from the
// validated run manifest.
var ErrManifestMismatch = errors.New("live config does not match manifest")

// manifestFields maps manifest keys to the live parameter they pin.
var manifestFields = map[string]string{
	"position_size":             "position_size",
	"stop_loss":                 "stop_loss_pct",
	"slippage":                  "slippage_pct",
	"max_holding":               "max_holding_days",
	"stop_mode":                 "stop_mode",
	"entry_mode":                "entry_mode",
	"max_positions":             "max_positions",
	"trailing_transition_weeks": "trailing_transition_weeks",
}

// VerifyManifest compares the live parameters with the run manifest at path.
// The manifest may be JSON or YAML; its "config" object is used when present,
// otherwise the document root. Keys absent from the manifest are not checked.
// Every differing field is reported in a single ErrManifestMismatch.
func VerifyManifest(live Live, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	fields := doc
	if inner, ok := doc["config"].(map[string]any); ok {
		fields = inner
	}

	current := liveFieldValues(live)

	keys := make([]string, 0, len(manifestFields))
	for k := range manifestFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var diffs []string
	for _, key := range keys {
		want, ok := fields[key]
		if !ok {
			continue
		}
		liveKey := manifestFields[key]
		got := current[liveKey]
		if !manifestValueEqual(want, got) {
			diffs = append(diffs, fmt.Sprintf("%s: manifest=%v live=%v", liveKey, want, got))
		}
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %s", ErrManifestMismatch, strings.Join(diffs, ", "))
	}
	return nil
}

func liveFieldValues(l Live) map[string]any {
	var maxHolding any
	if l.MaxHoldingDays != nil {
		maxHolding = float64(*l.MaxHoldingDays)
	}
	return map[string]any{
		"position_size":             l.PositionSize,
		"stop_loss_pct":             l.StopLossPct,
		"slippage_pct":              l.SlippagePct,
		"max_holding_days":          maxHolding,
		"stop_mode":                 l.StopMode,
		"entry_mode":                l.EntryMode,
		"max_positions":             float64(l.MaxPositions),
		"trailing_transition_weeks": float64(l.TrailingTransitionWeeks),
	}
}

func manifestValueEqual(manifest, live any) bool {
	if manifest == nil || live == nil {
		return manifest == nil && live == nil
	}
	if mf, ok := toFloat(manifest); ok {
		lf, ok := toFloat(live)
		return ok && mf == lf
	}
	return fmt.Sprint(manifest) == fmt.Sprint(live)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
