package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// number accepts a JSON number or a numeric string.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func decodeArgs(args map[string]any, dst any) error {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type logRunArgs struct {
	DistanceMiles   *number `json:"distance_miles"`
	DurationMinutes *number `json:"duration_minutes"`
	Notes           *string `json:"notes"`
	RunDate         *string `json:"run_date"`
}

type historyArgs struct {
	Days *number `json:"days"`
}

type weatherArgs struct {
	Location *string `json:"location"`
}

type setGoalArgs struct {
	RaceName      *string `json:"race_name"`
	RaceDate      *string `json:"race_date"`
	DistanceMiles *number `json:"distance_miles"`
	TargetTime    *string `json:"target_time"`
}

type suggestArgs struct {
	WorkoutType *string `json:"workout_type"`
}

type pastContextArgs struct {
	Query *string `json:"query"`
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// formatMiles renders a distance the way decimals read aloud: 6 -> "6.0", 6.25 -> "6.25".
func formatMiles(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// formatPace renders minutes per mile as M:SS, truncating both parts.
func formatPace(minutes, miles float64) string {
	if miles <= 0 {
		return "N/A"
	}
	pace := minutes / miles
	whole := math.Trunc(pace)
	secs := math.Trunc((pace - whole) * 60)
	return fmt.Sprintf("%d:%02d", int(whole), int(secs))
}
