package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stride-coach/stride/pkg/store"
)

func (d *Dispatcher) logRun(ctx context.Context, records Records, userID uint, raw map[string]any) (Result, error) {
	var args logRunArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.DistanceMiles == nil {
		return nil, fmt.Errorf("distance_miles is required")
	}
	if args.DurationMinutes == nil {
		return nil, fmt.Errorf("duration_minutes is required")
	}
	distance := float64(*args.DistanceMiles)
	duration := int(*args.DurationMinutes)
	pace := formatPace(float64(duration), distance)

	runDate := d.today()
	if args.RunDate != nil {
		if parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(*args.RunDate)); err == nil {
			runDate = parsed
		}
	}

	run := &store.Run{
		UserID:          userID,
		DistanceMiles:   distance,
		DurationMinutes: duration,
		PacePerMile:     pace,
		Notes:           args.Notes,
		RunDate:         runDate,
	}
	if err := records.AppendRun(ctx, run); err != nil {
		return nil, err
	}

	return Result{
		"success": true,
		"message": fmt.Sprintf("Logged %s miles in %d minutes (%s/mile)", formatMiles(distance), duration, pace),
		"run_id":  run.ID,
		"pace":    pace,
	}, nil
}

type runTotals struct {
	runs    []store.Run
	miles   float64
	minutes int
}

func (d *Dispatcher) runsSince(ctx context.Context, records Records, userID uint, days int) (runTotals, error) {
	runs, err := records.RunsSince(ctx, userID, d.today().AddDate(0, 0, -days))
	if err != nil {
		return runTotals{}, err
	}
	t := runTotals{runs: runs}
	for _, r := range runs {
		t.miles += r.DistanceMiles
		t.minutes += r.DurationMinutes
	}
	return t, nil
}

func runEntries(runs []store.Run, dateLayout string) []map[string]any {
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, map[string]any{
			"date":     r.RunDate.Format(dateLayout),
			"distance": r.DistanceMiles,
			"duration": r.DurationMinutes,
			"pace":     r.PacePerMile,
			"notes":    r.Notes,
		})
	}
	return out
}

func (d *Dispatcher) weeklySummary(ctx context.Context, records Records, userID uint) (Result, error) {
	t, err := d.runsSince(ctx, records, userID, 7)
	if err != nil {
		return nil, err
	}
	if len(t.runs) == 0 {
		return Result{
			"total_miles":   0,
			"total_minutes": 0,
			"num_runs":      0,
			"message":       "No runs logged in the past 7 days.",
		}, nil
	}
	return Result{
		"total_miles":   round1(t.miles),
		"total_minutes": t.minutes,
		"num_runs":      len(t.runs),
		"average_pace":  formatPace(float64(t.minutes), t.miles),
		"runs":          runEntries(t.runs, "Monday, Jan 02"),
	}, nil
}

func (d *Dispatcher) runningHistory(ctx context.Context, records Records, userID uint, raw map[string]any) (Result, error) {
	var args historyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	days := 14
	if args.Days != nil {
		days = int(*args.Days)
	}
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}

	t, err := d.runsSince(ctx, records, userID, days)
	if err != nil {
		return nil, err
	}
	if len(t.runs) == 0 {
		return Result{
			"total_miles": 0,
			"num_runs":    0,
			"message":     fmt.Sprintf("No runs logged in the past %d days.", days),
		}, nil
	}
	return Result{
		"period_days":        days,
		"total_miles":        round1(t.miles),
		"num_runs":           len(t.runs),
		"avg_miles_per_week": round1(t.miles / (float64(days) / 7)),
		"runs":               runEntries(t.runs, time.DateOnly),
	}, nil
}

type workoutTemplate struct {
	name        string
	description string
	duration    string
	intensity   string
}

const defaultWorkout = "easy"

func workoutTemplates(weeklyMiles string) map[string]workoutTemplate {
	return map[string]workoutTemplate{
		"easy": {
			name:        "Easy Run",
			description: fmt.Sprintf("4-5 miles at a comfortable, conversational pace. Based on your %s miles this week, keep it relaxed.", weeklyMiles),
			duration:    "35-45 minutes",
			intensity:   "Low - you should be able to hold a conversation",
		},
		"tempo": {
			name:        "Tempo Run",
			description: "Warm up 1 mile easy, then 3 miles at tempo pace (comfortably hard), cool down 1 mile easy.",
			duration:    "45-50 minutes",
			intensity:   "Medium-high - challenging but sustainable",
		},
		"intervals": {
			name:        "Interval Workout",
			description: "Warm up 1 mile, then 6x800m at 5K effort with 400m recovery jog between each, cool down 1 mile.",
			duration:    "50-55 minutes",
			intensity:   "High - these should feel hard",
		},
		"long_run": {
			name:        "Long Run",
			description: fmt.Sprintf("8-10 miles at easy pace. You've done %s miles so far this week, so pace yourself for the distance.", weeklyMiles),
			duration:    "70-90 minutes",
			intensity:   "Low - building endurance, not speed",
		},
		"recovery": {
			name:        "Recovery Run",
			description: fmt.Sprintf("Easy 3-4 miles, very relaxed pace. You've got %s miles this week already - this is about active recovery.", weeklyMiles),
			duration:    "25-35 minutes",
			intensity:   "Very low - slower than you think",
		},
	}
}

// autoWorkout picks a workout when the caller names none. Every branch
// currently resolves to easy; the other templates need an explicit type.
func autoWorkout(weeklyMiles float64, numRuns int) string {
	switch {
	case numRuns == 0:
		return defaultWorkout
	case weeklyMiles > 30:
		return defaultWorkout
	case numRuns < 3:
		return defaultWorkout
	default:
		return defaultWorkout
	}
}

func (d *Dispatcher) suggestWorkout(ctx context.Context, records Records, userID uint, raw map[string]any) (Result, error) {
	var args suggestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	week, err := d.runsSince(ctx, records, userID, 7)
	if err != nil {
		return nil, err
	}
	upcoming, err := records.GoalsFrom(ctx, userID, d.today())
	if err != nil {
		return nil, err
	}

	weeklyMiles := round1(week.miles)
	numRuns := len(week.runs)
	milesText := formatMiles(weeklyMiles)

	kind := ""
	if args.WorkoutType != nil {
		kind = strings.TrimSpace(*args.WorkoutType)
	}
	if kind == "" {
		kind = autoWorkout(weeklyMiles, numRuns)
	}
	templates := workoutTemplates(milesText)
	w, ok := templates[kind]
	if !ok {
		w = templates[defaultWorkout]
	}

	res := Result{
		"name":           w.name,
		"description":    w.description,
		"duration":       w.duration,
		"intensity":      w.intensity,
		"weekly_context": fmt.Sprintf("%s miles across %d runs this week", milesText, numRuns),
	}
	if len(upcoming) > 0 {
		next := upcoming[0]
		res["goal_context"] = fmt.Sprintf("Training for %s in %d days", next.RaceName, daysBetween(d.today(), next.RaceDate))
	}
	return res, nil
}
