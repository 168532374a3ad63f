package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stride-coach/stride/pkg/store"
)

const longDate = "January 02, 2006"

func (d *Dispatcher) setGoal(ctx context.Context, records Records, userID uint, raw map[string]any) (Result, error) {
	var args setGoalArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.RaceDate == nil {
		return Result{"error": "Invalid date format. Use YYYY-MM-DD."}, nil
	}
	raceDate, err := time.Parse(time.DateOnly, strings.TrimSpace(*args.RaceDate))
	if err != nil {
		return Result{"error": "Invalid date format. Use YYYY-MM-DD."}, nil
	}
	if args.RaceName == nil || strings.TrimSpace(*args.RaceName) == "" {
		return nil, fmt.Errorf("race_name is required")
	}
	if args.DistanceMiles == nil {
		return nil, fmt.Errorf("distance_miles is required")
	}
	distance := float64(*args.DistanceMiles)

	goal := &store.Goal{
		UserID:        userID,
		RaceName:      *args.RaceName,
		RaceDate:      raceDate,
		TargetTime:    args.TargetTime,
		DistanceMiles: distance,
	}
	if err := records.AppendGoal(ctx, goal); err != nil {
		return nil, err
	}

	daysUntil := daysBetween(d.today(), raceDate)
	return Result{
		"success":          true,
		"message":          fmt.Sprintf("Goal set: %s (%s miles) on %s", goal.RaceName, formatMiles(distance), raceDate.Format(longDate)),
		"target_time":      goal.TargetTime,
		"days_until_race":  daysUntil,
		"weeks_until_race": round1(float64(daysUntil) / 7),
	}, nil
}

func (d *Dispatcher) goals(ctx context.Context, records Records, userID uint) (Result, error) {
	today := d.today()
	upcoming, err := records.GoalsFrom(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	if len(upcoming) == 0 {
		return Result{"message": "No upcoming race goals set.", "goals": []map[string]any{}}, nil
	}
	out := make([]map[string]any, 0, len(upcoming))
	for _, g := range upcoming {
		out = append(out, map[string]any{
			"race_name":      g.RaceName,
			"race_date":      g.RaceDate.Format(longDate),
			"distance_miles": g.DistanceMiles,
			"target_time":    g.TargetTime,
			"days_until":     daysBetween(today, g.RaceDate),
		})
	}
	return Result{"goals": out}, nil
}
