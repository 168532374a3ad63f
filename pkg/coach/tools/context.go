package tools

import (
	"context"
	"fmt"
	"strings"
)

const (
	pastContextLimit   = 5
	pastContextExcerpt = 200
)

func (d *Dispatcher) pastContext(ctx context.Context, records Records, userID uint, raw map[string]any) (Result, error) {
	var args pastContextArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Query == nil {
		return nil, fmt.Errorf("query is required")
	}
	query := *args.Query

	has, err := records.HasConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !has {
		return Result{"message": "No past conversations found.", "results": []map[string]any{}}, nil
	}

	msgs, err := records.SearchMessages(ctx, userID, query, pastContextLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return Result{
			"message": fmt.Sprintf("No mentions of '%s' found in past conversations.", query),
			"results": []map[string]any{},
		}, nil
	}

	results := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, map[string]any{
			"content": excerpt(m.Content, pastContextExcerpt),
			"role":    m.Role,
			"date":    m.CreatedAt.Format(longDate),
		})
	}
	return Result{
		"query":       query,
		"num_results": len(results),
		"results":     results,
	}, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (d *Dispatcher) currentWeather(ctx context.Context, raw map[string]any) (Result, error) {
	var args weatherArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	location := d.defaultLocation
	if args.Location != nil && strings.TrimSpace(*args.Location) != "" {
		location = strings.TrimSpace(*args.Location)
	}

	c, err := d.weather.Current(ctx, location)
	if err != nil {
		d.logger.Warn("weather lookup failed", "location", location, "error", err)
		return Result{
			"error":    fmt.Sprintf("Could not fetch weather: %v", err),
			"location": location,
		}, nil
	}
	return Result{
		"location":     c.Location,
		"temp_f":       c.TempF,
		"feels_like_f": c.FeelsLikeF,
		"humidity":     c.Humidity,
		"conditions":   c.Conditions,
		"wind_mph":     c.WindMPH,
	}, nil
}
