// Package tools implements the coaching functions the realtime model can call.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stride-coach/stride/pkg/coach/weather"
	"github.com/stride-coach/stride/pkg/store"
)

// Name identifies a tool. The set is closed; anything else is rejected by Execute.
type Name string

const (
	LogRun            Name = "log_run"
	GetWeeklySummary  Name = "get_weekly_summary"
	GetRunningHistory Name = "get_running_history"
	GetWeather        Name = "get_weather"
	SetGoal           Name = "set_goal"
	GetGoals          Name = "get_goals"
	SuggestWorkout    Name = "suggest_workout"
	GetPastContext    Name = "get_past_context"
)

// Names lists every tool in catalogue order.
var Names = []Name{
	LogRun,
	GetWeeklySummary,
	GetRunningHistory,
	GetWeather,
	SetGoal,
	GetGoals,
	SuggestWorkout,
	GetPastContext,
}

func (n Name) Valid() bool {
	switch n {
	case LogRun, GetWeeklySummary, GetRunningHistory, GetWeather, SetGoal, GetGoals, SuggestWorkout, GetPastContext:
		return true
	default:
		return false
	}
}

// Result is the JSON object returned to the model as a function output.
type Result map[string]any

// IsError reports whether the result carries an "error" member.
func (r Result) IsError() bool {
	_, ok := r["error"]
	return ok
}

func errorResult(format string, args ...any) Result {
	return Result{"error": fmt.Sprintf(format, args...)}
}

// Records is the slice of the record store the tools read and write.
type Records interface {
	AppendRun(ctx context.Context, run *store.Run) error
	RunsSince(ctx context.Context, userID uint, since time.Time) ([]store.Run, error)
	AppendGoal(ctx context.Context, goal *store.Goal) error
	GoalsFrom(ctx context.Context, userID uint, from time.Time) ([]store.Goal, error)
	HasConversations(ctx context.Context, userID uint) (bool, error)
	SearchMessages(ctx context.Context, userID uint, query string, limit int) ([]store.Message, error)
}

type WeatherSource interface {
	Current(ctx context.Context, location string) (weather.Conditions, error)
}

// Observer receives one call per executed tool. outcome is "ok" or "error".
type Observer interface {
	ObserveToolCall(tool, outcome string, elapsed time.Duration)
}

const DefaultLocation = "San Diego"

type Options struct {
	Weather         WeatherSource
	DefaultLocation string
	// Timeout bounds a single tool call. Zero means no bound.
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Observer Observer
}

type Dispatcher struct {
	weather         WeatherSource
	defaultLocation string
	timeout         time.Duration
	now             func() time.Time
	logger          *slog.Logger
	observer        Observer
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		weather:         opts.Weather,
		defaultLocation: opts.DefaultLocation,
		timeout:         opts.Timeout,
		now:             opts.Now,
		logger:          opts.Logger,
		observer:        opts.Observer,
	}
	if d.weather == nil {
		d.weather = weather.NewClient("", nil)
	}
	if d.defaultLocation == "" {
		d.defaultLocation = DefaultLocation
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Execute runs one tool call. It never returns an error and never panics:
// every failure is reported as a Result with an "error" member.
func (d *Dispatcher) Execute(ctx context.Context, records Records, userID uint, name string, args map[string]any) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("tool panicked", "tool", name, "user_id", userID, "panic", rec)
			res = errorResult("%s: internal error", name)
		}
		outcome := "ok"
		if res.IsError() {
			outcome = "error"
		}
		if d.observer != nil {
			d.observer.ObserveToolCall(name, outcome, time.Since(start))
		}
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	tool := Name(name)
	if !tool.Valid() {
		return errorResult("unknown tool: %s", name)
	}
	if records == nil && tool != GetWeather {
		return errorResult("%s: record store unavailable", name)
	}

	var err error
	switch tool {
	case LogRun:
		res, err = d.logRun(ctx, records, userID, args)
	case GetWeeklySummary:
		res, err = d.weeklySummary(ctx, records, userID)
	case GetRunningHistory:
		res, err = d.runningHistory(ctx, records, userID, args)
	case GetWeather:
		res, err = d.currentWeather(ctx, args)
	case SetGoal:
		res, err = d.setGoal(ctx, records, userID, args)
	case GetGoals:
		res, err = d.goals(ctx, records, userID)
	case SuggestWorkout:
		res, err = d.suggestWorkout(ctx, records, userID, args)
	case GetPastContext:
		res, err = d.pastContext(ctx, records, userID, args)
	default:
		return errorResult("unknown tool: %s", name)
	}
	if err != nil {
		d.logger.Warn("tool failed", "tool", name, "user_id", userID, "error", err)
		return errorResult("%s: %v", name, err)
	}
	return res
}

func (d *Dispatcher) today() time.Time {
	return store.DateOf(d.now())
}

func daysBetween(from, to time.Time) int {
	return int(store.DateOf(to).Sub(store.DateOf(from)).Hours() / 24)
}
