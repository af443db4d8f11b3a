// Package drill runs concurrency experiments against an in-process
// circulation engine: each experiment states a hypothesis, checks a steady
// state, applies its method, then measures probes and validates them.
package drill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines one drill.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	// Observe holds probes read only after the method, alongside the
	// steady state ones.
	Observe    []Probe
	Validation []Assertion
}

// Probe measures one property of the library.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

// Threshold is a bound a probe must satisfy.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a step of the experiment's method.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Assertion validates a probe after the method has run.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result captures one experiment run.
type Result struct {
	Experiment       string             `json:"experiment"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	Duration         time.Duration      `json:"duration"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	Violations       []Violation        `json:"violations,omitempty"`
	Observations     map[string]float64 `json:"observations"`
	Failed           []string           `json:"failed,omitempty"`
	Errors           []ErrorEvent       `json:"errors,omitempty"`
}

// Violation records a probe outside its threshold during the steady state.
type Violation struct {
	Probe    string  `json:"probe"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
}

// ErrorEvent records a failed action or probe.
type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
}

// ErrSteadyState is returned when an experiment cannot start.
var ErrSteadyState = errors.New("steady state invalid")

// Runner executes experiments and keeps their results.
type Runner struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	mu      sync.Mutex
	results []Result
}

// NewRunner creates a Runner. A nil logger discards output.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		tracer: otel.Tracer("libracirc/drill"),
		logger: logger,
	}
}

// Run executes a single experiment.
func (r *Runner) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "drill.run", trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string]float64),
	}
	r.logger.Info("experiment starting", "experiment", exp.Name, "hypothesis", exp.Hypothesis)

	span.AddEvent("validating_steady_state")
	if violations := r.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		return result, fmt.Errorf("experiment %s: %w", exp.Name, ErrSteadyState)
	}
	result.SteadyStateValid = true

	span.AddEvent("applying_method")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.Errors = append(result.Errors, ErrorEvent{Timestamp: time.Now(), Source: action.Name, Error: err.Error()})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	for _, probe := range append(append([]Probe(nil), exp.SteadyState...), exp.Observe...) {
		if _, seen := result.Observations[probe.Name]; seen {
			continue
		}
		value, err := probe.Query(ctx)
		if err != nil {
			result.Errors = append(result.Errors, ErrorEvent{Timestamp: time.Now(), Source: probe.Name, Error: err.Error()})
			continue
		}
		result.Observations[probe.Name] = value
	}

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = true
	for _, a := range exp.Validation {
		value, ok := result.Observations[a.Probe]
		if !ok || !a.Condition(value) {
			result.HypothesisHeld = false
			result.Failed = append(result.Failed, a.Message)
		}
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("errors", len(result.Errors)),
	)
	r.logger.Info("experiment finished",
		"experiment", exp.Name, "hypothesis_held", result.HypothesisHeld, "took", result.Duration)

	r.mu.Lock()
	r.results = append(r.results, *result)
	r.mu.Unlock()
	return result, nil
}

// RunAll executes experiments in order. The error reports every experiment
// that could not start or whose hypothesis failed.
func (r *Runner) RunAll(ctx context.Context, experiments []Experiment) ([]*Result, error) {
	results := make([]*Result, 0, len(experiments))
	var errs []error
	for _, exp := range experiments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.Run(ctx, exp)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.HypothesisHeld {
			errs = append(errs, fmt.Errorf("experiment %s: hypothesis violated", exp.Name))
		}
	}
	return results, errors.Join(errs...)
}

// Results returns every result recorded so far.
func (r *Runner) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func (r *Runner) steadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: -1})
			continue
		}
		if !p.Threshold.holds(value) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: value})
		}
	}
	return violations
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Summary renders results one line per experiment, sorted by name.
func Summary(results []*Result) []string {
	sorted := append([]*Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Experiment < sorted[j].Experiment })

	lines := make([]string, 0, len(sorted))
	for _, res := range sorted {
		status := "held"
		if !res.SteadyStateValid {
			status = "aborted"
		} else if !res.HypothesisHeld {
			status = "violated"
		}
		lines = append(lines, fmt.Sprintf("%-28s %-8s %s", res.Experiment, status, res.Duration.Round(time.Millisecond)))
	}
	return lines
}
