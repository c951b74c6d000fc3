package scenario

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Code       string
	Name       string
	Assertions []AssertionResult
	Skipped    bool
	Err        error
	Duration   time.Duration
}

// Title returns "<code> <name>".
func (s StepResult) Title() string {
	return s.Code + " " + s.Name
}

// Failed returns the number of failed assertions.
func (s StepResult) Failed() int {
	n := 0
	for _, a := range s.Assertions {
		if !a.Passed {
			n++
		}
	}
	return n
}

// Passed reports whether the step ran to completion with every assertion
// passing.
func (s StepResult) Passed() bool {
	return !s.Skipped && s.Err == nil && s.Failed() == 0
}

// Report aggregates a scenario run.
type Report struct {
	Host    string
	Steps   []StepResult
	Context map[string]string
}

// Total returns the number of assertions recorded.
func (r *Report) Total() int {
	n := 0
	for _, s := range r.Steps {
		n += len(s.Assertions)
	}
	return n
}

// Failed returns the number of failed assertions.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Failed()
	}
	return n
}

// Passed is the logical AND of every step.
func (r *Report) Passed() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, s := range r.Steps {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// Reporter receives scenario progress. Calls are made from the runner's
// coordinating goroutine only.
type Reporter interface {
	StepStarted(code, name string)
	Assertion(a AssertionResult)
	StepFinished(s StepResult)
	Summary(r *Report, fatal error)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) StepStarted(string, string) {}
func (NopReporter) Assertion(AssertionResult)  {}
func (NopReporter) StepFinished(StepResult)    {}
func (NopReporter) Summary(*Report, error)     {}

// LogReporter writes progress as structured log events.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) StepStarted(code, name string) {
	l.logger.Info().Str("step", code).Msg(name)
}

func (l *LogReporter) Assertion(a AssertionResult) {
	if a.Passed {
		l.logger.Info().Str("request", a.Request).Msgf("OK %s", a.Name)
		return
	}
	l.logger.Error().
		Str("request", a.Request).
		Str("expected", a.Expected).
		Str("actual", a.Actual).
		Msgf("FAIL %s", a.Name)
}

func (l *LogReporter) StepFinished(s StepResult) {
	switch {
	case s.Skipped:
		l.logger.Warn().Str("step", s.Code).Msgf("%s skipped", s.Name)
	case s.Err != nil:
		l.logger.Error().Err(s.Err).Str("step", s.Code).Msgf("%s aborted", s.Name)
	default:
		l.logger.Info().
			Str("step", s.Code).
			Int("assertions", len(s.Assertions)).
			Int("failed", s.Failed()).
			Dur("duration", s.Duration).
			Msgf("%s finished", s.Name)
	}
}

func (l *LogReporter) Summary(r *Report, fatal error) {
	if fatal != nil {
		l.logger.Error().Err(fatal).Msg("ERROR")
		return
	}
	ev := l.logger.Info()
	if !r.Passed() {
		ev = l.logger.Error()
	}
	ev.Str("host", r.Host).
		Int("assertions", r.Total()).
		Int("failed", r.Failed()).
		Bool("passed", r.Passed()).
		Msg("MHD scenario complete")
}

// TAPReporter writes the run in Test Anything Protocol version 13: one
// test point per assertion, a comment line per step and a YAML block for
// every failure.
type TAPReporter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

// NewTAPReporter creates a TAPReporter writing to w.
func NewTAPReporter(w io.Writer) *TAPReporter {
	fmt.Fprintln(w, "TAP version 13")
	return &TAPReporter{w: w}
}

func (t *TAPReporter) StepStarted(code, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "# %s %s\n", code, name)
}

func (t *TAPReporter) Assertion(a AssertionResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	if a.Passed {
		fmt.Fprintf(t.w, "ok %d - %s\n", t.n, a.Name)
		return
	}
	fmt.Fprintf(t.w, "not ok %d - %s\n", t.n, a.Name)
	fmt.Fprintln(t.w, "  ---")
	fmt.Fprintf(t.w, "  request: %s\n", yamlString(a.Request))
	fmt.Fprintf(t.w, "  expected: %s\n", yamlString(a.Expected))
	fmt.Fprintf(t.w, "  actual: %s\n", yamlString(a.Actual))
	fmt.Fprintln(t.w, "  ...")
}

func (t *TAPReporter) StepFinished(s StepResult) {
	if !s.Skipped {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	fmt.Fprintf(t.w, "ok %d - %s # SKIP previous step failed\n", t.n, s.Title())
}

func (t *TAPReporter) Summary(r *Report, fatal error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fatal != nil {
		fmt.Fprintf(t.w, "Bail out! %s\n", strings.ReplaceAll(fatal.Error(), "\n", " "))
		return
	}
	fmt.Fprintf(t.w, "1..%d\n", t.n)
	fmt.Fprintf(t.w, "# pass %d\n", r.Total()-r.Failed())
	fmt.Fprintf(t.w, "# fail %d\n", r.Failed())
}

func yamlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
