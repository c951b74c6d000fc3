package scenario

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jembi/openshr-validation-tests/internal/platform/client"
)

// Option configures a Runner.
type Option func(*Runner)

// WithReporter sets where results are reported. Defaults to NopReporter.
func WithReporter(r Reporter) Option {
	return func(rn *Runner) { rn.reporter = r }
}

// WithLogger sets the progress logger.
func WithLogger(l zerolog.Logger) Option {
	return func(rn *Runner) { rn.logger = l }
}

// WithBail stops the run after the first step with a failed assertion.
func WithBail(bail bool) Option {
	return func(rn *Runner) { rn.bail = bail }
}

// WithTemplates reads resource templates from fsys instead of the embedded
// set.
func WithTemplates(fsys fs.FS) Option {
	return func(rn *Runner) { rn.resolver = NewTemplateResolver(fsys) }
}

// WithContextOptions passes options to NewContext when a run starts.
func WithContextOptions(opts ...ContextOption) Option {
	return func(rn *Runner) { rn.contextOpts = append(rn.contextOpts, opts...) }
}

// Runner executes the MHD scenario: Init, then ITI-65, ITI-66, ITI-67 and
// ITI-68 in that order.
type Runner struct {
	client      *client.Client
	resolver    *TemplateResolver
	reporter    Reporter
	logger      zerolog.Logger
	bail        bool
	contextOpts []ContextOption
}

// NewRunner creates a Runner issuing requests through c.
func NewRunner(c *client.Client, opts ...Option) *Runner {
	r := &Runner{
		client:   c,
		resolver: NewTemplateResolver(DefaultTemplates()),
		reporter: NopReporter{},
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// execution is the state shared by the steps of one run.
type execution struct {
	client *client.Client
	sc     *Context
	bundle *TransactionBundle
}

// Run executes the scenario once. Failed assertions are recorded in the
// report; the returned error is set only when the run had to stop, i.e. on
// a transport failure, an unexpected status on a required call or a local
// template problem. The report is returned in both cases.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sc := NewContext(r.contextOpts...)
	report := &Report{Host: r.client.BaseURL()}
	defer func() { report.Context = sc.Snapshot() }()

	r.logger.Info().Str("host", r.client.BaseURL()).Msg("Executing MHD tests")

	x, err := r.initialize(ctx, sc)
	if err != nil {
		err = fmt.Errorf("initialize: %w", err)
		r.reporter.Summary(report, err)
		return report, err
	}

	r.logger.Info().Object("configuration", sc).Msg("Running MHD requests")

	failed := false
	for _, s := range steps {
		if failed && r.bail {
			res := StepResult{Code: s.code, Name: s.name, Skipped: true}
			report.Steps = append(report.Steps, res)
			r.reporter.StepFinished(res)
			continue
		}

		res := r.runStep(ctx, s, x)
		report.Steps = append(report.Steps, res)
		if res.Err != nil {
			err := fmt.Errorf("%s: %w", res.Title(), res.Err)
			r.reporter.Summary(report, err)
			return report, err
		}
		failed = failed || res.Failed() > 0
	}

	r.reporter.Summary(report, nil)
	return report, nil
}

// initialize creates the patient and practitioner the documents refer to
// and builds the transaction Bundle.
func (r *Runner) initialize(ctx context.Context, sc *Context) (*execution, error) {
	r.logger.Info().Msg("Initializing patient and practitioner")

	for _, c := range []struct {
		template     string
		resourceType string
		field        Field
	}{
		{TemplatePatient, "Patient", PatientRef},
		{TemplatePractitioner, "Practitioner", ProviderRef},
	} {
		body, err := r.resolver.Resolve(c.template, sc)
		if err != nil {
			return nil, err
		}
		loc, err := r.client.Create(ctx, c.resourceType, []byte(body))
		if err != nil {
			return nil, err
		}
		if err := sc.Set(c.field, loc.Reference()); err != nil {
			return nil, err
		}
	}

	bundle, err := NewBundleBuilder(r.resolver).Build(sc)
	if err != nil {
		return nil, fmt.Errorf("build document bundle: %w", err)
	}
	return &execution{client: r.client, sc: sc, bundle: bundle}, nil
}

func (r *Runner) runStep(ctx context.Context, s step, x *execution) StepResult {
	r.reporter.StepStarted(s.code, s.name)
	start := time.Now()

	assertions, err := s.run(ctx, x)
	res := StepResult{
		Code:       s.code,
		Name:       s.name,
		Assertions: assertions,
		Err:        err,
		Duration:   time.Since(start),
	}
	for _, a := range assertions {
		r.reporter.Assertion(a)
	}
	r.reporter.StepFinished(res)
	return res
}

type branch func(ctx context.Context) ([]AssertionResult, error)

// both runs a and b concurrently and waits for both. The first error
// cancels the other branch. Results are returned a first, then b, whatever
// order the branches finished in.
func both(ctx context.Context, a, b branch) ([]AssertionResult, error) {
	var results [2][]AssertionResult
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range []branch{a, b} {
		g.Go(func() error {
			res, err := fn(gctx)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return append(results[0], results[1]...), err
}
