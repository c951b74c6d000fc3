package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jembi/openshr-validation-tests/internal/config"
	"github.com/jembi/openshr-validation-tests/internal/platform/auth"
	"github.com/jembi/openshr-validation-tests/internal/platform/client"
	"github.com/jembi/openshr-validation-tests/internal/scenario"
)

// Exit codes.
const (
	exitPassed = 0
	exitFatal  = 1
	exitFailed = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the root command and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitPassed
	cmd := rootCmd(stdout, stderr, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr})
		logger.Error().Err(err).Msg("ERROR")
		return exitFatal
	}
	return code
}

func rootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mhd-tests",
		Short:         "Run the IHE MHD conformance scenario against a FHIR server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			*code = run(cmd.Context(), cfg, stdout, stderr)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringP("host", "h", config.DefaultHost, "Base URL to post to")
	f.BoolP("enable-auth", "a", false, "Enable authentication (only applicable for Hearth servers)")
	f.StringP("username", "u", config.DefaultUsername, "Hearth username")
	f.StringP("password", "p", config.DefaultPassword, "Hearth password")
	f.String("templates", "", "Directory with resource templates overriding the built-in set")
	f.Bool("bail", false, "Stop after the first step with a failed assertion")
	f.String("log-format", "console", "Log format: console or json")
	f.String("log-level", "info", "Log level")
	f.String("format", "log", "Result format: log or tap")
	f.Duration("timeout", 0, "HTTP request timeout (0 means none)")
	// -h is taken by --host, so help is registered without a shorthand.
	f.Bool("help", false, "help for mhd-tests")
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// run executes the scenario and maps its outcome to an exit code.
func run(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	logger := newLogger(cfg, stderr)
	httpClient := &http.Client{Timeout: cfg.Timeout}

	opts := []client.Option{client.WithHTTPClient(httpClient), client.WithLogger(logger)}
	if cfg.EnableAuth {
		headers, err := auth.Authenticate(ctx, httpClient, cfg.Host, cfg.Username, cfg.Password)
		if err != nil {
			logger.Error().Err(err).Str("username", cfg.Username).Msg("authentication failed")
			return exitFatal
		}
		opts = append(opts, client.WithHeaders(headers))
	}

	var reporter scenario.Reporter = scenario.NewLogReporter(logger)
	if cfg.Format == "tap" {
		reporter = scenario.NewTAPReporter(stdout)
	}
	runOpts := []scenario.Option{
		scenario.WithReporter(reporter),
		scenario.WithLogger(logger),
		scenario.WithBail(cfg.Bail),
	}
	if cfg.Templates != "" {
		runOpts = append(runOpts, scenario.WithTemplates(os.DirFS(cfg.Templates)))
	}

	report, err := scenario.NewRunner(client.New(cfg.Host, opts...), runOpts...).Run(ctx)
	if err != nil && cfg.Format == "tap" {
		logger.Error().Err(err).Msg("ERROR")
	}
	return exitCode(report, err)
}

func exitCode(report *scenario.Report, err error) int {
	switch {
	case err != nil:
		return exitFatal
	case report == nil || !report.Passed():
		return exitFailed
	default:
		return exitPassed
	}
}
