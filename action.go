package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/postman-action/metrics"
	"github.com/ethereum-optimism/postman-action/postman"
	"github.com/ethereum-optimism/postman-action/runner"
	"github.com/ethereum-optimism/postman-action/types"
)

// FailurePrefix starts every run failure message.
const FailurePrefix = "Newman run failed!"

// Step outputs
const (
	OutputRunID      = "run-id"
	OutputStatus     = "status"
	OutputFailures   = "failures"
	OutputReportPath = "report-path"
)

// action implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &action{}

// action runs a Postman collection once and maps the outcome to the step result.
type action struct {
	config    *Config
	version   string
	runner    runner.Runner
	store     runner.ReportStore
	annotator Annotator
	formatter ResultFormatter
	metrics   MetricsReporter

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates the action. The API key is masked in the workflow log before anything else happens.
func New(ctx context.Context, config *Config, version string, annotator Annotator, shutdownCallback func(error)) (*action, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if annotator == nil {
		return nil, errors.New("annotator is required")
	}
	annotator.AddMask(config.APIKey)

	config.Log.Debug("Creating action with config",
		"collection", config.Collection,
		"environment", config.Environment,
		"collectionURL", postman.Redact(config.Options.CollectionURL),
		"environmentURL", postman.Redact(config.Options.EnvironmentURL),
		"newmanBinary", config.NewmanBinary,
		"logDir", config.LogDir)

	store := runner.NewReportStore(config.LogDir)
	newman, err := runner.NewNewmanRunner(runner.Config{
		Binary: config.NewmanBinary,
		Log:    config.Log,
		Store:  store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create newman runner: %w", err)
	}

	return &action{
		config:           config,
		version:          version,
		runner:           newman,
		store:            store,
		annotator:        annotator,
		formatter:        NewConsoleResultFormatter(os.Stdout),
		metrics:          NewDefaultMetricsReporter(),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the collection once.
// Start implements the cliapp.Lifecycle interface.
func (a *action) Start(ctx context.Context) error {
	a.running.Store(true)
	a.config.Log.Info("Starting postman-action", "version", a.version, "run_id", a.runner.RunID())

	if vc, ok := a.runner.(runner.VersionChecker); ok {
		version, err := vc.CheckVersion(ctx)
		if err != nil {
			return NewRuntimeError(fmt.Errorf("newman is not usable: %w", err))
		}
		a.config.Log.Info("Using newman", "version", version)
	}

	summary, runErr := a.runner.Run(ctx, a.config.Options)
	a.report(ctx, summary, runErr)

	if err := Evaluate(summary, runErr, a.config.Options.SuppressExitCode); err != nil {
		a.config.Log.Warn("Run completed with failures", "run_id", a.runner.RunID(), "err", err)
		return err
	}
	if a.config.Options.SuppressExitCode && summary.Status() != types.StatusPass {
		a.config.Log.Warn("Run failed but suppress-exit-code is set", "run_id", a.runner.RunID(), "status", summary.Status(), "err", runErr)
	}

	a.config.Log.Info("Run completed, exiting", "run_id", a.runner.RunID())
	go a.shutdownCallback(nil)
	return nil
}

// Evaluate maps the runner's outcome to the step result. It returns nil when
// the run passed or when suppressExitCode is set, and a *TestFailureError otherwise.
func Evaluate(summary *types.Summary, runErr error, suppressExitCode bool) error {
	var err error
	switch {
	case runErr != nil:
		err = NewTestFailureError(fmt.Sprintf("%s %v", FailurePrefix, runErr))
	case summary == nil:
		err = NewTestFailureError(fmt.Sprintf("%s no run summary", FailurePrefix))
	case summary.HasFailures():
		failures := summary.Run.Failures
		err = NewTestFailureError(fmt.Sprintf("%s %d failure(s), first: %s", FailurePrefix, len(failures), failures[0]))
	}
	if suppressExitCode {
		return nil
	}
	return err
}

// report prints the results and publishes outputs, step summary and metrics.
// None of these affect the outcome of the step.
func (a *action) report(ctx context.Context, summary *types.Summary, runErr error) {
	runID := a.runner.RunID()

	if summary != nil {
		if err := a.formatter.FormatResults(runID, summary); err != nil {
			a.config.Log.Warn("Failed to print results", "err", err)
		}
		a.annotator.AddStepSummary(MarkdownSummary(runID, summary))
	}

	status := summary.Status()
	if runErr != nil {
		status = types.StatusError
	}
	failures := 0
	if summary != nil {
		failures = len(summary.Run.Failures)
	}
	a.annotator.SetOutput(OutputRunID, runID)
	a.annotator.SetOutput(OutputStatus, string(status))
	a.annotator.SetOutput(OutputFailures, strconv.Itoa(failures))
	if path := a.store.Path(runID); path != "" && summary != nil {
		a.annotator.SetOutput(OutputReportPath, path)
	}

	a.metrics.ReportResults(a.config.Collection, runID, summary, runErr)
	if err := metrics.Push(ctx, a.config.MetricsPushgateway, metrics.DefaultJob); err != nil {
		a.config.Log.Warn("Failed to push metrics", "err", err)
	}

	a.config.Log.Info("Run finished", "run_id", runID, "status", status, "failures", failures)
}

// Stop implements the cliapp.Lifecycle interface.
func (a *action) Stop(ctx context.Context) error {
	if !a.running.Load() {
		a.config.Log.Debug("Action already stopped, nothing to do")
		return nil
	}
	a.running.Store(false)
	a.config.Log.Info("postman-action stopped")
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (a *action) Stopped() bool {
	return !a.running.Load()
}
