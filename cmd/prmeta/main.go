package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/prmeta/internal/cfg"
	"github.com/simplesurance/prmeta/internal/event"
	"github.com/simplesurance/prmeta/internal/githubclt"
	"github.com/simplesurance/prmeta/internal/logfields"
	"github.com/simplesurance/prmeta/internal/reconcile"
	"github.com/simplesurance/prmeta/internal/retryer"
	"github.com/simplesurance/prmeta/internal/slackclt"
	"github.com/simplesurance/prmeta/internal/slacknotify"
)

const appName = "prmeta"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Verbose           *bool
	LogLevel          *string
	LogFormat         *string
	ConfigFile        *string
	GithubToken       *string
	SlackToken        *string
	EventName         *string
	EventPath         *string
	RunID             *string
	QAOutcome         *string
	SecretScanOutcome *string
	ShowVersion       *bool
}

var args arguments

// envOr returns the value of the environment variable key, or def when
// it is unset.
// The CI runner passes most invocation inputs via the environment, the
// flags only exist to override them.
func envOr(key, def string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}

	return def
}

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging, overrides --log-level",
		),
		LogLevel: pflag.String(
			"log-level",
			"error",
			"minimum log level (error, warn, info, debug)",
		),
		LogFormat: pflag.String(
			"log-format",
			"logfmt",
			"log output format (logfmt, console, json)",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			cfg.DefConfigFile,
			"path to the repository configuration file",
		),
		GithubToken: pflag.String(
			"github-token",
			envOr("GITHUB_TOKEN", ""),
			"github api token",
		),
		SlackToken: pflag.String(
			"slack-token",
			envOr("SLACK_TOKEN", ""),
			"slack bot token",
		),
		EventName: pflag.String(
			"event-name",
			envOr("GITHUB_EVENT_NAME", ""),
			"name of the workflow trigger event",
		),
		EventPath: pflag.String(
			"event-path",
			envOr(event.PayloadPathEnvVar, ""),
			"path to the webhook event payload file",
		),
		RunID: pflag.String(
			"run-id",
			envOr("GITHUB_RUN_ID", ""),
			"id of the workflow run",
		),
		QAOutcome: pflag.String(
			"qa-outcome",
			envOr("QA_OUTCOME", ""),
			"outcome of the qa workflow job",
		),
		SecretScanOutcome: pflag.String(
			"secret-scan-outcome",
			envOr("SECRET_SCAN_OUTCOME", ""),
			"outcome of the secret-scanning job, informational only",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION] COMMAND\nConverge pull request metadata from workflow events.\n", appName)
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  resolve-status  resolve approval and qa status, write them to the step output\n")
		fmt.Fprintf(os.Stderr, "  qa-labels       converge the qa label of the pull request\n")
		fmt.Fprintf(os.Stderr, "  status-label    converge the status label of the pull request\n")
		fmt.Fprintf(os.Stderr, "  cc-labels       add conventional-commit labels to the pull request\n")
		fmt.Fprintf(os.Stderr, "  auto-merge      enable auto-merge when the pull request is mergeable\n")
		fmt.Fprintf(os.Stderr, "  slack-notify    create or update the slack notification message\n")
		fmt.Fprintf(os.Stderr, "  ensure-labels   create or update all managed label definitions\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func initLogFmtLogger(logLevel zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(zapEncoderConfig()),
		os.Stdout,
		logLevel),
	)
}

func zapEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = *args.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger() {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(*args.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", *args.LogLevel, err)
			os.Exit(2)
		}
	}

	switch *args.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", *args.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		_ = logger.Sync()
	})
}

// invocation bundles everything a subcommand needs.
type invocation struct {
	config *cfg.Config
	event  *event.Event
	ghClt  *githubclt.Client
	retry  *retryer.Retryer
}

// mustSetup loads the repository configuration and the trigger event
// and evaluates the optional event filter query.
// It returns false when the filter rejected the event and the
// subcommand must exit without doing anything.
func mustSetup(ctx context.Context) (*invocation, bool) {
	config, err := cfg.LoadFile(*args.ConfigFile)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	if *args.EventName == "" || *args.EventPath == "" {
		exitOnErr("event information is missing", fmt.Errorf("--event-name and --event-path (or %s) must be set", event.PayloadPathEnvVar))
	}

	ev, err := event.Load(*args.EventName, *args.EventPath)
	exitOnErr("could not load event payload", err)

	logger.Debug(
		"event loaded",
		append([]zap.Field{logfields.Event("event_loaded")}, ev.LogFields()...)...,
	)

	filter, err := event.NewFilter(config.FilterQuery)
	exitOnErr(fmt.Sprintf("could not parse filter_query from configuration file: %s", *args.ConfigFile), err)

	match, err := filter.Match(ctx, ev)
	exitOnErr("evaluating filter_query failed", err)

	if !match {
		logger.Info(
			"event was rejected by the filter query, nothing to do",
			append([]zap.Field{logfields.Event("event_filtered")}, ev.LogFields()...)...,
		)

		return nil, false
	}

	return &invocation{
		config: config,
		event:  ev,
		ghClt:  githubclt.New(*args.GithubToken),
		retry:  retryer.New(),
	}, true
}

func (inv *invocation) mustPRNumber() int {
	if inv.event.PullRequestNr == 0 {
		exitOnErr("unsupported trigger event", fmt.Errorf("event %q does not reference a pull request", inv.event.Name))
	}

	return inv.event.PullRequestNr
}

func (inv *invocation) reconciler() *reconcile.LabelReconciler {
	return reconcile.NewLabelReconciler(
		inv.ghClt,
		inv.event.RepositoryOwner,
		inv.event.Repository,
		inv.mustPRNumber(),
	)
}

// statusFacts are the resolved review and QA state of the pull request.
type statusFacts struct {
	pr          *githubclt.PullRequest
	hasApproval bool
	qaStatus    reconcile.QAStatus
}

// resolveStatus fetches the pull request and its reviews and derives
// the approval and QA status.
// Review-triggered events carry no fresh job outcome, the QA status is
// read back from the labels instead.
func (inv *invocation) resolveStatus(ctx context.Context) (*statusFacts, error) {
	var pr *githubclt.PullRequest
	var reviews []*githubclt.Review

	err := inv.retry.Run(ctx, func(ctx context.Context) error {
		var err error

		pr, err = inv.ghClt.GetPullRequest(ctx, inv.event.RepositoryOwner, inv.event.Repository, inv.mustPRNumber())
		if err != nil {
			return err
		}

		reviews, err = inv.ghClt.ListReviews(ctx, inv.event.RepositoryOwner, inv.event.Repository, inv.mustPRNumber())
		return err
	}, inv.event.LogFields())
	if err != nil {
		return nil, err
	}

	var trigger reconcile.Trigger
	if inv.event.IsReviewTriggered() {
		trigger = &reconcile.ReviewTrigger{CurrentLabels: pr.Labels}
	} else {
		trigger = &reconcile.JobTrigger{
			QAOutcome:         *args.QAOutcome,
			SecretScanOutcome: *args.SecretScanOutcome,
		}
	}

	facts := statusFacts{
		pr:          pr,
		hasApproval: reconcile.HasApproval(reviews, pr.Author),
		qaStatus:    trigger.QAStatus(),
	}

	logger.Info(
		"review and qa status resolved",
		logfields.Event("status_resolved"),
		logfields.Author(pr.Author),
		zap.Bool("has_approval", facts.hasApproval),
		zap.String("qa_status", string(facts.qaStatus)),
		zap.String("secret_scan_outcome", *args.SecretScanOutcome),
	)

	return &facts, nil
}

// writeStepOutput appends a key=value line to the step output file of
// the workflow.
func writeStepOutput(key, value string) error {
	path := os.Getenv("GITHUB_OUTPUT")
	if path == "" {
		return fmt.Errorf("environment variable GITHUB_OUTPUT is not set")
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%s=%s\n", key, value)
	return err
}

func runResolveStatus(ctx context.Context, inv *invocation) error {
	facts, err := inv.resolveStatus(ctx)
	if err != nil {
		return err
	}

	if err := writeStepOutput("has_approval", fmt.Sprintf("%t", facts.hasApproval)); err != nil {
		return fmt.Errorf("writing has_approval step output failed: %w", err)
	}

	if err := writeStepOutput("qa_status", string(facts.qaStatus)); err != nil {
		return fmt.Errorf("writing qa_status step output failed: %w", err)
	}

	return nil
}

func runQALabels(ctx context.Context, inv *invocation) error {
	facts, err := inv.resolveStatus(ctx)
	if err != nil {
		return err
	}

	r := inv.reconciler()

	err = inv.retry.Run(ctx, func(ctx context.Context) error {
		return r.EnsureLabelsExist(ctx, reconcile.QALabels)
	}, inv.event.LogFields())
	if err != nil {
		return fmt.Errorf("ensuring qa label definitions exist failed: %w", err)
	}

	return inv.retry.Run(ctx, func(ctx context.Context) error {
		return r.ReconcileQALabel(ctx, facts.qaStatus)
	}, inv.event.LogFields())
}

func runStatusLabel(ctx context.Context, inv *invocation) error {
	facts, err := inv.resolveStatus(ctx)
	if err != nil {
		return err
	}

	r := inv.reconciler()

	return inv.retry.Run(ctx, func(ctx context.Context) error {
		return r.ReconcileStatusLabel(ctx, &reconcile.StatusLabelInput{
			Merged:      facts.pr.Merged,
			Abandoned:   !facts.pr.Merged && facts.pr.State == "closed",
			Draft:       facts.pr.Draft,
			HasApproval: facts.hasApproval,
			QAStatus:    facts.qaStatus,
		})
	}, inv.event.LogFields())
}

func runCCLabels(ctx context.Context, inv *invocation) error {
	var pr *githubclt.PullRequest

	err := inv.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		pr, err = inv.ghClt.GetPullRequest(ctx, inv.event.RepositoryOwner, inv.event.Repository, inv.mustPRNumber())
		return err
	}, inv.event.LogFields())
	if err != nil {
		return err
	}

	r := inv.reconciler()

	return inv.retry.Run(ctx, func(ctx context.Context) error {
		return r.ApplyConventionalCommitLabels(ctx, pr.Title, pr.Body, pr.Draft)
	}, inv.event.LogFields())
}

func runAutoMerge(ctx context.Context, inv *invocation) error {
	facts, err := inv.resolveStatus(ctx)
	if err != nil {
		return err
	}

	inv.reconciler().EnableAutoMerge(ctx, &reconcile.AutoMergeInput{
		AuthorType:  facts.pr.AuthorType,
		HasApproval: facts.hasApproval,
		QAStatus:    facts.qaStatus,
		Draft:       facts.pr.Draft,
		MergeMethod: inv.config.MergeMethod,
	})

	return nil
}

func runSlackNotify(ctx context.Context, inv *invocation) error {
	if *args.SlackToken == "" || inv.config.SlackChannel == "" {
		logger.Warn(
			"slack token or channel is not configured, skipping notification",
			logfields.Event("slack_notify_skipped_unconfigured"),
		)

		return nil
	}

	slackClt := slackclt.New(*args.SlackToken, inv.config.SlackChannel)

	var opts []slacknotify.Option
	if inv.config.PublicRepo && inv.config.PreviewImageBaseURL != "" {
		opts = append(opts, slacknotify.WithPreviewImage(inv.config.PreviewImageBaseURL))
	}

	notifier := slacknotify.New(
		inv.ghClt,
		slackClt,
		inv.event.RepositoryOwner,
		inv.event.Repository,
		inv.mustPRNumber(),
		*args.RunID,
		slackclt.IsInvalidBlocksErr,
		opts...,
	)

	err := notifier.Run(ctx)
	if err != nil && slackclt.IsAuthErr(err) {
		logger.Warn(
			"slack credentials are invalid, skipping notification",
			logfields.Event("slack_notify_skipped_auth_error"),
			zap.Error(err),
		)

		return nil
	}

	return err
}

func runEnsureLabels(ctx context.Context, inv *invocation) error {
	r := reconcile.NewLabelReconciler(
		inv.ghClt,
		inv.event.RepositoryOwner,
		inv.event.Repository,
		inv.event.PullRequestNr,
	)

	return inv.retry.Run(ctx, func(ctx context.Context) error {
		return r.EnsureLabelsExist(ctx, reconcile.ManagedLabels())
	}, inv.event.LogFields())
}

type subcommand struct {
	run func(context.Context, *invocation) error
	// failsJobOnError marks commands whose unexpected errors may fail
	// the invoking workflow run.
	// Only the slack notifier reports errors this way, label
	// reconciliation must never break CI: its errors are logged and
	// the process exits successfully.
	failsJobOnError bool
}

var subcommands = map[string]*subcommand{
	"resolve-status": {run: runResolveStatus},
	"qa-labels":      {run: runQALabels},
	"status-label":   {run: runStatusLabel},
	"cc-labels":      {run: runCCLabels},
	"auto-merge":     {run: runAutoMerge},
	"slack-notify":   {run: runSlackNotify, failsJobOnError: true},
	"ensure-labels":  {run: runEnsureLabels},
}

// commandExitCode translates a subcommand result into the process exit
// code.
func commandExitCode(cmd *subcommand, err error) int {
	if err != nil && cmd.failsJobOnError {
		return 1
	}

	return 0
}

func main() {
	defer goodbye.Exit(context.Background(), 0)
	defer panicHandler()
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	cmd, exists := subcommands[pflag.Arg(0)]
	if !exists {
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", pflag.Arg(0))
		pflag.Usage()
		os.Exit(2)
	}

	mustInitLogger()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	ctx := context.Background()

	inv, proceed := mustSetup(ctx)
	if !proceed {
		return
	}

	if err := cmd.run(ctx, inv); err != nil {
		logger.Error(
			"command failed",
			append([]zap.Field{
				logfields.Event("command_failed"),
				zap.String("command", pflag.Arg(0)),
				zap.Error(err),
			}, inv.event.LogFields()...)...,
		)

		if code := commandExitCode(cmd, err); code != 0 {
			goodbye.Exit(ctx, code)
		}
	}
}
