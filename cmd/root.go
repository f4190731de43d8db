package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/fatih/color"
	"github.com/gammazero/workerpool"
	"github.com/spf13/cobra"

	"github.com/pterodactyl/roottest/config"
	"github.com/pterodactyl/roottest/environment"
	"github.com/pterodactyl/roottest/loggers/cli"
	"github.com/pterodactyl/roottest/sandbox"
	"github.com/pterodactyl/roottest/suite"
	"github.com/pterodactyl/roottest/system"
)

const (
	formatText = "text"
	formatJSON = "json"
)

var (
	configPath  = config.DefaultLocation
	debug       = false
	verbosity   = 0
	showVersion = false
	noColor     = false
)

// Flags of the root command that override a configuration value when they
// are set.
var runArgs struct {
	Recurse     string
	Jobs        int
	Scope       string
	StrictPerms bool
	Sandbox     string
	Timeout     time.Duration
	ScratchDir  string
	Format      string
}

// exitCode is the code the process exits with once the command returned
// without an error.
var exitCode = suite.ExitPassed

// newRootCommand builds the command tree. Building it again resets every
// flag variable to its default.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "roottest [flags] [test-dir...]",
		Short:         "Run programs inside staged roots and compare what they leave behind",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: rootCmdRun,
	}

	root.PersistentFlags().BoolVar(&showVersion, "version", false, "show the version and exit")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run in debug mode")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase logging verbosity, may be repeated")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	root.Flags().StringVarP(&runArgs.Recurse, "recurse", "r", "", "run every test folder found directly below this directory")
	root.Flags().IntVarP(&runArgs.Jobs, "jobs", "j", 0, "number of tests run at the same time")
	root.Flags().StringVar(&runArgs.Scope, "scope", "", "default comparison scope, home or root")
	root.Flags().BoolVar(&runArgs.StrictPerms, "strict-perms", false, "also compare permission bits")
	root.Flags().StringVar(&runArgs.Sandbox, "sandbox", "", "sandbox driver: fakechroot, chroot, bwrap or none")
	root.Flags().DurationVar(&runArgs.Timeout, "timeout", 0, "timeout for tests that do not set one, 0 disables it")
	root.Flags().StringVar(&runArgs.ScratchDir, "scratch-dir", "", "directory staged roots are created in")
	root.Flags().StringVar(&runArgs.Format, "format", formatText, "report format, text or json")

	root.AddCommand(newDoctorCommand())
	root.AddCommand(newSnapshotCommand())
	root.AddCommand(newDiffCommand())
	return root
}

// readConfiguration loads the configuration file and applies every flag
// that was explicitly set on top of it.
func readConfiguration(cmd *cobra.Command) (*config.Configuration, error) {
	p := configPath
	if p == config.DefaultLocation {
		found, err := findConfiguration()
		if err != nil {
			return nil, err
		}
		p = found
	} else if !filepath.IsAbs(p) {
		d, err := os.Getwd()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		p = filepath.Join(d, p)
	}
	if s, err := os.Stat(p); err == nil && s.IsDir() {
		return nil, errors.New("cannot use directory as configuration file path")
	}

	c, err := config.FromFile(p)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if debug {
		c.Debug = true
	}
	if flags.Changed("recurse") {
		c.TestsRoot = runArgs.Recurse
	}
	if flags.Changed("jobs") {
		c.Jobs = runArgs.Jobs
	}
	if flags.Changed("scope") {
		c.Compare.Scope = runArgs.Scope
	}
	if flags.Changed("strict-perms") {
		c.Compare.StrictPermissions = runArgs.StrictPerms
	}
	if flags.Changed("sandbox") {
		c.Sandbox.Driver = runArgs.Sandbox
	}
	if flags.Changed("timeout") {
		c.DefaultTimeout = runArgs.Timeout
	}
	if flags.Changed("scratch-dir") {
		c.ScratchDirectory = runArgs.ScratchDir
	}
	return c, c.Validate()
}

func rootCmdRun(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Fprintln(cmd.OutOrStdout(), system.Version)
		return nil
	}
	if runArgs.Format != formatText && runArgs.Format != formatJSON {
		return errors.Errorf("unknown report format %q", runArgs.Format)
	}

	c, err := readConfiguration(cmd)
	if err != nil {
		return err
	}

	closeLog, err := configureLogging(c.LogFile, logLevel(c.Debug))
	if err != nil {
		return err
	}
	defer closeLog()
	log.WithField("path", c.GetPath()).Debug("loaded configuration")

	dirs := args
	if len(dirs) == 0 {
		if dirs, err = suite.Discover(c.TestsRoot); err != nil {
			return err
		}
	}
	if len(dirs) == 0 {
		return errors.Errorf("no tests found in %s", c.TestsRoot)
	}

	s, pool, err := newSuite(c)
	if err != nil {
		return err
	}
	defer pool.StopWait()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if runArgs.Format == formatText {
		suite.RenderHeader(out, len(dirs))
		s.OnVerdict = func(v *suite.Verdict) {
			suite.RenderVerdict(out, v)
		}
	}

	report := s.Run(ctx, dirs)
	if ctx.Err() != nil {
		log.Warn("run was interrupted, remaining tests were not executed")
	}

	if runArgs.Format == formatJSON {
		if err := report.RenderJSON(out); err != nil {
			return errors.Wrap(err, "failed to write report")
		}
	} else {
		report.RenderSummary(out)
	}
	exitCode = report.ExitCode()
	return nil
}

// newSuite wires the stager, runner and worker pool described by the
// configuration. The returned pool must be stopped by the caller.
func newSuite(c *config.Configuration) (*suite.Suite, *workerpool.WorkerPool, error) {
	d, err := sandbox.NewDriver(c.Sandbox.Driver, c.Sandbox.Binary, c.Sandbox.Args)
	if err != nil {
		return nil, nil, err
	}

	stager := environment.NewStager(
		c.ScratchDirectory,
		environment.WithCopier(newCopier(c)),
		environment.WithVerification(c.Compare.VerifyStaging),
	)

	pool := workerpool.New(c.Jobs)
	s := suite.New(stager, sandbox.NewRunner(d), pool, suite.Options{
		Scope:             suite.Scope(c.Compare.Scope),
		Timeout:           c.DefaultTimeout,
		TimeoutVerdict:    suite.TimeoutVerdict(c.Compare.TimeoutVerdict),
		StrictPermissions: c.Compare.StrictPermissions,
		MaxDiffBytes:      c.Compare.MaxDiffBytes,
	})
	return s, pool, nil
}

func newCopier(c *config.Configuration) environment.Copier {
	if c.Copy.Tool == config.CopyToolNative {
		return environment.NativeCopier{}
	}
	return &environment.CommandCopier{Binary: c.Copy.Binary}
}

// Execute calls cobra to handle cli commands and exits the process with the
// resulting code.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes a command line and returns the exit code for it. Errors
// returned by a command mean it could not do its job at all.
func run(args []string, stdout io.Writer) int {
	exitCode = suite.ExitPassed
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		return suite.ExitUsage
	}
	return exitCode
}

// logLevel maps the verbosity flags onto a log level. Warnings and errors
// are always shown.
func logLevel(debugMode bool) log.Level {
	switch {
	case debugMode || verbosity >= 2:
		return log.DebugLevel
	case verbosity == 1:
		return log.InfoLevel
	}
	return log.WarnLevel
}

// configureLogging sets up the global logger. When a log file is configured
// every entry is written to it as well as to stderr. The returned function
// closes the log file.
func configureLogging(logFile string, level log.Level) (func(), error) {
	log.SetLevel(level)

	h := cli.New(os.Stderr, !noColor)
	h.Stacktraces = level == log.DebugLevel
	if logFile == "" {
		log.SetHandler(h)
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}
	w, err := logrotate.NewFile(logFile)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open process log file")
	}
	fh := cli.New(w.File, false)
	fh.Stacktraces = true
	log.SetHandler(multi.New(h, fh))

	log.WithField("path", logFile).Info("writing log files to disk")
	return func() { _ = w.Close() }, nil
}
