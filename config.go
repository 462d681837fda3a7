package pysys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/eshch/pysys/flags"
	"github.com/eshch/pysys/project"
)

// Config holds the application configuration
type Config struct {
	TestDirs    []string // Roots scanned for test descriptors
	OutputDir   string   // Run-wide output directory, one subdirectory per test
	ProjectFile string   // Path to the project file; may not exist
	TestIDs     []string // Explicit test selection; empty selects everything
	Groups      []string // Group selection; empty selects everything
	Mode        string   // Mode the run executes in; tests not declaring it are skipped
	Cycles      int
	Threads     int           // Worker count, 0 = one per CPU
	Purge       bool          // Remove output of passing tests
	Record      bool          // Activate the project's record writers
	Progress    bool          // Report in-flight progress during the run
	RunInterval time.Duration // Interval between test runs
	RunOnce     bool          // Indicates if the service should exit after one test run
	Prompt      bool          // Ask before aborting on keyboard interrupt
	Color       bool

	Metrics opmetrics.CLIConfig
	Log     log.Logger

	// Interactive reports whether stdout is a terminal, deciding color and
	// interrupt-prompt behavior. Overridable in tests.
	Interactive bool
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	testDirs := ctx.StringSlice(flags.TestDirs.Name)
	if len(testDirs) == 0 {
		return nil, errors.New("at least one test directory is required")
	}
	for i, dir := range testDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for test directory '%s': %w", dir, err)
		}
		testDirs[i] = abs
	}

	outDir := ctx.String(flags.OutputDir.Name)
	if outDir == "" {
		outDir = filepath.Join(testDirs[0], "pysys-output")
	}
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for output directory '%s': %w", outDir, err)
	}

	projectFile := ctx.String(flags.ProjectFile.Name)
	if projectFile == "" {
		projectFile = filepath.Join(testDirs[0], project.FileName)
	} else if projectFile, err = filepath.Abs(projectFile); err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for project file '%s': %w", projectFile, err)
	}

	cycles := ctx.Int(flags.Cycles.Name)
	if cycles < 1 {
		return nil, fmt.Errorf("cycle count must be at least 1, got %d", cycles)
	}
	threads := ctx.Int(flags.Threads.Name)
	if threads < 0 {
		return nil, fmt.Errorf("thread count must not be negative, got %d", threads)
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	interactive := isatty.IsTerminal(os.Stdout.Fd())

	return &Config{
		TestDirs:    testDirs,
		OutputDir:   outDir,
		ProjectFile: projectFile,
		TestIDs:     ctx.Args().Slice(),
		Groups:      ctx.StringSlice(flags.Include.Name),
		Mode:        ctx.String(flags.Mode.Name),
		Cycles:      cycles,
		Threads:     threads,
		Purge:       ctx.Bool(flags.Purge.Name),
		Record:      ctx.Bool(flags.Record.Name),
		Progress:    ctx.Bool(flags.Progress.Name),
		RunInterval: runInterval,
		RunOnce:     runInterval == 0,
		Prompt:      !ctx.Bool(flags.NoPrompt.Name),
		Color:       !ctx.Bool(flags.NoColor.Name) && interactive,
		Metrics:     metricsCfg,
		Log:         log,
		Interactive: interactive,
	}, nil
}
