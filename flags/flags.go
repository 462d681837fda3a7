package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "PYSYS"

var (
	TestDirs = &cli.StringSliceFlag{
		Name:    "testdir",
		Value:   cli.NewStringSlice("."),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TESTDIR"),
		Usage:   "Test root directory to scan for pysystest.yaml descriptors. Repeat for multiple roots.",
	}
	OutputDir = &cli.StringFlag{
		Name:    "outdir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTDIR"),
		Usage:   "Directory test output is written to. Defaults to 'pysys-output' under the first test root.",
	}
	ProjectFile = &cli.StringFlag{
		Name:    "project",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROJECT"),
		Usage:   "Path to the project file. Defaults to 'pysysproject.yaml' in the first test root.",
	}
	Cycles = &cli.IntFlag{
		Name:    "cycles",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CYCLES"),
		Usage:   "Number of times to run the selected tests",
	}
	Threads = &cli.IntFlag{
		Name:    "threads",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "THREADS"),
		Usage:   "Number of tests to run concurrently. Set to 0 for one worker per CPU.",
	}
	Mode = &cli.StringFlag{
		Name:    "mode",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODE"),
		Usage:   "Mode to run the tests in (eg. 'Tls'). Tests not declaring the mode are skipped.",
	}
	Include = &cli.StringSliceFlag{
		Name:    "include",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INCLUDE"),
		Usage:   "Only run tests belonging to one of these groups. Repeat to widen the selection.",
	}
	Purge = &cli.BoolFlag{
		Name:    "purge",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PURGE"),
		Usage:   "Remove the whole output directory of tests that pass",
	}
	Record = &cli.BoolFlag{
		Name:    "record",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RECORD"),
		Usage:   "Activate the record writers declared in the project file",
	}
	Progress = &cli.BoolFlag{
		Name:    "progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS"),
		Usage:   "Report in-flight progress while the run executes",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	NoPrompt = &cli.BoolFlag{
		Name:    "no-prompt",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_PROMPT"),
		Usage:   "Interrupt the run immediately on Ctrl-C instead of prompting",
	}
	NoColor = &cli.BoolFlag{
		Name:    "no-color",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_COLOR"),
		Usage:   "Disable colored console output",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	TestDirs,
	OutputDir,
	ProjectFile,
	Cycles,
	Threads,
	Mode,
	Include,
	Purge,
	Record,
	Progress,
	RunInterval,
	NoPrompt,
	NoColor,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
