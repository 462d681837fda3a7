// Package project loads the pysysproject.yaml configuration: run-wide
// properties, default timeouts, the writers to construct and the performance
// summary location. Configuration faults are reported before any test runs.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/eshch/pysys/harness"
	"github.com/eshch/pysys/perf"
	"github.com/eshch/pysys/writer"
)

// FileName is the project file looked for in the test root.
const FileName = "pysysproject.yaml"

// Project is the loaded configuration.
type Project struct {
	// RequiresVersion is the minimum orchestrator version the project
	// demands, already checked by Load.
	RequiresVersion string

	// Properties after ${name} expansion.
	Properties map[string]string

	// Timeouts are the run-wide default deadlines.
	Timeouts harness.Timeouts

	// Writers to construct for the run.
	Writers []WriterConfig

	// PerfSummaryPattern locates the performance summary CSV.
	PerfSummaryPattern string

	// Path of the loaded file; empty when defaults were used.
	Path string
}

// WriterConfig declares one writer by kind with its options.
type WriterConfig struct {
	Kind    string            `yaml:"kind"`
	Options map[string]string `yaml:"options,omitempty"`
}

// BuiltWriter pairs a constructed writer with the role to register it under.
type BuiltWriter struct {
	Writer writer.Writer
	Role   writer.Role
}

type fileSchema struct {
	RequiresVersion string         `yaml:"requires_version,omitempty"`
	Properties      yaml.Node      `yaml:"properties,omitempty"`
	Timeouts        *timeoutsYAML  `yaml:"timeouts,omitempty"`
	Writers         []WriterConfig `yaml:"writers,omitempty"`
	Performance     *perfYAML      `yaml:"performance,omitempty"`
}

// timeoutsYAML carries the default deadlines in seconds, the unit every
// reason string and wait in the system speaks.
type timeoutsYAML struct {
	Process float64 `yaml:"process,omitempty"`
	Pattern float64 `yaml:"pattern,omitempty"`
	File    float64 `yaml:"file,omitempty"`
	Socket  float64 `yaml:"socket,omitempty"`
}

type perfYAML struct {
	SummaryFile string `yaml:"summary_file,omitempty"`
}

// Default is the configuration used when no project file exists: console
// summary only, package-level timeout defaults.
func Default() *Project {
	return &Project{
		Properties:         map[string]string{},
		PerfSummaryPattern: perf.DefaultSummaryPattern,
	}
}

// Load reads the project file at path and resolves it against version, the
// running orchestrator's version. A missing file yields the defaults; a
// malformed one is a configuration fault.
func Load(logger log.Logger, path, version string) (*Project, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("No project file, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading project file: %w", err)
	}

	var raw fileSchema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if raw.RequiresVersion != "" {
		if err := checkVersion(raw.RequiresVersion, version); err != nil {
			return nil, err
		}
	}

	props, err := expandProperties(raw.Properties)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	p := Default()
	p.Path = path
	p.RequiresVersion = raw.RequiresVersion
	p.Properties = props
	if raw.Timeouts != nil {
		p.Timeouts = harness.Timeouts{
			Process: secs(raw.Timeouts.Process),
			Pattern: secs(raw.Timeouts.Pattern),
			File:    secs(raw.Timeouts.File),
			Socket:  secs(raw.Timeouts.Socket),
		}
	}
	for _, wc := range raw.Writers {
		expanded := WriterConfig{Kind: wc.Kind}
		if len(wc.Options) > 0 {
			expanded.Options = make(map[string]string, len(wc.Options))
			for k, v := range wc.Options {
				ev, err := expand(v, props)
				if err != nil {
					return nil, fmt.Errorf("%s: writer %q option %q: %w", path, wc.Kind, k, err)
				}
				expanded.Options[k] = ev
			}
		}
		p.Writers = append(p.Writers, expanded)
	}
	if raw.Performance != nil && raw.Performance.SummaryFile != "" {
		pattern, err := expand(raw.Performance.SummaryFile, props)
		if err != nil {
			return nil, fmt.Errorf("%s: performance summary file: %w", path, err)
		}
		p.PerfSummaryPattern = pattern
	}

	logger.Debug("Project loaded", "path", path,
		"properties", len(p.Properties), "writers", len(p.Writers))
	return p, nil
}

func checkVersion(requires, version string) error {
	rv := "v" + requires
	if !semver.IsValid(rv) {
		return fmt.Errorf("invalid requires_version %q", requires)
	}
	if version == "" {
		return nil
	}
	if semver.Compare(rv, "v"+version) > 0 {
		return fmt.Errorf("project requires version %s or later, this is %s", requires, version)
	}
	return nil
}

var propPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// expandProperties resolves properties in document order: each value may
// reference the properties above it and the environment.
func expandProperties(node yaml.Node) (map[string]string, error) {
	props := map[string]string{}
	if node.Kind == 0 {
		return props, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, errors.New("properties must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("property %q must be a scalar", key.Value)
		}
		resolved, err := expand(val.Value, props)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key.Value, err)
		}
		props[key.Value] = resolved
	}
	return props, nil
}

// expand substitutes ${name} from props first, then the environment. An
// unresolvable reference is a configuration fault, not a silent literal.
func expand(s string, props map[string]string) (string, error) {
	var expandErr error
	out := propPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := props[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if expandErr == nil {
			expandErr = fmt.Errorf("undefined property %q", name)
		}
		return m
	})
	return out, expandErr
}

// BuildWriters constructs the declared writers. Unknown kinds and unknown
// options fail so a typo cannot silently drop a report.
func (p *Project) BuildWriters(logger log.Logger, outDir string, color bool) ([]BuiltWriter, error) {
	built := make([]BuiltWriter, 0, len(p.Writers))
	for _, wc := range p.Writers {
		switch wc.Kind {
		case "console":
			if err := checkOptions(wc); err != nil {
				return nil, err
			}
			built = append(built, BuiltWriter{
				Writer: writer.NewConsoleSummary(logger, nil, color),
				Role:   writer.RoleSummary,
			})
		case "progress":
			if err := checkOptions(wc, "interval"); err != nil {
				return nil, err
			}
			var interval time.Duration
			if v, ok := wc.Options["interval"]; ok {
				s, err := strconv.ParseFloat(v, 64)
				if err != nil || s <= 0 {
					return nil, fmt.Errorf("writer %q: invalid interval %q", wc.Kind, v)
				}
				interval = secs(s)
			}
			built = append(built, BuiltWriter{
				Writer: writer.NewConsoleProgress(logger, interval),
				Role:   writer.RoleProgress,
			})
		case "text":
			path, err := recordPath(wc, outDir, "results.log")
			if err != nil {
				return nil, err
			}
			built = append(built, BuiltWriter{Writer: writer.NewTextRecord(path), Role: writer.RoleRecord})
		case "xml":
			path, err := recordPath(wc, outDir, "results.xml")
			if err != nil {
				return nil, err
			}
			built = append(built, BuiltWriter{Writer: writer.NewXMLRecord(path), Role: writer.RoleRecord})
		case "junit":
			path, err := recordPath(wc, outDir, "junit.xml")
			if err != nil {
				return nil, err
			}
			built = append(built, BuiltWriter{Writer: writer.NewJUnitRecord(path), Role: writer.RoleRecord})
		default:
			return nil, fmt.Errorf("unknown writer kind %q", wc.Kind)
		}
	}
	return built, nil
}

func recordPath(wc WriterConfig, outDir, fallback string) (string, error) {
	if err := checkOptions(wc, "file"); err != nil {
		return "", err
	}
	file := wc.Options["file"]
	if file == "" {
		file = fallback
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	return filepath.Join(outDir, file), nil
}

func checkOptions(wc WriterConfig, allowed ...string) error {
	for k := range wc.Options {
		if !slices.Contains(allowed, k) {
			return fmt.Errorf("writer %q: unknown option %q", wc.Kind, k)
		}
	}
	return nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
