package spreadsheet

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxIterations        = 100
	DefaultConvergenceThreshold = 1e-10
	DefaultWorksheetName        = "Sheet1"
)

// Config holds the tunables of a workbook. zero fields take their defaults.
type Config struct {
	// MaxIterations caps the sweeps spent on one circular group
	MaxIterations int `yaml:"max_iterations"`
	// ConvergenceThreshold is the largest per-cell change that still counts
	// as converged
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	// Parallelism is the number of goroutines evaluating one layer. 1 or 0
	// evaluates sequentially.
	Parallelism int `yaml:"parallelism"`
	// RangeExpansionLimit is the largest range expanded to per-cell edges
	RangeExpansionLimit uint64 `yaml:"range_expansion_limit"`
	// Worksheets are created, in order, when the workbook is built
	Worksheets []string `yaml:"worksheets"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		MaxIterations:        DefaultMaxIterations,
		ConvergenceThreshold: DefaultConvergenceThreshold,
		Parallelism:          1,
		RangeExpansionLimit:  DefaultRangeExpansionLimit,
		Worksheets:           []string{DefaultWorksheetName},
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.ConvergenceThreshold <= 0 {
		c.ConvergenceThreshold = def.ConvergenceThreshold
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	if c.RangeExpansionLimit == 0 {
		c.RangeExpansionLimit = def.RangeExpansionLimit
	}
	if len(c.Worksheets) == 0 {
		c.Worksheets = def.Worksheets
	}
	return c
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var err error
	if c.MaxIterations < 0 {
		err = multierr.Append(err, fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations))
	}
	if c.ConvergenceThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("convergence_threshold must not be negative, got %g", c.ConvergenceThreshold))
	}
	if c.Parallelism < 0 {
		err = multierr.Append(err, fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism))
	}
	seen := make(map[string]struct{}, len(c.Worksheets))
	for _, name := range c.Worksheets {
		if name == "" {
			err = multierr.Append(err, fmt.Errorf("worksheet names must not be empty"))
			continue
		}
		if _, dup := seen[worksheetKey(name)]; dup {
			err = multierr.Append(err, fmt.Errorf("worksheet %q listed twice", name))
		}
		seen[worksheetKey(name)] = struct{}{}
	}
	if err != nil {
		return &AppError{Code: codes.InvalidArgument, Message: "invalid config", cause: err}
	}
	return nil
}

// LoadConfig decodes a YAML config, applies defaults and validates it
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, &AppError{Code: codes.InvalidArgument, Message: "cannot decode config", cause: err}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}

// Option is a function that configures a Workbook
type Option func(*Workbook)

// WithLogr sets the logger. the default discards everything.
var WithLogr = func(log logr.Logger) Option {
	return func(w *Workbook) {
		w.log = log
	}
}

// WithMaxIterations caps the sweeps spent on one circular group
var WithMaxIterations = func(n int) Option {
	return func(w *Workbook) {
		w.config.MaxIterations = n
	}
}

// WithConvergenceThreshold sets the per-cell change under which a circular
// group counts as converged
var WithConvergenceThreshold = func(threshold float64) Option {
	return func(w *Workbook) {
		w.config.ConvergenceThreshold = threshold
	}
}

// WithParallelism sets the number of goroutines evaluating one layer
var WithParallelism = func(n int) Option {
	return func(w *Workbook) {
		w.config.Parallelism = n
	}
}

// WithRangeExpansionLimit sets the largest range expanded to per-cell edges
var WithRangeExpansionLimit = func(limit uint64) Option {
	return func(w *Workbook) {
		w.config.RangeExpansionLimit = limit
	}
}

// WithClock sets the clock behind NOW and TODAY
var WithClock = func(clock Clock) Option {
	return func(w *Workbook) {
		w.clock = clock
	}
}

// WithRandom sets the random source behind RAND
var WithRandom = func(rng RandomGenerator) Option {
	return func(w *Workbook) {
		w.rng = rng
	}
}

// WithConfig replaces the whole configuration
var WithConfig = func(c Config) Option {
	return func(w *Workbook) {
		w.config = c
	}
}
