package spreadsheet

import (
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
)

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(`
max_iterations: 50
parallelism: 4
worksheets: [Inputs, Model]
`))
	assert.NoError(t, err)
	assert.Equal(t, Config{
		MaxIterations:        50,
		ConvergenceThreshold: DefaultConvergenceThreshold,
		Parallelism:          4,
		RangeExpansionLimit:  DefaultRangeExpansionLimit,
		Worksheets:           []string{"Inputs", "Model"},
	}, c)
}

func TestLoadConfigEmpty(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"unknown field", "max_iter: 3\n", "max_iter"},
		{"wrong type", "max_iterations: lots\n", "cannot decode config"},
		{"not a mapping", "- a\n- b\n", "cannot decode config"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(test.input))
			assert.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, ErrorCodeOf(err))
			assert.Contains(t, err.Error(), test.msg)
		})
	}
}

func TestConfigValidateReportsEverything(t *testing.T) {
	_, err := LoadConfig(strings.NewReader(`
max_iterations: -1
parallelism: -2
convergence_threshold: 0.001
worksheets: ["", Data, data]
`))
	assert.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, ErrorCodeOf(err))
	errs := multierr.Errors(errors.Unwrap(err))
	assert.Equal(t, 4, len(errs))
	assert.Contains(t, err.Error(), "max_iterations must not be negative, got -1")
	assert.Contains(t, err.Error(), "parallelism must not be negative, got -2")
	assert.Contains(t, err.Error(), `worksheet "data" listed twice`)

	assert.NoError(t, Config{}.Validate())
}

func TestWorkbookOptions(t *testing.T) {
	w := NewWorkbook(
		WithConfig(Config{Worksheets: []string{"Inputs", "Model"}, Parallelism: 3}),
		WithMaxIterations(7),
		WithConvergenceThreshold(1e-3),
		WithRangeExpansionLimit(16),
	)
	assert.Equal(t, []string{"Inputs", "Model"}, w.ListWorksheets())
	assert.Equal(t, 7, w.config.MaxIterations)
	assert.Equal(t, 1e-3, w.config.ConvergenceThreshold)
	assert.Equal(t, 3, w.config.Parallelism)
	assert.Equal(t, uint64(16), w.storage.dependencyGraph.expansionLimit)

	// zero and negative values fall back to the defaults
	w = NewWorkbook(WithParallelism(-1), WithMaxIterations(0))
	assert.Equal(t, 1, w.config.Parallelism)
	assert.Equal(t, DefaultMaxIterations, w.config.MaxIterations)
	assert.Equal(t, []string{DefaultWorksheetName}, w.ListWorksheets())

	// invalid worksheet names are skipped
	w = NewWorkbook(WithConfig(Config{Worksheets: []string{"Good", "Bad!", "good"}}))
	assert.Equal(t, []string{"Good"}, w.ListWorksheets())
}
