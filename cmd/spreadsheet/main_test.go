package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEval(t *testing.T) {
	out, err := execute(t, "eval", "=2+3*4")
	assert.NoError(t, err)
	assert.Equal(t, "14\n", out)

	out, err = execute(t, "eval", `=UPPER("abc") & 1/4`)
	assert.NoError(t, err)
	assert.Equal(t, "ABC0.25\n", out)

	out, err = execute(t, "eval", "=1/0")
	assert.NoError(t, err)
	assert.Equal(t, "#DIV/0!\n", out)

	out, err = execute(t, "eval", "=NOPE(1)")
	assert.NoError(t, err)
	assert.Equal(t, "#NAME? (unknown function 'NOPE')\n", out)

	_, err = execute(t, "eval")
	assert.Error(t, err)
}

func TestCalc(t *testing.T) {
	out, err := execute(t, "calc", "A1=2", "B1==A1*10", "C1=hi", "A2=true", "C2=")
	assert.NoError(t, err)
	assert.Equal(t, "Sheet1!A1\t2\nSheet1!B1\t20\t=A1*10\nSheet1!C1\thi\nSheet1!A2\tTRUE\n", out)
}

func TestCalcWithSheet(t *testing.T) {
	out, err := execute(t, "calc", "--sheet", "Data", "A1=1", "Sheet1!A1==Data!A1+1")
	assert.NoError(t, err)
	assert.Equal(t, "Sheet1!A1\t2\t=Data!A1+1\nData!A1\t1\n", out)
}

func TestCalcCycle(t *testing.T) {
	out, err := execute(t, "calc", "A1==B1", "B1==A1+1")
	assert.NoError(t, err)
	assert.Equal(t, "Sheet1!A1\t#CIRCULAR! (circular reference did not converge)\t=B1\n"+
		"Sheet1!B1\t#CIRCULAR! (circular reference did not converge)\t=A1+1\n", out)
}

func TestCalcWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbook.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("worksheets: [In, Out]\nmax_iterations: 10\n"), 0o600))

	out, err := execute(t, "calc", "--config", path, "B2=5", "Out!A1==In!B2*2")
	assert.NoError(t, err)
	assert.Equal(t, "In!B2\t5\nOut!A1\t10\t=In!B2*2\n", out)

	assert.NoError(t, os.WriteFile(path, []byte("max_iterations: -3\n"), 0o600))
	_, err = execute(t, "calc", "--config", path, "A1=1")
	assert.Error(t, err)
}

func TestCalcRejectsBadInput(t *testing.T) {
	tests := [][]string{
		{"calc", "A1"},
		{"calc", "=1"},
		{"calc", "--passes", "0", "A1=1"},
		{"calc", "Missing!A1=1"},
		{"calc", "--config", "/does/not/exist.yaml", "A1=1"},
		{"--log-level", "loud", "eval", "=1"},
	}
	for _, args := range tests {
		_, err := execute(t, args...)
		assert.Error(t, err, "%v", args)
	}
}

func TestParseLiteral(t *testing.T) {
	assert.Equal(t, any(nil), parseLiteral(""))
	assert.Equal(t, any(1.5), parseLiteral("1.5"))
	assert.Equal(t, any(true), parseLiteral("True"))
	assert.Equal(t, any("=A1"), parseLiteral("=A1"))
	assert.Equal(t, any(" x "), parseLiteral(" x "))
}
