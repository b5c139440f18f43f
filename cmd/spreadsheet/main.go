package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "spreadsheet",
		Short:        "Evaluate spreadsheet formulas and workbooks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: trace|debug|info|warn|error")
	root.AddCommand(newEvalCmd(opts), newCalcCmd(opts))
	return root
}

// logger writes console logs to w. recalculation statistics show up at debug.
func (o *rootOptions) logger(w io.Writer) (logr.Logger, error) {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return logr.Discard(), fmt.Errorf("invalid --log-level %q: %w", o.logLevel, err)
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}
	zlog := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return zerologr.New(&zlog).WithName("spreadsheet"), nil
}

func newEvalCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eval FORMULA",
		Short: "Evaluate a single formula against an empty workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			wb := spreadsheet.NewWorkbook(spreadsheet.WithLogr(log))
			at, err := wb.ParseAddress("A1")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describe(wb.EvaluateFormula(args[0], at)))
			return nil
		},
	}
}

type calcOptions struct {
	config string
	sheet  string
	passes int
}

func newCalcCmd(opts *rootOptions) *cobra.Command {
	calc := &calcOptions{}
	cmd := &cobra.Command{
		Use:   "calc CELL=VALUE...",
		Short: "Fill cells, recalculate and print every non-empty cell",
		Long: `Fill cells, recalculate and print every non-empty cell.

Values starting with '=' are formulas. Other values are read as numbers,
TRUE/FALSE or text. An empty value clears the cell.

  spreadsheet calc A1=2 B1==A1*10 "Data!C3=hello"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return calc.run(cmd.OutOrStdout(), log, args)
		},
	}
	cmd.Flags().StringVar(&calc.config, "config", "", "YAML workbook configuration")
	cmd.Flags().StringVar(&calc.sheet, "sheet", "", "Worksheet for unqualified cells, created if missing")
	cmd.Flags().IntVar(&calc.passes, "passes", 1, "Recalculation passes to run")
	return cmd
}

func (c *calcOptions) run(out io.Writer, log logr.Logger, args []string) error {
	if c.passes < 1 {
		return fmt.Errorf("--passes must be at least 1, got %d", c.passes)
	}
	config := spreadsheet.DefaultConfig()
	if c.config != "" {
		f, err := os.Open(c.config)
		if err != nil {
			return err
		}
		defer f.Close()
		if config, err = spreadsheet.LoadConfig(f); err != nil {
			return fmt.Errorf("%s: %w", c.config, err)
		}
	}
	wb := spreadsheet.NewWorkbook(spreadsheet.WithConfig(config), spreadsheet.WithLogr(log))
	if c.sheet != "" && !wb.DoesWorksheetExist(c.sheet) {
		if err := wb.AddWorksheet(c.sheet); err != nil {
			return err
		}
	}

	values := make(map[string]any, len(args))
	for _, arg := range args {
		cell, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(cell) == "" {
			return fmt.Errorf("expected CELL=VALUE, got %q", arg)
		}
		if c.sheet != "" && !strings.Contains(cell, "!") {
			cell = "'" + strings.ReplaceAll(c.sheet, "'", "''") + "'!" + cell
		}
		values[cell] = parseLiteral(raw)
	}
	if err := wb.SetCells(values); err != nil {
		return err
	}
	for range c.passes {
		if err := wb.Recalculate(); err != nil {
			return err
		}
	}
	if undefined := wb.UndefinedWorksheets(); len(undefined) > 0 {
		log.Info("formulas reference undefined worksheets", "worksheets", undefined)
	}
	return printWorkbook(out, wb)
}

// parseLiteral reads a command line value the way a user would type it into
// a cell
func parseLiteral(raw string) any {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "=") {
		return raw
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		return n
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return raw
}

func printWorkbook(out io.Writer, wb *spreadsheet.Workbook) error {
	for _, name := range wb.ListWorksheets() {
		cells, err := wb.Cells(name)
		if err != nil {
			return err
		}
		for _, addr := range cells {
			v := wb.GetValue(addr)
			if v.IsEmpty() {
				continue
			}
			line := wb.FormatAddress(addr) + "\t" + describe(v)
			if formula, ok := wb.GetFormula(addr); ok {
				line += "\t=" + formula
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

// describe renders a value, with the message of errors that carry one
func describe(v spreadsheet.CellValue) string {
	err := v.Err()
	if err == nil || err.Message == v.ToText() {
		return v.ToText()
	}
	return v.ToText() + " (" + err.Message + ")"
}
