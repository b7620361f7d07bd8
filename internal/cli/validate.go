package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/jsondoc"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Spaces []SpaceSummary    `json:"spaces,omitempty"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// SpaceSummary describes one space that compiled.
type SpaceSummary struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels,omitempty"`
	Attach   []string `json:"attach,omitempty"`
	Retain   string   `json:"retain,omitempty"`
}

// ValidationError is one problem found in a space file.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [spaces-dir]",
		Short: "Validate space files",
		Long: `Compile every CUE space file in a directory and report problems.
Defaults to spaces_dir from the configuration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return err
				}
				dir = cfg.SpacesDir
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	formatter.VerboseLog("Validating spaces in %s", dir)

	spaces, err := jsondoc.LoadDir(dir)
	var se *jsondoc.SchemaError
	if err != nil && len(spaces) == 0 && !errors.As(err, &se) {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read spaces", err)
	}

	result := ValidationResult{Valid: err == nil}
	for _, s := range spaces {
		summary := SpaceSummary{Name: s.Name, Channels: s.Channels, Attach: s.Attach}
		if s.Retain > 0 {
			summary.Retain = s.Retain.String()
		}
		result.Spaces = append(result.Spaces, summary)
		formatter.VerboseLog("Space %s compiled", s.Name)
	}
	if err != nil {
		for _, e := range splitErrors(err) {
			result.Errors = append(result.Errors, toValidationError(e))
		}
	}

	if formatter.Format == "json" {
		if !result.Valid {
			_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("%d space file(s) invalid", len(result.Errors)), result)
			return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
		}
		return formatter.Success(result)
	}

	if result.Valid {
		fmt.Fprintf(formatter.Writer, "✓ All spaces valid (%d)\n", len(result.Spaces))
		return nil
	}
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		if e.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", e.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s\n\n", e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}

// splitErrors undoes errors.Join.
func splitErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func toValidationError(err error) ValidationError {
	v := ValidationError{Message: err.Error()}
	var se *jsondoc.SchemaError
	if errors.As(err, &se) {
		v.Field = se.Field
		if se.Pos.IsValid() {
			v.Line = se.Pos.Line()
		}
	}
	return v
}
