package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/schema"
)

// Validation error codes.
const (
	ErrCodeTypesNotFound = "E_TYPES_NOT_FOUND"
	ErrCodeTypeError     = "E_TYPE_ERROR"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool          `json:"valid"`
	Types []TypeSummary `json:"types,omitempty"`
	Error *TypeProblem  `json:"error,omitempty"`
}

// TypeSummary describes one compiled item type.
type TypeSummary struct {
	Name       string   `json:"name"`
	Collection string   `json:"collection"`
	Links      []string `json:"links,omitempty"`
	Embedded   []string `json:"embedded,omitempty"`
	RevLinks   []string `json:"rev_links,omitempty"`
}

// TypeProblem locates a type declaration error.
type TypeProblem struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [types-dir]",
		Short: "Compile the item type declarations",
		Long: `Compile the CUE item type declarations and check them for consistency:
link targets, embed paths, reverse links and aggregations.

The directory defaults to the configured types directory.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newOutput(opts, cmd)

	if dir == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		dir = cfg.Types
	}
	if _, err := os.Stat(dir); err != nil {
		if outErr := formatter.Error(ErrCodeTypesNotFound, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "types directory not found", err)
	}
	formatter.VerboseLog("Compiling types in %s", dir)

	reg, err := schema.LoadDir(dir)
	if err != nil {
		problem := describeTypeError(err)
		if outErr := formatter.Error(ErrCodeTypeError, problem.Message, problem); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "validation failed", err)
	}

	result := ValidationResult{Valid: true}
	for _, name := range reg.Names() {
		t, _ := reg.Type(name)
		sum := TypeSummary{Name: t.Name, Collection: t.Collection, Links: t.LinkNames(), Embedded: t.Embedded}
		for _, rl := range t.RevLinks {
			sum.RevLinks = append(sum.RevLinks, rl.Name)
		}
		result.Types = append(result.Types, sum)
	}

	return formatter.Success(result, func(w io.Writer) {
		for _, t := range result.Types {
			formatter.VerboseLog("  %s (%s): links %v, embedded %v", t.Name, t.Collection, t.Links, t.Embedded)
		}
		fmt.Fprintf(w, "✓ %d type(s) valid\n", len(result.Types))
	})
}

// describeTypeError extracts the position of a compile error.
func describeTypeError(err error) TypeProblem {
	var cErr *schema.CompileError
	if errors.As(err, &cErr) {
		p := TypeProblem{Field: cErr.Field, Message: cErr.Message}
		if cErr.Pos.IsValid() {
			p.File = cErr.Pos.Filename()
			p.Line = cErr.Pos.Line()
		}
		return p
	}
	return TypeProblem{Message: err.Error()}
}
