package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/failure"
	"github.com/watzon/tracery/internal/functions"
)

var validateName string

var validateCmd = &cobra.Command{
	Use:   "validate <dir|file.go>...",
	Short: "Validate function sources",
	Long: `Validate functions without storing them.

Each argument is either a function directory holding a manifest.yaml or a
single .go file. For a file the function name defaults to the file name
without its extension; use --name to override it.

Examples:
  tracery validate functions/greet
  tracery validate greet.go
  tracery validate --name greet handler.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateName, "name", "", "Function name for a single .go file")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc := catalog.NewService(nil, cfg.Runtime.AllowedPackages)
	failed := 0
	for _, arg := range args {
		in, err := validateInput(arg, validateName)
		if err == nil {
			err = validateOne(cmd.OutOrStdout(), svc, in)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %s\n", arg, describe(err))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d functions failed validation", failed, len(args))
	}
	return nil
}

func validateInput(path, name string) (catalog.CreateInput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return catalog.CreateInput{}, err
	}

	if info.IsDir() {
		def, err := functions.Load(path)
		if err != nil {
			return catalog.CreateInput{}, err
		}
		return def.CreateInput()
	}

	if !strings.HasSuffix(path, ".go") {
		return catalog.CreateInput{}, errors.New("expected a function directory or a .go file")
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return catalog.CreateInput{}, err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".go")
	}
	return catalog.CreateInput{Name: name, Source: string(src)}, nil
}

func validateOne(out io.Writer, svc *catalog.Service, in catalog.CreateInput) error {
	art, err := svc.Validate(in.Name, in.Source, in.Dependencies, in.InputSchema, in.OutputSchema)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s (callables: %s", in.Name, strings.Join(art.Callables, ", "))
	if len(art.References) > 0 {
		fmt.Fprintf(out, "; calls: %s", strings.Join(art.References, ", "))
	}
	fmt.Fprintln(out, ")")
	return nil
}

func describe(err error) string {
	if fe, ok := failure.As(err); ok {
		return fmt.Sprintf("[%s] %s", fe.Code, fe.Message)
	}
	return err.Error()
}
