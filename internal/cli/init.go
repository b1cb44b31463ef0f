package cli

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// scaffolds holds the project files written by init. Go sources carry a
// .tmpl suffix so they are not part of this module's build.
//
//go:embed scaffolds
var scaffolds embed.FS

var (
	initTemplate string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new Tracery project",
	Long: `Initialize a new Tracery project with a starter template.

Creates the project directory structure with:
  - tracery.yaml     Configuration file
  - functions/       One directory per function, synced on serve
  - data/            Database and event archive

Templates:
  basic      A single greeting function (default)
  approval   A function that pauses for human approval`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initTemplate, "template", "t", "basic", "Project template ("+strings.Join(scaffoldNames(), ", ")+")")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")

	rootCmd.AddCommand(initCmd)
}

// scaffold describes one starter project under scaffolds/<Name>.
type scaffold struct {
	Name         string
	Function     string
	ExampleInput string
}

var scaffoldList = []scaffold{
	{Name: "basic", Function: "greet", ExampleInput: `{"name":"Ada"}`},
	{Name: "approval", Function: "request_purchase", ExampleInput: `{"item":"laptop","amount":1200}`},
}

// shared files go into every project. A .gitignore already present is kept
// unless --force is given.
var shared = map[string]string{
	"tracery.yaml": "scaffolds/tracery.yaml",
	".gitignore":   "scaffolds/gitignore",
}

func scaffoldNames() []string {
	names := make([]string, len(scaffoldList))
	for i, s := range scaffoldList {
		names[i] = s.Name
	}
	return names
}

func lookupScaffold(name string) (scaffold, error) {
	for _, s := range scaffoldList {
		if s.Name == name {
			return s, nil
		}
	}
	return scaffold{}, fmt.Errorf("unknown template %q (available: %s)", name, strings.Join(scaffoldNames(), ", "))
}

// files maps project-relative destinations to embedded paths.
func (s scaffold) files() (map[string]string, error) {
	out := make(map[string]string, len(shared)+2)
	for dst, src := range shared {
		out[dst] = src
	}
	root := path.Join("scaffolds", s.Name)
	err := fs.WalkDir(scaffolds, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel := strings.TrimSuffix(strings.TrimPrefix(p, root+"/"), ".tmpl")
		out[filepath.FromSlash(rel)] = p
		return nil
	})
	return out, err
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	s, err := lookupScaffold(initTemplate)
	if err != nil {
		return err
	}
	written, err := scaffoldProject(dir, s, initForce)
	if err != nil {
		return err
	}
	for _, f := range written {
		log.Info().Str("file", filepath.Join(dir, f)).Msg("Created")
	}
	printNextSteps(cmd.OutOrStdout(), dir, s)
	return nil
}

// scaffoldProject writes s into dir and returns the files written, sorted.
// Without force it refuses to replace any project file.
func scaffoldProject(dir string, s scaffold, force bool) ([]string, error) {
	files, err := s.files()
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", s.Name, err)
	}
	targets := make([]string, 0, len(files))
	for dst := range files {
		targets = append(targets, dst)
	}
	slices.Sort(targets)

	if !force {
		var clash []string
		for _, dst := range targets {
			if !exists(filepath.Join(dir, dst)) {
				continue
			}
			if dst == ".gitignore" {
				delete(files, dst)
				continue
			}
			clash = append(clash, dst)
		}
		if len(clash) > 0 {
			return nil, fmt.Errorf("files already exist: %s (use --force to overwrite)", strings.Join(clash, ", "))
		}
	}

	for _, sub := range []string{"data", "functions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}

	var written []string
	for _, dst := range targets {
		src, ok := files[dst]
		if !ok {
			continue
		}
		data, err := scaffolds.ReadFile(src)
		if err != nil {
			return written, err
		}
		full := filepath.Join(dir, dst)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return written, fmt.Errorf("creating directory for %s: %w", dst, err)
		}
		if err := os.WriteFile(full, data, 0o600); err != nil {
			return written, fmt.Errorf("writing %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, fs.ErrNotExist)
}

func printNextSteps(w io.Writer, dir string, s scaffold) {
	fmt.Fprintf(w, "\n✓ Project initialized with %q template\n\nNext steps:\n", s.Name)
	if dir != "." {
		fmt.Fprintf(w, "  cd %s\n", dir)
	}
	fmt.Fprintln(w, "  tracery serve                 # Start the server")
	fmt.Fprintf(w, "  tracery invoke %s --input '%s'\n\n", s.Function, s.ExampleInput)
}
