package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/watzon/tracery/internal/catalog"
	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/database/migrations"
	"github.com/watzon/tracery/internal/functions"
)

func TestLookupScaffold(t *testing.T) {
	for _, name := range []string{"basic", "approval"} {
		s, err := lookupScaffold(name)
		if err != nil {
			t.Fatalf("lookupScaffold(%q): %v", name, err)
		}
		if s.Name != name {
			t.Errorf("Name = %q, want %q", s.Name, name)
		}
	}
	for _, name := range []string{"unknown", ""} {
		if _, err := lookupScaffold(name); err == nil {
			t.Errorf("lookupScaffold(%q) expected error", name)
		}
	}
}

func TestScaffoldProject(t *testing.T) {
	s, _ := lookupScaffold("basic")

	tests := []struct {
		name       string
		setupFiles []string
		force      bool
		wantErr    bool
		wantFiles  int
	}{
		{name: "empty directory", wantFiles: 4},
		{name: "existing config without force", setupFiles: []string{"tracery.yaml"}, wantErr: true},
		{name: "existing config with force", setupFiles: []string{"tracery.yaml"}, force: true, wantFiles: 4},
		{name: "existing gitignore is kept", setupFiles: []string{".gitignore"}, wantFiles: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, file := range tt.setupFiles {
				if err := os.WriteFile(filepath.Join(dir, file), []byte("test"), 0o600); err != nil {
					t.Fatal(err)
				}
			}

			written, err := scaffoldProject(dir, s, tt.force)
			if tt.wantErr {
				if err == nil {
					t.Fatal("scaffoldProject() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("scaffoldProject() unexpected error: %v", err)
			}
			if len(written) != tt.wantFiles {
				t.Errorf("Wrote %v, want %d files", written, tt.wantFiles)
			}
			if _, err := os.Stat(filepath.Join(dir, "functions", "greet", "main.go")); err != nil {
				t.Errorf("Function source not written without .tmpl suffix: %v", err)
			}
		})
	}
}

// Every template must produce a config that loads and functions that
// pass validation.
func TestTemplates_Valid(t *testing.T) {
	for _, tmpl := range scaffoldList {
		t.Run(tmpl.Name, func(t *testing.T) {
			dir := t.TempDir()
			if _, err := scaffoldProject(dir, tmpl, false); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(config.LoadOptions{ConfigFile: filepath.Join(dir, "tracery.yaml")})
			if err != nil {
				t.Fatalf("Loading template config: %v", err)
			}
			if cfg.Functions.Dir != "functions" {
				t.Errorf("Functions dir = %q", cfg.Functions.Dir)
			}

			def, err := functions.Load(filepath.Join(dir, "functions", tmpl.Function))
			if err != nil {
				t.Fatalf("Loading template function: %v", err)
			}
			in, err := def.CreateInput()
			if err != nil {
				t.Fatal(err)
			}

			var out bytes.Buffer
			svc := catalog.NewService(nil, cfg.Runtime.AllowedPackages)
			if err := validateOne(&out, svc, in); err != nil {
				t.Fatalf("Template function is invalid: %v", err)
			}
			if !strings.Contains(out.String(), tmpl.Function) {
				t.Errorf("Output %q does not name the function", out.String())
			}
		})
	}
}

func TestValidateInput_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.go")
	src, err := scaffolds.ReadFile("scaffolds/basic/functions/greet/main.go.tmpl")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, src, 0o600); err != nil {
		t.Fatal(err)
	}

	in, err := validateInput(path, "")
	if err != nil {
		t.Fatalf("validateInput() error: %v", err)
	}
	if in.Name != "greet" {
		t.Errorf("Name = %q, want greet", in.Name)
	}

	in, err = validateInput(path, "other")
	if err != nil {
		t.Fatal(err)
	}
	if in.Name != "other" {
		t.Errorf("Name = %q, want other", in.Name)
	}

	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := validateInput(txt, ""); err == nil {
		t.Error("Expected an error for a non-Go file")
	}
}

func TestDescribe(t *testing.T) {
	svc := catalog.NewService(nil, config.DefaultAllowedPackages)
	err := validateOne(&bytes.Buffer{}, svc, catalog.CreateInput{Name: "bad", Source: "package main\nfunc bad("})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if got := describe(err); !strings.HasPrefix(got, "[InvalidSource]") {
		t.Errorf("describe() = %q", got)
	}
}

func TestReadInput(t *testing.T) {
	input, err := readInput(`{"n": 2}`)
	if err != nil {
		t.Fatal(err)
	}
	if input["n"] != float64(2) {
		t.Errorf("input = %v", input)
	}

	path := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(path, []byte(`{"name":"Ada"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	input, err = readInput("@" + path)
	if err != nil {
		t.Fatal(err)
	}
	if input["name"] != "Ada" {
		t.Errorf("input = %v", input)
	}

	if _, err := readInput("[1,2]"); err == nil {
		t.Error("Expected an error for a non-object")
	}
	if input, err := readInput(""); err != nil || input != nil {
		t.Errorf("Empty input = %v, %v", input, err)
	}
}

func TestWriteStatus(t *testing.T) {
	var out bytes.Buffer
	writeStatus(&out, nil)
	if !strings.Contains(out.String(), "No migrations embedded") {
		t.Errorf("Output = %q", out.String())
	}

	out.Reset()
	writeStatus(&out, []migrations.State{
		{ID: "001_catalog", Applied: true},
		{ID: "002_executions"},
		{ID: "003_events", Applied: true, Modified: true},
	})
	got := out.String()
	for _, want := range []string{"001_catalog", "applied", "pending", "modified", "1 pending"} {
		if !strings.Contains(got, want) {
			t.Errorf("Output %q is missing %q", got, want)
		}
	}
}
