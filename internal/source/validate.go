// Package source validates user function code and rewrites it so that every
// call between functions is tracked at run time.
//
// A function is a single Go file in package main. Every top-level func in the
// file is a callable with the signature
//
//	func(input map[string]any) (any, error)
//
// Calls to sibling callables are wrapped with fxrt.Track and calls to names
// that are not declared in the file are routed to other catalog functions
// through fxrt.Call.
package source

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	pathpkg "path"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/watzon/tracery/internal/failure"
)

// RuntimePackage is the import path of the package the runtime injects into
// instrumented code. User code may not import or shadow it.
const RuntimePackage = "fxrt"

// Options controls which imports a function may use.
type Options struct {
	// Allowed is the platform allowlist of importable packages.
	Allowed []string
	// Dependencies are the packages the function declares. When non-empty
	// every import must be declared here as well.
	Dependencies []string
}

// Analysis describes validated source.
type Analysis struct {
	Entry      string
	Callables  []string
	Imports    []string
	References []string
}

// universe holds predeclared identifiers that may appear unresolved.
var universe = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true,
	"copy": true, "delete": true, "imag": true, "len": true, "make": true,
	"max": true, "min": true, "new": true, "panic": true, "print": true,
	"println": true, "real": true, "recover": true,
	"any": true, "bool": true, "byte": true, "comparable": true, "complex64": true,
	"complex128": true, "error": true, "float32": true, "float64": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"rune": true, "string": true, "uint": true, "uint8": true, "uint16": true,
	"uint32": true, "uint64": true, "uintptr": true,
	"true": true, "false": true, "iota": true, "nil": true,
}

// runtimeExports are the fxrt functions user code may call directly. Track
// and Call are inserted by Instrument only.
var runtimeExports = map[string]bool{
	"AwaitInput": true,
	"Context":    true,
	"Callback":   true,
	"Log":        true,
}

// ValidName reports whether name can identify a function.
func ValidName(name string) bool {
	return token.IsIdentifier(name) && name != "main" && name != "init" && name != RuntimePackage && !universe[name]
}

// Validate parses src and checks that name is a well-formed entry point.
func Validate(src, name string, opts Options) (*Analysis, error) {
	if !ValidName(name) {
		return nil, failure.New(failure.InvalidSignature, "%q is not a valid function name", name)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name+".go", src, parser.AllErrors)
	if err != nil {
		return nil, syntaxFailure(err)
	}

	if file.Name.Name != "main" {
		return nil, failure.New(failure.InvalidSource, "package must be main, got %s", file.Name.Name)
	}

	imports, err := checkImports(fset, file, opts)
	if err != nil {
		return nil, err
	}

	callables, err := checkDecls(fset, file, name)
	if err != nil {
		return nil, err
	}

	refs, err := checkBodies(fset, file)
	if err != nil {
		return nil, err
	}

	return &Analysis{
		Entry:      name,
		Callables:  callables,
		Imports:    imports,
		References: refs,
	}, nil
}

func syntaxFailure(err error) error {
	if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			msgs = append(msgs, e.Error())
		}
		return failure.New(failure.InvalidSource, "%s", strings.Join(msgs, "; "))
	}
	return failure.Wrap(failure.InvalidSource, err, "parse error")
}

func checkImports(fset *token.FileSet, file *ast.File, opts Options) ([]string, error) {
	var imports []string
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, failure.New(failure.InvalidSource, "%s: malformed import path", fset.Position(spec.Pos()))
		}
		pos := fset.Position(spec.Pos())

		if path == "C" {
			return nil, failure.New(failure.InvalidSource, "%s: cgo is not allowed", pos)
		}
		if path == RuntimePackage {
			return nil, failure.New(failure.InvalidSource, "%s: %s is reserved", pos, RuntimePackage)
		}
		if spec.Name != nil {
			switch spec.Name.Name {
			case ".", "_":
				return nil, failure.New(failure.InvalidSource, "%s: %s imports are not allowed", pos, spec.Name.Name)
			case RuntimePackage:
				return nil, failure.New(failure.InvalidSource, "%s: %s is reserved", pos, RuntimePackage)
			}
		}
		if !slices.Contains(opts.Allowed, path) {
			return nil, failure.New(failure.InvalidSource, "%s: package %q is not available to functions", pos, path)
		}
		if len(opts.Dependencies) > 0 && !slices.Contains(opts.Dependencies, path) {
			return nil, failure.New(failure.InvalidSource, "%s: package %q is not a declared dependency", pos, path)
		}
		imports = append(imports, path)
	}
	sort.Strings(imports)
	return imports, nil
}

// checkDecls verifies top-level declarations and returns callable names in
// declaration order.
func checkDecls(fset *token.FileSet, file *ast.File, entry string) ([]string, error) {
	counts := make(map[string]int)
	var callables []string
	entryKind := ""

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			pos := fset.Position(d.Pos())
			if d.Recv != nil {
				return nil, failure.New(failure.InvalidSignature, "%s: methods are not callables", pos)
			}
			name := d.Name.Name
			if name == "init" || name == "main" {
				return nil, failure.New(failure.InvalidSource, "%s: func %s is not allowed", pos, name)
			}
			if name == RuntimePackage {
				return nil, failure.New(failure.InvalidSource, "%s: %s is reserved", pos, RuntimePackage)
			}
			if err := checkSignature(d); err != nil {
				return nil, failure.New(failure.InvalidSignature, "%s: func %s: %s", pos, name, err)
			}
			counts[name]++
			if counts[name] == 1 {
				callables = append(callables, name)
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if s.Name.Name == entry {
						entryKind = "type"
					}
					if s.Name.Name == RuntimePackage {
						return nil, failure.New(failure.InvalidSource, "%s: %s is reserved", fset.Position(s.Pos()), RuntimePackage)
					}
				case *ast.ValueSpec:
					for _, n := range s.Names {
						if n.Name == entry {
							entryKind = strings.ToLower(d.Tok.String())
						}
						if n.Name == RuntimePackage {
							return nil, failure.New(failure.InvalidSource, "%s: %s is reserved", fset.Position(n.Pos()), RuntimePackage)
						}
					}
					if d.Tok == token.VAR {
						if err := checkInitializers(fset, s); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}

	for name, n := range counts {
		if n > 1 {
			return nil, failure.New(failure.InvalidSignature, "func %s is defined %d times", name, n)
		}
	}

	if counts[entry] == 0 {
		if entryKind != "" {
			return nil, failure.New(failure.InvalidSignature, "%s is declared as a %s, not a function", entry, entryKind)
		}
		return nil, failure.New(failure.InvalidSignature, "entry point %s is not defined", entry)
	}
	if entryKind != "" {
		return nil, failure.New(failure.InvalidSignature, "%s is declared more than once", entry)
	}

	return callables, nil
}

// checkSignature requires func(map[string]any) (any, error).
func checkSignature(d *ast.FuncDecl) error {
	if d.Type.TypeParams != nil && len(d.Type.TypeParams.List) > 0 {
		return fmt.Errorf("type parameters are not allowed")
	}
	if d.Body == nil {
		return fmt.Errorf("missing body")
	}

	params := d.Type.Params.List
	if len(params) != 1 || len(params[0].Names) > 1 || !isInputMap(params[0].Type) {
		return fmt.Errorf("must take a single map[string]any argument")
	}

	if d.Type.Results == nil {
		return fmt.Errorf("must return (any, error)")
	}
	var results []ast.Expr
	for _, f := range d.Type.Results.List {
		n := max(len(f.Names), 1)
		for range n {
			results = append(results, f.Type)
		}
	}
	if len(results) != 2 || !isAny(results[0]) || !isIdent(results[1], "error") {
		return fmt.Errorf("must return (any, error)")
	}
	return nil
}

func isInputMap(expr ast.Expr) bool {
	m, ok := expr.(*ast.MapType)
	return ok && isIdent(m.Key, "string") && isAny(m.Value)
}

func isAny(expr ast.Expr) bool {
	if isIdent(expr, "any") {
		return true
	}
	it, ok := expr.(*ast.InterfaceType)
	return ok && (it.Methods == nil || len(it.Methods.List) == 0)
}

func isIdent(expr ast.Expr, name string) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == name
}

// checkInitializers rejects package-level variables initialized by calling a
// function; those calls would run before the root step exists.
func checkInitializers(fset *token.FileSet, spec *ast.ValueSpec) error {
	var bad ast.Node
	for _, v := range spec.Values {
		ast.Inspect(v, func(n ast.Node) bool {
			if bad != nil {
				return false
			}
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			if id, ok := call.Fun.(*ast.Ident); ok && classify(id) != callOther {
				bad = call
				return false
			}
			return true
		})
	}
	if bad != nil {
		return failure.New(failure.InvalidSource, "%s: package-level variables may not call functions", fset.Position(bad.Pos()))
	}
	return nil
}

// checkBodies rejects go statements and undefined identifiers and collects
// external references.
func checkBodies(fset *token.FileSet, file *ast.File) ([]string, error) {
	refs := make(map[string]bool)
	targets := make(map[*ast.Ident]bool)
	runtimeRefs := make(map[*ast.Ident]bool)
	var firstErr error

	ast.Inspect(file, func(n ast.Node) bool {
		if firstErr != nil {
			return false
		}
		switch node := n.(type) {
		case *ast.GoStmt:
			firstErr = failure.New(failure.InvalidSource, "%s: go statements are not allowed", fset.Position(node.Pos()))
			return false
		case *ast.SelectorExpr:
			id, ok := node.X.(*ast.Ident)
			if !ok || id.Name != RuntimePackage || id.Obj != nil {
				break
			}
			if !runtimeExports[node.Sel.Name] {
				firstErr = failure.New(failure.InvalidSource, "%s: %s.%s is not available to functions", fset.Position(node.Pos()), RuntimePackage, node.Sel.Name)
				return false
			}
			runtimeRefs[id] = true
		case *ast.Ident:
			if node.Name == RuntimePackage && node.Obj != nil {
				firstErr = failure.New(failure.InvalidSource, "%s: %s is reserved", fset.Position(node.Pos()), RuntimePackage)
				return false
			}
		case *ast.CallExpr:
			if id, ok := node.Fun.(*ast.Ident); ok && classify(id) == callExternal {
				refs[id.Name] = true
				targets[id] = true
			}
		}
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}

	packages := make(map[string]bool)
	for _, spec := range file.Imports {
		packages[importName(spec)] = true
	}

	for _, id := range file.Unresolved {
		if targets[id] || runtimeRefs[id] || universe[id.Name] || packages[id.Name] {
			continue
		}
		return nil, failure.New(failure.InvalidSource, "%s: undefined: %s", fset.Position(id.Pos()), id.Name)
	}

	out := make([]string, 0, len(refs))
	for name := range refs {
		if !ValidName(name) || packages[name] {
			return nil, failure.New(failure.InvalidSource, "call to %s is not allowed", name)
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// importName returns the identifier an import is referred to by.
func importName(spec *ast.ImportSpec) string {
	if spec.Name != nil {
		return spec.Name.Name
	}
	path, _ := strconv.Unquote(spec.Path.Value)
	return pathpkg.Base(path)
}

type callKind int

const (
	callOther callKind = iota
	callSibling
	callExternal
)

// classify decides how a call through the identifier id is instrumented.
func classify(id *ast.Ident) callKind {
	if id.Obj == nil {
		if universe[id.Name] {
			return callOther
		}
		return callExternal
	}
	if id.Obj.Kind != ast.Fun {
		return callOther
	}
	if fd, ok := id.Obj.Decl.(*ast.FuncDecl); ok && fd.Recv == nil {
		return callSibling
	}
	return callOther
}
