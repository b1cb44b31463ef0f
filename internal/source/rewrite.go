package source

import (
	"bytes"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strconv"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/watzon/tracery/internal/failure"
)

// Artifact is instrumented source ready for the runtime.
type Artifact struct {
	Entry      string   `json:"entry"`
	Source     string   `json:"source"`
	Callables  []string `json:"callables"`
	Imports    []string `json:"imports"`
	References []string `json:"references"`
}

// Instrument rewrites validated source so that calls to sibling callables go
// through fxrt.Track and calls to other functions go through fxrt.Call.
// Failures here are internal errors; Validate has already accepted src.
func Instrument(src string, a *Analysis) (*Artifact, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, a.Entry+".go", src, parser.ParseComments)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "reparsing validated source")
	}

	rewritten := 0
	astutil.Apply(file, nil, func(c *astutil.Cursor) bool {
		call, ok := c.Node().(*ast.CallExpr)
		if !ok {
			return true
		}
		id, ok := call.Fun.(*ast.Ident)
		if !ok {
			return true
		}

		switch classify(id) {
		case callSibling:
			c.Replace(runtimeCall("Track", append([]ast.Expr{quote(id.Name), ast.NewIdent(id.Name)}, call.Args...)))
			rewritten++
		case callExternal:
			c.Replace(runtimeCall("Call", append([]ast.Expr{quote(id.Name)}, call.Args...)))
			rewritten++
		}
		return true
	})

	// The entry point is always invoked through fxrt, so the import is
	// needed even when nothing was rewritten.
	astutil.AddImport(fset, file, RuntimePackage)
	if rewritten == 0 {
		file.Decls = append(file.Decls, keepAlive())
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, failure.Wrap(failure.InternalError, err, "formatting instrumented source")
	}

	return &Artifact{
		Entry:      a.Entry,
		Source:     buf.String(),
		Callables:  a.Callables,
		Imports:    a.Imports,
		References: a.References,
	}, nil
}

// Prepare validates and instruments in one step.
func Prepare(src, name string, opts Options) (*Artifact, error) {
	a, err := Validate(src, name, opts)
	if err != nil {
		return nil, err
	}
	return Instrument(src, a)
}

func runtimeCall(fn string, args []ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(RuntimePackage),
			Sel: ast.NewIdent(fn),
		},
		Args: args,
	}
}

func quote(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

// keepAlive references the runtime package so an otherwise unused import
// still compiles.
func keepAlive() *ast.GenDecl {
	return &ast.GenDecl{
		Tok: token.VAR,
		Specs: []ast.Spec{
			&ast.ValueSpec{
				Names:  []*ast.Ident{ast.NewIdent("_")},
				Values: []ast.Expr{&ast.SelectorExpr{X: ast.NewIdent(RuntimePackage), Sel: ast.NewIdent("Track")}},
			},
		},
	}
}
