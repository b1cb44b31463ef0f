package sandbox

import (
	"path"
	"slices"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// symbolKey is the key yaegi uses for a package's exports.
func symbolKey(importPath string) string {
	return importPath + "/" + path.Base(importPath)
}

// filteredSymbols returns the stdlib exports for deps that are also on the
// allowlist. Packages yaegi does not ship are skipped.
func filteredSymbols(deps, allowed []string) interp.Exports {
	out := make(interp.Exports, len(deps))
	for _, dep := range deps {
		if len(allowed) > 0 && !slices.Contains(allowed, dep) {
			continue
		}
		if syms, ok := stdlib.Symbols[symbolKey(dep)]; ok {
			out[symbolKey(dep)] = syms
		}
	}
	return out
}

// Available reports whether the interpreter can provide importPath.
func Available(importPath string) bool {
	_, ok := stdlib.Symbols[symbolKey(importPath)]
	return ok
}
