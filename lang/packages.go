package lang

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"edusandbox/internal"
	"edusandbox/model"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
)

var ErrUnknownPackage = errors.New("no package named")

// Package is an installable bundle of modules.
type Package struct {
	Name string
	// Modules builds the package's modules for one run, keyed by dotted path.
	Modules func(env *RunEnv) map[string]starlark.Value
}

// ShowImage delivers a rendered graphic for the current run.
func (e *RunEnv) ShowImage(img model.Image) {
	if e.graphics != nil {
		e.graphics(img)
	}
}

// DefaultCatalogue returns the packages the installer can provide.
func DefaultCatalogue() map[string]Package {
	return map[string]Package{
		"matplotlib": {Name: "matplotlib", Modules: matplotlibModules},
		"numpy":      {Name: "numpy", Modules: numpyModules},
	}
}

// stdlib modules are always importable.
var stdlib = map[string]func() starlark.Value{
	"math":   func() starlark.Value { return starlarkmath.Module },
	"json":   func() starlark.Value { return starlarkjson.Module },
	"time":   func() starlark.Value { return starlarktime.Module },
	"random": newRandomModule,
}

type registry struct {
	catalogue map[string]Package
	installed map[string]bool
}

func newRegistry(catalogue map[string]Package) *registry {
	return &registry{catalogue: catalogue, installed: map[string]bool{}}
}

// install marks every name installed, or none of them if any is unknown.
func (r *registry) install(names []string) error {
	var unknown []string
	for _, name := range names {
		if internal.StdlibModules[name] {
			continue
		}
		if _, ok := r.catalogue[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w %s", ErrUnknownPackage, strings.Join(unknown, ", "))
	}
	for _, name := range names {
		if !internal.StdlibModules[name] {
			r.installed[name] = true
		}
	}
	return nil
}

func (r *registry) Installed() []string {
	names := make([]string, 0, len(r.installed))
	for name := range r.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// module resolves a dotted module path for the run owning env.
func (r *registry) module(env *RunEnv, path string) (starlark.Value, error) {
	if v, ok := env.modules[path]; ok {
		return v, nil
	}
	if mk, ok := stdlib[path]; ok {
		v := mk()
		env.modules[path] = v
		return v, nil
	}

	top, _, _ := strings.Cut(path, ".")
	pkg, ok := r.catalogue[top]
	if !ok {
		return nil, &KindError{Kind: "ModuleNotFoundError", Msg: fmt.Sprintf("No module named '%s'", path)}
	}
	if !r.installed[top] {
		return nil, &KindError{Kind: "ModuleNotFoundError", Msg: fmt.Sprintf("No module named '%s' (package %s is not installed)", path, top)}
	}
	for p, v := range pkg.Modules(env) {
		env.modules[p] = v
	}
	if v, ok := env.modules[path]; ok {
		return v, nil
	}
	return nil, &KindError{Kind: "ModuleNotFoundError", Msg: fmt.Sprintf("No module named '%s'", path)}
}
