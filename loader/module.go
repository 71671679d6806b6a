package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
)

var ErrModuleNotFound = errors.New("loader: module not found")

const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) {"
	wrapperTail = "\n})"
)

// execute runs m's file in a CommonJS-style wrapper. m must already be
// registered so that cyclic requires observe its partial exports.
func (l *Loader) execute(vm *goja.Runtime, m *Module) error {
	src, err := os.ReadFile(m.Path)
	if err != nil {
		return err
	}
	prg, err := goja.Compile(m.Path, wrapperHead+string(src)+wrapperTail, false)
	if err != nil {
		return err
	}
	fnVal, err := vm.RunProgram(prg)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("module wrapper for %s is not a function", m.Path)
	}

	exports := vm.NewObject()
	m.object = vm.NewObject()
	_ = m.object.Set("exports", exports)
	_ = m.object.Set("id", m.ID)
	_ = m.object.Set("filename", m.Path)

	_, err = fn(goja.Undefined(),
		exports,
		vm.ToValue(l.requireFunc(vm, m)),
		m.object,
		vm.ToValue(m.Path),
		vm.ToValue(filepath.Dir(m.Path)),
	)
	return err
}

// requireFunc builds the require function handed to m's code.
func (l *Loader) requireFunc(vm *goja.Runtime, m *Module) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := l.require(vm, m, call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	}
}

// require resolves name relative to from. Submodules are registered under
// the owning unit's identity and reused while registered, so a preserved
// submodule is not executed again on a later run.
func (l *Loader) require(vm *goja.Runtime, from *Module, name string) (goja.Value, error) {
	if !isPathName(name) {
		if v, ok := l.host.NativeModule(name); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}

	path, err := resolve(filepath.Dir(from.Path), name)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".json") {
		return loadJSON(vm, path)
	}

	unit := from.root()
	id := SubmoduleIdentity(unit.ID, unit.Path, path)
	if m, ok := l.registry.Lookup(id); ok {
		return m.Exports(), nil
	}

	sub := &Module{ID: id, Path: path, Unit: unit}
	l.registry.Put(sub)
	l.log.Debug().Str("module", id).Msg("loading submodule")
	if err := l.execute(vm, sub); err != nil {
		l.registry.Remove(id)
		return nil, err
	}
	return sub.Exports(), nil
}

func isPathName(name string) bool {
	return strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") || filepath.IsAbs(name)
}

// resolve tries name as a file, with .js and .json appended, then as a
// directory holding index.js.
func resolve(dir, name string) (string, error) {
	base := name
	if !filepath.IsAbs(base) {
		base = filepath.Join(dir, name)
	}
	for _, candidate := range []string{base, base + ".js", base + ".json", filepath.Join(base, "index.js")} {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if !strings.HasSuffix(candidate, ".js") && !strings.HasSuffix(candidate, ".json") {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q from %s", ErrModuleNotFound, name, dir)
}

// loadJSON parses a JSON file into a fresh value. JSON files are data, not
// code, so they are not registered.
func loadJSON(vm *goja.Runtime, path string) (goja.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return vm.ToValue(v), nil
}
