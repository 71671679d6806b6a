package host

import (
	"time"

	"github.com/dop251/goja"
)

// ModuleName is the bare specifier that resolves to the app object.
const ModuleName = "host"

// installGlobals exposes the app object to scripts, both as the global
// `app` and as require("host").
func (a *App) installGlobals(vm *goja.Runtime) {
	app := vm.NewObject()
	_ = app.Set("name", a.name)
	_ = app.Set("now", func() int64 { return time.Now().UnixMilli() })

	palette := vm.NewObject()
	_ = palette.Set("writeText", func(call goja.FunctionCall) goja.Value {
		a.palette.WriteText(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = palette.Set("lines", func() []string { return a.palette.Lines() })
	_ = palette.Set("clear", func() { a.palette.Clear() })
	_ = app.Set("palette", palette)

	_ = vm.Set("app", app)
	a.appObj = app
	a.natives[ModuleName] = app
}

// consolePrinter routes console.* from scripts to the host logger and the
// palette. It is only ever called on the main thread.
type consolePrinter struct {
	app *App
}

func (p *consolePrinter) Log(s string) {
	p.app.log.Info().Str("source", "console").Msg(s)
	p.app.palette.WriteText(s)
}

func (p *consolePrinter) Warn(s string) {
	p.app.log.Warn().Str("source", "console").Msg(s)
	p.app.palette.WriteText(s)
}

func (p *consolePrinter) Error(s string) {
	p.app.log.Error().Str("source", "console").Msg(s)
	p.app.palette.WriteText(s)
}
