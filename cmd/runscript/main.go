// runscript asks a running scriptbridge to run a script, optionally under
// the debugger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/scriptbridge/client"
	"github.com/chazu/scriptbridge/locate"
)

const (
	defaultAddinPort = 19812
	defaultDebugPort = 9000
)

// Exit codes for a debug request that names no usable runtime.
const (
	exitNoVSCodeRuntime = 255
	exitNoRuntime       = 254
)

// boolArg accepts true/false or any integer, nonzero meaning true. Given
// without a value it means true.
type boolArg bool

func (b *boolArg) Set(s string) error {
	v, err := parseBoolArg(s)
	if err != nil {
		return err
	}
	*b = boolArg(v)
	return nil
}

func (b *boolArg) String() string   { return strconv.FormatBool(bool(*b)) }
func (b *boolArg) IsBoolFlag() bool { return true }

func parseBoolArg(s string) (bool, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return false, fmt.Errorf("expected true, false or an integer, got %q", s)
		}
		return n != 0, nil
	}
}

// listArg collects every occurrence of a repeatable flag.
type listArg []string

func (l *listArg) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func (l *listArg) String() string { return strings.Join(*l, ",") }

type options struct {
	script    string
	addinPort int
	debug     boolArg
	useVSCode boolArg
	debugPort int
	debugPath string
	preserved listArg
	home      func() (string, error)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.UserHomeDir))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, home func() (string, error)) int {
	opts := options{home: home}
	fs := flag.NewFlagSet("runscript", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.script, "script", "", "The path of the script file that is to be run (required)")
	fs.IntVar(&opts.addinPort, "addin_port", defaultAddinPort, "The tcp port on which the bridge is listening for http requests")
	fs.Var(&opts.debug, "debug", "Run the script in debug mode")
	fs.Var(&opts.useVSCode, "use_vscode_debugpy", "Without an explicit -debugpy_path, use the debugger runtime of the newest VS Code Python extension")
	fs.IntVar(&opts.debugPort, "debug_port", defaultDebugPort, "The port the debug adapter listens on for the IDE client (debug only)")
	fs.StringVar(&opts.debugPath, "debugpy_path", "", "Where the debugger runtime lives (debug only)")
	fs.Var(&opts.preserved, "prefix_of_submodule_not_to_be_reloaded", "Keep submodules whose name starts with <module>.<prefix> loaded across runs (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: runscript -script <path> [options]\n\n")
		fmt.Fprintf(stderr, "Sends a run request to a scriptbridge that is already running.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  runscript -script ./job.js\n")
		fmt.Fprintf(stderr, "  runscript -script ./job.js -debug -use_vscode_debugpy\n")
		fmt.Fprintf(stderr, "  runscript -script ./job.js -prefix_of_submodule_not_to_be_reloaded vendor\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if opts.script == "" {
		fmt.Fprintf(stderr, "Error: -script is required\n")
		fs.Usage()
		return 2
	}

	msg := client.Message{
		Script:            opts.script,
		Debug:             bool(opts.debug),
		DebugPort:         opts.debugPort,
		PreservedPrefixes: opts.preserved,
	}
	if bool(opts.debug) {
		path, code := debugRuntime(opts, stdout)
		if code != 0 {
			return code
		}
		msg.DebugRuntimePath = path
	}

	if err := client.ForPort(opts.addinPort).Run(ctx, msg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// debugRuntime picks the runtime path for a debug request: the explicit
// path, else the VS Code one when asked for.
func debugRuntime(opts options, stdout io.Writer) (string, int) {
	path := opts.debugPath
	switch {
	case path != "":
	case bool(opts.useVSCode):
		home, err := opts.home()
		if err == nil {
			path = locate.DebugRuntime(home)
		}
		if path == "" {
			fmt.Fprintln(stdout, "failed to find the path of vscode's debugpy package.")
			return "", exitNoVSCodeRuntime
		}
	default:
		fmt.Fprintln(stdout, "You have requested debug, but have failed to provide either a valid debugpy_path or the use_vscode_debugpy directive.  Therefore, we cannot proceed.")
		return "", exitNoRuntime
	}

	resolved, err := locate.Resolve(path)
	if err != nil {
		return path, 0
	}
	return resolved, 0
}
