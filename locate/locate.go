// Package locate finds the debugger runtime shipped with the editor's
// Python extension.
package locate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"golang.org/x/mod/semver"
)

var extensionPattern = regexp.MustCompile(`^ms-python\.python-(\d+)\.(\d+)\.(\d+)`)

// ExtensionsDir returns the editor's extension directory under home.
func ExtensionsDir(home string) string {
	return filepath.Join(home, ".vscode", "extensions")
}

// DebugRuntime returns the debugger runtime directory of the newest Python
// extension installed under home, or "" if there is none. Only the newest
// extension is considered.
func DebugRuntime(home string) string {
	entries, err := os.ReadDir(ExtensionsDir(home))
	if err != nil {
		return ""
	}

	var best, bestVersion string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, ok := extensionVersion(e.Name())
		if !ok {
			continue
		}
		if best == "" || semver.Compare(v, bestVersion) > 0 {
			best, bestVersion = e.Name(), v
		}
	}
	if best == "" {
		return ""
	}

	path := filepath.Join(ExtensionsDir(home), best, "pythonFiles", "lib", "python")
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return ""
	}
	return path
}

// extensionVersion turns an extension directory name into a canonical
// semver string.
func extensionVersion(name string) (string, bool) {
	m := extensionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return "", false
		}
		parts[i] = n
	}
	v := fmt.Sprintf("v%d.%d.%d", parts[0], parts[1], parts[2])
	return v, semver.IsValid(v)
}

// Resolve makes path absolute and resolves symlinks where it can.
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}
