package vmconfig

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loopholelabs/vlab/pkg/config"
)

// KernelCommandLine renders the -append line for one instance.
func KernelCommandLine(params config.InitParams, name string, index int) string {
	parts := []string{
		"init=" + resolvePath(params.Init),
		"console=tty0",
		"console=" + params.Console,
		"uts=" + name,
		"root=/dev/root",
	}

	if flags := RootFlags(params.RootFlags); flags != "" {
		parts = append(parts, "rootflags="+flags)
	}

	if params.Mode != "" {
		parts = append(parts, params.Mode)
	}

	if params.RootFSType != "" {
		parts = append(parts, "rootfstype="+params.RootFSType)
	}

	return strings.Join(append(parts, strconv.Itoa(index)), " ")
}

// RootFlags folds the mount flags into one comma-joined parameter, sorted by key.
func RootFlags(flags map[string]string) string {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if flags[k] == "" {
			pairs = append(pairs, k)

			continue
		}

		pairs = append(pairs, k+"="+flags[k])
	}

	return strings.Join(pairs, ",")
}

// The guest root is the host root passed through, so the init path is
// resolved on the host.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if _, err := os.Lstat(abs); err != nil {
		return abs
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}

	return resolved
}
