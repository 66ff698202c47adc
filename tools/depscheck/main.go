// depscheck fails when a package crosses one of the layering rules below:
// the broadcast core stays free of the transport, and only commands import
// the assembly layer.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "avatar-mixer/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

type rule struct {
	from      []string
	forbidden string
}

var rules = []rule{
	{
		from: []string{
			modulePath + "/internal/avatar",
			modulePath + "/internal/directory",
			modulePath + "/internal/geom",
			modulePath + "/internal/mixer",
			modulePath + "/internal/packet",
			modulePath + "/internal/sim",
		},
		forbidden: modulePath + "/internal/net",
	},
	{
		from:      []string{modulePath + "/internal", modulePath + "/logging"},
		forbidden: modulePath + "/internal/app",
	},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

// check decodes a stream of `go list -json` records and returns the sorted
// violations.
func check(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		for _, imp := range pkg.Imports {
			if forbidden(pkg.ImportPath, imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func forbidden(pkg, imp string) bool {
	for _, r := range rules {
		if !within(imp, r.forbidden) || within(pkg, r.forbidden) {
			continue
		}
		for _, from := range r.from {
			if within(pkg, from) {
				return true
			}
		}
	}
	return false
}

func within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
