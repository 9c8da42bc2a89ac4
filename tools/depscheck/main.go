// Command depscheck fails the build when a foundation package grows an
// upward import. The wire codec must stay leaf-level, identity and value
// tracking must not reach into the pipelines built on them, and the
// transport must stay a frame carrier with no knowledge of what the
// frames mean.
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

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rules bans imports by prefix pair: a package matching Pkg must not
// import anything matching Imp.
var rules = []struct {
	Pkg string
	Imp string
}{
	{"outpost/netcode/wire", "outpost/netcode/"},
	{"outpost/netcode/netid", "outpost/netcode/"},
	{"outpost/netcode/netvar", "outpost/netcode/"},
	{"outpost/netcode/logging", "outpost/netcode/wire"},
	{"outpost/netcode/logging", "outpost/netcode/replication"},
	{"outpost/netcode/logging", "outpost/netcode/transform"},
	{"outpost/netcode/internal/transport", "outpost/netcode/replication"},
	{"outpost/netcode/internal/transport", "outpost/netcode/transform"},
	{"outpost/netcode/internal/transport", "outpost/netcode/visibility"},
	{"outpost/netcode/internal/transport", "outpost/netcode/clock"},
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

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}

		for _, rule := range rules {
			if !strings.HasPrefix(pkg.ImportPath, rule.Pkg) {
				continue
			}
			for _, imp := range pkg.Imports {
				if strings.HasPrefix(imp, rule.Imp) {
					violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}
