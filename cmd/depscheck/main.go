// Command depscheck fails when the replication core imports a substrate, a store or the
// relay process. The core must run unchanged on any transport.Substrate.
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

var corePackages = []string{
	"lockstep/internal/codec",
	"lockstep/internal/transport",
	"lockstep/internal/channel",
	"lockstep/internal/tickcast",
	"lockstep/internal/state",
	"lockstep/internal/snapshot",
	"lockstep/internal/sched",
}

var forbiddenPrefixes = []string{
	"lockstep/internal/net/",
	"lockstep/internal/store",
	"lockstep/internal/app",
	"github.com/gorilla/websocket",
	"github.com/redis/",
	"github.com/jackc/",
	"go.etcd.io/bbolt",
}

func main() {
	cmd := exec.Command("go", append([]string{"list", "-json"}, corePackages...)...)
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	pkgs, err := decodePackages(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if found := violations(pkgs); len(found) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range found {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func decodePackages(r io.Reader) ([]packageInfo, error) {
	decoder := json.NewDecoder(r)
	var pkgs []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return pkgs, nil
			}
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
}

func violations(pkgs []packageInfo) []string {
	var found []string
	for _, pkg := range pkgs {
		for _, imp := range pkg.Imports {
			for _, prefix := range forbiddenPrefixes {
				if strings.HasPrefix(imp, prefix) {
					found = append(found, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
					break
				}
			}
		}
	}
	sort.Strings(found)
	return found
}
