// Command configschema renders the JSON schema for peer YAML configuration. With -check it
// compares the rendered schema against the file at -out and fails on drift.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"lockstep"
)

var errDrift = errors.New("schema out of date")

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("configschema", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "schema file to write or check")
	check := fs.Bool("check", false, "fail if -out differs from the rendered schema")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *out == "" {
		fmt.Fprintln(stderr, "configschema: -out is required")
		return 2
	}

	rendered, err := render()
	if err != nil {
		fmt.Fprintf(stderr, "configschema: %v\n", err)
		return 1
	}
	if *check {
		err = compare(*out, rendered)
	} else {
		err = install(*out, rendered)
	}
	if err != nil {
		fmt.Fprintf(stderr, "configschema: %v\n", err)
		return 1
	}
	return 0
}

func render() ([]byte, error) {
	r := jsonschema.Reflector{AllowAdditionalProperties: true}
	schema := r.Reflect(new(lockstep.Config))
	schema.Title = "lockstep peer configuration"
	schema.Description = "YAML accepted by lockstep.LoadConfig; LOCKSTEP_* environment variables override it"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return append(data, '\n'), nil
}

func compare(path string, rendered []byte) error {
	current, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(current, rendered) {
		return fmt.Errorf("%w: %s; rerun without -check", errDrift, path)
	}
	return nil
}

// install replaces path through a sibling temp file so readers never see a partial schema.
func install(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".schema-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
