package catalog

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://projectfs.invalid/schemas/"

//go:embed schemas/*.json
var schemaFiles embed.FS

var schemaRegistry = struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}{}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemaRegistry.once.Do(func() {
		entries, err := schemaFiles.ReadDir("schemas")
		if err != nil {
			schemaRegistry.err = err
			return
		}
		compiler := jsonschema.NewCompiler()
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			data, err := schemaFiles.ReadFile(path.Join("schemas", entry.Name()))
			if err != nil {
				schemaRegistry.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				schemaRegistry.err = fmt.Errorf("schema %s: %w", entry.Name(), err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
				schemaRegistry.err = fmt.Errorf("schema %s: %w", entry.Name(), err)
				return
			}
			names = append(names, entry.Name())
		}
		compiled := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			sch, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				schemaRegistry.err = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[strings.TrimSuffix(name, ".json")] = sch
		}
		schemaRegistry.schemas = compiled
	})
	return schemaRegistry.schemas, schemaRegistry.err
}

// versionedDocument is a parsed on-disk file whose format version has been
// read but whose body has not yet been validated.
type versionedDocument struct {
	version  int
	instance any
	raw      []byte
}

// parseVersioned parses data and extracts its "version" field. A file
// without one is treated as version 1, the first format ever written.
func parseVersioned(file string, data []byte) (versionedDocument, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return versionedDocument{}, &CorruptStateError{Path: file, Err: err}
	}
	obj, ok := instance.(map[string]any)
	if !ok {
		return versionedDocument{}, &CorruptStateError{Path: file, Err: fmt.Errorf("top level is not an object")}
	}
	version := 1
	if raw, present := obj["version"]; present {
		num, ok := raw.(json.Number)
		if !ok {
			return versionedDocument{}, &CorruptStateError{Path: file, Err: fmt.Errorf("version is not a number")}
		}
		v, err := num.Int64()
		if err != nil || v < 1 {
			return versionedDocument{}, &CorruptStateError{Path: file, Err: fmt.Errorf("invalid version %s", num)}
		}
		version = int(v)
	}
	return versionedDocument{version: version, instance: instance, raw: data}, nil
}

func (d versionedDocument) validate(file, schemaName string) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[schemaName]
	if !ok {
		return fmt.Errorf("%w: schema %s", ErrNotImplemented, schemaName)
	}
	if err := sch.Validate(d.instance); err != nil {
		return &CorruptStateError{Path: file, Err: err}
	}
	return nil
}

func (d versionedDocument) decode(file string, out any) error {
	if err := json.Unmarshal(d.raw, out); err != nil {
		return &CorruptStateError{Path: file, Err: err}
	}
	return nil
}
