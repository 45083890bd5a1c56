package sse

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const maxBodySize = 1 << 20

type (
	// ValidationError reports a request body rejected by its schema.
	ValidationError struct {
		Err error
	}

	// validator checks request bodies against the embedded schemas.
	validator struct {
		stream *jsonschema.Schema
		resume *jsonschema.Schema
	}
)

func (e *ValidationError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	compile := func(name string) (*jsonschema.Schema, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return sch, nil
	}
	stream, err := compile("stream.json")
	if err != nil {
		return nil, err
	}
	resume, err := compile("resume.json")
	if err != nil {
		return nil, err
	}
	return &validator{stream: stream, resume: resume}, nil
}

// decode reads body, validates it against sch and unmarshals it into v.
func decode(body io.Reader, sch *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodySize {
		return &ValidationError{Err: errors.New("body too large")}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return &ValidationError{Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
