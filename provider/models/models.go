package models

import "errors"

// ErrMissingField is returned when a structured completion omits a required key.
var ErrMissingField = errors.New("structured completion missing required field")

// Schema names a JSON schema the model output must satisfy.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// Required lists the required property names declared by the schema.
func (s Schema) Required() []string {
	raw, ok := s.Definition["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

type ObjectRequest struct {
	System string
	Prompt string
	Schema Schema
}

type TextRequest struct {
	System string
	Prompt string
}

// TextStream is a finite, non-restartable sequence of text deltas.
// Next returns io.EOF once the model has finished.
type TextStream interface {
	Next() (string, error)
	Close() error
}
