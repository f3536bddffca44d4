package main

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// printer renders command results as text, JSON or YAML.
type printer struct {
	format string
	w      io.Writer
}

// print writes v in the structured formats and calls text otherwise.
func (p *printer) print(v interface{}, text func(w io.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so the field names match the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(p.w)
		return nil
	}
}
