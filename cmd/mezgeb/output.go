package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mezgeb/mezgeb/internal/ui"
)

// render writes v in the configured format. text draws the human form.
func render(w io.Writer, v any, text func(w io.Writer)) error {
	switch cfg.UI.Format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Through JSON so keys match the API's field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

// cachedNote tells the user a listing came from the cache.
func cachedNote(w io.Writer, cached bool) {
	if cached && cfg.UI.Format == "text" {
		fmt.Fprintf(w, "\n%s server unreachable, showing cached data\n", ui.RenderWarn("⚠"))
	}
}

// listing wraps a list for structured output so the cached flag survives.
type listing[T any] struct {
	Items  []T  `json:"items"`
	Cached bool `json:"cached"`
}
