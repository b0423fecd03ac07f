package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/pretty"

	"maas-ws/internal/domain"
)

// writePayload writes a JSON payload on its own line, indented unless raw.
func writePayload(w io.Writer, payload json.RawMessage, raw bool) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	var out []byte
	if raw {
		out = append(pretty.Ugly(payload), '\n')
	} else {
		out = pretty.Pretty(payload)
	}
	_, err := w.Write(out)
	return err
}

// writeEvent writes one event as a compact JSON line.
func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// formatErrorBody renders a decoded error body for a terminal.
func formatErrorBody(body any) string {
	switch v := body.(type) {
	case nil:
		return "unknown error"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
