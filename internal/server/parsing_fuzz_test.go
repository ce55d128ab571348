package server

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/matt-riley/flagtree/internal/scope"
)

func FuzzCompactSSEPayload(f *testing.F) {
	f.Add([]byte(`{"scope":"world","flag":"max-players","value":"20","update":"FlagUpdated"}`))
	f.Add([]byte("{\n  \"scope\": \"world\",\n  \"value\": \"20\"\n}"))
	f.Add([]byte("line1\nline2"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		lines := compactSSEPayload(payload)
		if len(lines) == 0 {
			t.Fatal("compactSSEPayload returned no lines")
		}

		var builder strings.Builder
		if err := writeSSEEvent(&builder, 1, "FlagAdded", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		body := builder.String()
		if !strings.HasPrefix(body, "id: 1\nevent: FlagAdded\n") {
			t.Fatalf("unexpected SSE prefix: %q", body)
		}
		if !strings.HasSuffix(body, "\n\n") {
			t.Fatalf("SSE event not terminated: %q", body)
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			if len(lines) != 1 || lines[0] != compact.String() {
				t.Fatalf("compactSSEPayload valid json mismatch: got %#v want %q", lines, compact.String())
			}
		}
	})
}

func FuzzInScope(f *testing.F) {
	f.Add("", "world")
	f.Add("world", "world")
	f.Add("world", "world/nether")
	f.Add("world", "worldly")
	f.Add("world/nether", "world")

	f.Fuzz(func(t *testing.T, rawFilter, rawPath string) {
		filter, err := scope.NormalizePath(rawFilter)
		if err != nil {
			return
		}
		path, err := scope.NormalizePath(rawPath)
		if err != nil {
			return
		}

		got := inScope(filter, path)
		if filter == scope.Root && !got {
			t.Fatalf("inScope(root, %q) = false", path)
		}
		if path == filter && !got {
			t.Fatalf("inScope(%q, %q) = false for identical paths", filter, path)
		}
		if got && filter != scope.Root && !strings.HasPrefix(path, filter) {
			t.Fatalf("inScope(%q, %q) = true without a shared prefix", filter, path)
		}
		if got && path != filter && filter != scope.Root && path[len(filter)] != '/' {
			t.Fatalf("inScope(%q, %q) matched a sibling", filter, path)
		}
	})
}

func FuzzDecodeOverrideBody(f *testing.F) {
	f.Add(`{"value":"20"}`)
	f.Add(`{"value":20}`)
	f.Add(`{}`)
	f.Add(`{"value":"20","extra":true}`)
	f.Add(`not json`)

	f.Fuzz(func(t *testing.T, body string) {
		handler, _ := newTestHandler(t)
		rec := serve(handler, "PUT", "/v1/flags/greeting?scope=world", body)
		switch rec.Code {
		case 200, 400, 413:
		default:
			t.Fatalf("PUT greeting with body %q status = %d", body, rec.Code)
		}
	})
}
