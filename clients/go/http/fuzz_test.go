// Fuzz tests for the SSE parser and path helpers.
// Uses the white-box package (package http) to reach unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"

	flagtree "github.com/matt-riley/flagtree/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
// Draining the channel prevents goroutine leaks in corpus-mode runs.
func runParseSSE(b []byte) []flagtree.Event {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan flagtree.Event, 256)
	go func() {
		defer close(ch)
		parseSSE(ctx, bufio.NewReaderSize(bytes.NewReader(b), 1<<20), ch)
	}()
	var evs []flagtree.Event
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

// FuzzParseSSE ensures the SSE parser never panics and emits at most one
// event per blank-line terminated block.
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id:1\nevent:added\ndata:{\"scope\":\"world\",\"flag\":\"weather\"}\n\n"))
	f.Add([]byte("id: 2\nevent: removed\ndata: {\"flag\":\"weather\"}\n\n"))
	f.Add([]byte("event:error\ndata:{\"error\":\"boom\"}\n\n"))
	f.Add([]byte("data:{\"flag\":\ndata:\"x\"}\n\n"))
	f.Add([]byte(":comment\ndata:hello\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte("id:99999999999999999999\nevent:added\ndata:{}\n\n"))
	f.Add([]byte(strings.Repeat("data:{}\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		blankLines := 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimRight(line, "\r") == "" {
				blankLines++
			}
		}
		if len(evs) > blankLines {
			t.Errorf("got %d events from input with %d blank lines", len(evs), blankLines)
		}
	})
}

// FuzzScopePath checks that every segment of a scope round-trips through the
// escaped request path.
func FuzzScopePath(f *testing.F) {
	f.Add("world")
	f.Add("world/nether")
	f.Add("/world/nether/")
	f.Add("a b/c?d")
	f.Add("%2F")
	f.Add("")

	f.Fuzz(func(t *testing.T, scope string) {
		path := scopePath(scope)
		if !strings.HasPrefix(path, "/v1/scopes/") {
			t.Fatalf("scopePath(%q) = %q, missing prefix", scope, path)
		}

		u, err := url.Parse("http://localhost" + path)
		if err != nil {
			t.Fatalf("scopePath(%q) = %q does not parse: %v", scope, path, err)
		}
		want := "/v1/scopes/" + strings.Trim(scope, "/")
		if u.Path != want {
			t.Errorf("decoded path = %q, want %q", u.Path, want)
		}
	})
}
