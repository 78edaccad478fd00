// Package logtest captures the base logger output in tests.
package logtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/percona/percona-oplogsync-mongodb/log"
)

// Buffer collects JSON log lines. It is safe for concurrent writes.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p) //nolint:wrapcheck
}

// Records returns the decoded log lines written so far.
func (b *Buffer) Records(t *testing.T) []map[string]any {
	t.Helper()

	b.mu.Lock()
	data := bytes.Clone(b.buf.Bytes())
	b.mu.Unlock()

	var rv []map[string]any

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}

		rv = append(rv, rec)
	}

	return rv
}

// Messages returns the records with the message at the level.
func (b *Buffer) Messages(t *testing.T, level, msg string) []map[string]any {
	t.Helper()

	var rv []map[string]any
	for _, rec := range b.Records(t) {
		if rec["level"] == level && rec["message"] == msg {
			rv = append(rv, rec)
		}
	}

	return rv
}

// Capture sends the base logger to a JSON buffer at level until the test
// ends. The base logger is process-wide, so callers must not run in parallel.
func Capture(t *testing.T, level zerolog.Level) *Buffer {
	t.Helper()

	buf := &Buffer{}
	log.InitGlobalsTo(buf, level, true, true)
	t.Cleanup(func() { log.InitGlobalsTo(io.Discard, zerolog.Disabled, true, true) })

	return buf
}
