package logx

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const redactedMark = "[REDACTED]"

var (
	secretsMu sync.RWMutex
	secrets   [][]byte
)

// RegisterSecret makes every sink replace s with a marker. Values shorter
// than 8 bytes are ignored to avoid mangling ordinary text.
func RegisterSecret(s string) {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return
	}
	secretsMu.Lock()
	defer secretsMu.Unlock()
	for _, v := range secrets {
		if string(v) == s {
			return
		}
	}
	secrets = append(secrets, []byte(s))
}

// Redact applies the registered secrets to s.
func Redact(s string) string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	for _, v := range secrets {
		s = strings.ReplaceAll(s, string(v), redactedMark)
	}
	return s
}

func redactBytes(p []byte) []byte {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	for _, v := range secrets {
		if bytes.Contains(p, v) {
			p = bytes.ReplaceAll(p, v, []byte(redactedMark))
		}
	}
	return p
}

// redactWriter scrubs secrets before handing the line to the wrapped sink.
// It reports the original length so zerolog never sees a short write.
type redactWriter struct {
	w zerolog.LevelWriter
}

func newRedactWriter(w io.Writer) zerolog.LevelWriter {
	if lw, ok := w.(zerolog.LevelWriter); ok {
		return redactWriter{w: lw}
	}
	return redactWriter{w: zerolog.LevelWriterAdapter{Writer: w}}
}

func (r redactWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(redactBytes(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r redactWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if _, err := r.w.WriteLevel(level, redactBytes(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
