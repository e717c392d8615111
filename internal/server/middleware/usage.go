package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/usage"
)

// maxCapturedBody caps how much of a response body is buffered for token
// extraction. The full body always reaches the client regardless; past the
// cap the capture is simply truncated, which at worst yields a token count
// of 0 for a pathologically padded usage block.
const maxCapturedBody = 64 * 1024

// Meter returns a middleware that observes each response as an explicit
// stage between the handler and the transport writer, then schedules one
// usage record on the recorder. It never alters the bytes, status, or timing
// the client sees: writes tee through to the underlying writer, and the
// record is enqueued only after the handler has finished producing the
// response.
func Meter(rec *usage.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(cw, r)

			record := model.UsageRecord{
				ID:         uuid.Must(uuid.NewV7()).String(),
				Endpoint:   r.URL.Path,
				Method:     r.Method,
				TokensUsed: usage.ExtractTokens(cw.body.Bytes()),
				LatencyMs:  time.Since(start).Milliseconds(),
				StatusCode: cw.status,
				CreatedAt:  time.Now().UTC(),
			}
			if p := GetPrincipal(r.Context()); p != nil {
				if p.APIKeyID != 0 {
					id := p.APIKeyID
					record.APIKeyID = &id
				}
				if p.UserID != "" {
					uid := p.UserID
					record.UserID = &uid
				}
			}

			// Failures past this point are the recorder's problem; the
			// response has already gone out.
			rec.Record(record)
		})
	}
}

// captureWriter tees response bytes into a bounded buffer while passing them
// through to the client untouched.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if remaining := maxCapturedBody - w.body.Len(); remaining > 0 {
		if len(b) <= remaining {
			w.body.Write(b)
		} else {
			w.body.Write(b[:remaining])
		}
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
