// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"

	"github.com/ManuGH/audiocast/internal/pipeline"
)

// httpSink adapts an http.ResponseWriter to the pipeline sink contract.
// Headers are written lazily on the first audio byte so that pre-stream
// failures can still produce a proper error status.
type httpSink struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	disconnected <-chan struct{}
	contentType  string
	wroteHeader  bool
}

func newHTTPSink(w http.ResponseWriter, r *http.Request, format pipeline.Format) *httpSink {
	flusher, _ := w.(http.Flusher)
	return &httpSink{
		w:            w,
		flusher:      flusher,
		disconnected: r.Context().Done(),
		contentType:  format.ContentType(),
	}
}

func (s *httpSink) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.w.Header().Set("Content-Type", s.contentType)
		s.w.Header().Set("Cache-Control", "no-store")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.wroteHeader = true
	}
	return s.w.Write(b)
}

func (s *httpSink) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *httpSink) Disconnected() <-chan struct{} {
	return s.disconnected
}

// HeaderWritten reports whether any audio byte reached the client.
func (s *httpSink) HeaderWritten() bool {
	return s.wroteHeader
}
