// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"io"
	"time"

	"github.com/ManuGH/audiocast/internal/metrics"
	"github.com/rs/zerolog"
)

// Sink is the destination for transcoded bytes. A Write that cannot make
// progress blocks, which is the backpressure signal: the flow controller
// stops consuming transcoder output for exactly as long as the sink blocks.
// Disconnected is closed when the client behind the sink has gone away; a
// sink that cannot observe this may return a channel that never closes.
type Sink interface {
	io.Writer
	Flush()
	Disconnected() <-chan struct{}
}

const flowChunkSize = 32 * 1024

// FlowResult reports what a flow run forwarded.
type FlowResult struct {
	Bytes     int64
	FirstByte time.Duration

	// CaptureFailed is set when the cache capture writer faulted mid-stream.
	// The artifact is incomplete and must never be committed.
	CaptureFailed bool
}

// flowController forwards transcoder output to the sink, chunk by chunk, in
// receipt order. A single fixed buffer bounds memory: nothing is consumed
// from the source while the previous chunk has not been accepted by the
// sink, and no chunk is ever dropped or reordered.
type flowController struct {
	sink    Sink
	capture io.Writer // optional tee into a pending cache artifact
	logger  zerolog.Logger
}

func newFlowController(sink Sink, capture io.Writer, logger zerolog.Logger) *flowController {
	return &flowController{sink: sink, capture: capture, logger: logger}
}

// run copies src to the sink until EOF or error. Write failures are mapped
// onto the taxonomy: client disconnects become ErrSinkDisconnect, anything
// else a SinkWriteError. Capture failures only disable the capture; the
// client stream continues.
func (f *flowController) run(src io.Reader) (FlowResult, error) {
	var res FlowResult
	buf := make([]byte, flowChunkSize)
	start := time.Now()

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if res.Bytes == 0 {
				res.FirstByte = time.Since(start)
				metrics.ObserveFirstByte(res.FirstByte)
			}
			written, writeErr := f.sink.Write(buf[:n])
			res.Bytes += int64(written)
			metrics.AddStreamedBytes(int64(written))
			if writeErr != nil {
				return res, classifySinkError(writeErr)
			}
			if written < n {
				return res, classifySinkError(io.ErrShortWrite)
			}
			f.sink.Flush()

			if f.capture != nil {
				if _, err := f.capture.Write(buf[:n]); err != nil {
					f.logger.Warn().Err(err).Msg("artifact capture failed, disabling capture")
					f.capture = nil
					res.CaptureFailed = true
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return res, nil
			}
			// The source is a process stdout pipe; a read error here means
			// the process side collapsed and is diagnosed via its exit
			// status, not via this error.
			f.logger.Debug().Err(readErr).Msg("source read ended")
			return res, nil
		}
	}
}
