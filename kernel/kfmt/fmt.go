// Package kfmt provides the kernel console output helpers: Printf style
// logging that is buffered until a sink is attached, and the Panic path used
// for unrecoverable errors.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputMu serializes writes from cores that print concurrently.
	outputMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	return outputSink
}

// Printf formats according to a format specifier (see the fmt package) and
// writes to the active output sink. If no sink is attached, the output is
// buffered into a ring buffer and replayed once SetOutputSink is called.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if w == nil {
		w = outputSink
	}
	if w == nil {
		w = &earlyPrintBuffer
	}

	fmt.Fprintf(w, format, args...)
}
