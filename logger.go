package htsp

import (
	"log/slog"
	"time"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// Observer receives instrumentation callbacks from a connection.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	// StateChanged is called on every connection state transition.
	StateChanged(from, to State)
	// FrameSent is called after a frame has been written to the socket.
	FrameSent(method string, size int)
	// FrameReceived is called after a frame has been decoded.
	FrameReceived(size int)
	// EventReceived is called for every unsolicited message.
	EventReceived(method string)
	// RequestDone is called when a request is completed, failed or evicted.
	RequestDone(method string, d time.Duration, err error)
	// PendingRequests reports the size of the pending request table.
	PendingRequests(n int)
	// ConnectionError is called with the error that terminated a connection.
	ConnectionError(err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State)                {}
func (nopObserver) FrameSent(string, int)                    {}
func (nopObserver) FrameReceived(int)                        {}
func (nopObserver) EventReceived(string)                     {}
func (nopObserver) RequestDone(string, time.Duration, error) {}
func (nopObserver) PendingRequests(int)                      {}
func (nopObserver) ConnectionError(error)                    {}
