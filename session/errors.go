package session

import "fmt"

// NotStartedError is returned by Execute when the session is disconnected or
// dead (or its codec and transport are not yet connected), and by Interrupt
// when no kernel process has been launched.
type NotStartedError struct{}

func (e *NotStartedError) Error() string { return "session: kernel not started" }

// ConnectionFileTimeoutError is returned by Start when the kernel never
// writes its connection file within the polling budget (§4.3 step 5).
type ConnectionFileTimeoutError struct {
	Path string
}

func (e *ConnectionFileTimeoutError) Error() string {
	return fmt.Sprintf("session: timed out waiting for connection file %q", e.Path)
}

// TimeoutError is returned by Execute when either the shell reply or the
// matching iopub idle status fails to arrive within its bound (§4.3, §5),
// and by the kernel_info_request round trip during Start.
type TimeoutError struct {
	MsgID string
	Stage string // "shell", "idle" or "kernel_info"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session: timed out waiting for %s reply to %s", e.Stage, e.MsgID)
}

// TransportError wraps a socket-level failure encountered while sending or
// receiving a request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProcessExitError records the kernel child process exiting unexpectedly.
type ProcessExitError struct {
	Err error
}

func (e *ProcessExitError) Error() string {
	if e.Err == nil {
		return "session: kernel process exited"
	}
	return fmt.Sprintf("session: kernel process exited: %v", e.Err)
}

func (e *ProcessExitError) Unwrap() error { return e.Err }
