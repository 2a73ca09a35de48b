package session

import "github.com/kernelcore/kclient/protocol"

// EventKind tags the variants carried on a Session's event stream (§6).
type EventKind int

const (
	EventStateChange EventKind = iota
	EventOutput
	EventKernelInfo
	EventError
)

// Event is one item on Session.Events(). Exactly one of the payload fields
// is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	// EventStateChange
	State State

	// EventOutput
	Output      Output
	ParentMsgID string

	// EventKernelInfo
	KernelInfo protocol.KernelInfoReplyContent

	// EventError
	Err error
}
