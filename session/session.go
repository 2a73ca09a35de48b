// Package session owns the kernel child process lifecycle, the connection
// file handshake, the serializing lock for shell requests, the registry of
// in-flight executions, the kernel state machine, and the public operation
// surface (Start, Execute, Interrupt, Restart, Shutdown) plus an event
// stream. It is the component where the protocol codec and the transport
// come together.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kernelcore/kclient/internal/common"
	"github.com/kernelcore/kclient/protocol"
	"github.com/kernelcore/kclient/transport"
)

const (
	kernelInfoTimeout = 10 * time.Second
	executeTimeout    = 5 * time.Minute
)

// executionRecord tracks one in-flight execute call: its accumulating output
// buffer and the latch signaled when the matching idle status arrives.
type executionRecord struct {
	outputs  []Output
	complete common.Latch
}

// Session is the public kernel-client core. Zero value is not usable; build
// one with New.
type Session struct {
	kernelBin      string
	launcherModule string

	mu    sync.Mutex
	state State

	kernel *spawnedKernel
	tr     *transport.Transport
	codec  *protocol.Codec

	executionCount int

	// shellTicket is a depth-1 buffered channel acting as the serialization
	// lock for shell requests (§9's "bounded-depth-1 channel" equivalent of
	// the source's future-chaining): a call must receive from it before
	// building its request, and send back into it when done. Every caller
	// that sends on the shell socket (kernel_info_request, execute_request)
	// holds this ticket, enforcing §5's "no two requests, nor an
	// execute_request interleaved with a kernel_info_request, may be
	// outstanding on the shell socket".
	shellTicket chan struct{}

	// shellReplies correlates inbound shell replies to their waiting caller
	// by msg_id, the way dispatchIOPub correlates iopub output to execution
	// records. A single reader goroutine (startShellReader) is the only
	// reader of the shell socket, so a caller that times out and abandons
	// its entry can never race a later caller for the same Recv.
	shellRepliesMu sync.Mutex
	shellReplies   map[string]chan protocol.Message

	recordsMu sync.Mutex
	records   map[string]*executionRecord

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Session that will launch kernelBin with the given launcher
// module argument on Start. Events() must be drained by the caller, or
// sends on a full buffer will block the iopub listener; the channel is
// generously buffered to make this forgiving in practice.
func New(kernelBin, launcherModule string) *Session {
	s := &Session{
		kernelBin:      kernelBin,
		launcherModule: launcherModule,
		state:          StateDisconnected,
		shellTicket:    make(chan struct{}, 1),
		shellReplies:   make(map[string]chan protocol.Message),
		records:        make(map[string]*executionRecord),
		events:         make(chan Event, 256),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.shellTicket <- struct{}{}
	return s
}

// Events returns the channel on which every state change and every output
// is published exactly once (§6).
func (s *Session) Events() <-chan Event {
	return s.events
}

// GetState returns the current kernel state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetExecutionCount returns the most recently observed execution_count.
func (s *Session) GetExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionCount
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChange, State: st})
}

func (s *Session) emit(ev Event) {
	s.events <- ev
}

// Start launches the kernel and brings the session to state idle. Calling
// Start while already running performs a Shutdown first (§4.3 "idempotent
// re-entry").
func (s *Session) Start() error {
	if s.GetState() != StateDisconnected && s.GetState() != StateDead {
		s.Shutdown()
	}
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.setState(StateStarting)

	sp, err := newSpawner(s.kernelBin, s.launcherModule)
	if err != nil {
		s.setState(StateDead)
		return err
	}

	kernel, err := sp.Start()
	if err != nil {
		s.setState(StateDead)
		s.emit(Event{Kind: EventError, Err: err})
		return err
	}
	s.mu.Lock()
	s.kernel = kernel
	s.mu.Unlock()
	go s.watchChildExit(kernel)

	info, err := waitForConnectionFile(sp.connectionFile, kernel.exited)
	if err != nil {
		s.setState(StateDead)
		return err
	}

	s.mu.Lock()
	s.codec = protocol.NewCodec(info, sessionName())
	s.mu.Unlock()

	tr, err := transport.Dial(s.ctx, info)
	if err != nil {
		s.setState(StateDead)
		return errors.WithMessage(err, "session: failed to connect to kernel sockets")
	}
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()

	tr.StartIOPubListener(s.dispatchIOPub)
	s.startShellReader(tr)

	if err := s.sendKernelInfo(); err != nil {
		// Non-fatal: kernel_info_reply timeout is recovered locally (§7).
		klog.Warningf("session: kernel_info_request did not complete: %v", err)
	}

	s.setState(StateIdle)
	return nil
}

func sessionName() string {
	return "kclient-session"
}

// watchChildExit observes the kernel process's exit and forces the session
// to state dead if it was not already torn down deliberately.
func (s *Session) watchChildExit(kernel *spawnedKernel) {
	err := <-kernel.exited
	s.mu.Lock()
	alreadyDead := s.state == StateDead
	s.mu.Unlock()
	if alreadyDead {
		return
	}
	s.setState(StateDead)
	s.emit(Event{Kind: EventError, Err: &ProcessExitError{Err: err}})
}

// startShellReader is the shell socket's single reader: it loops RecvShell,
// parses each reply, and hands it to whichever caller registered for its
// parent msg_id. It is the only goroutine that ever calls tr.RecvShell, so a
// caller that gives up after a timeout can never race a later caller for the
// same read (§5, §7). It terminates cleanly on teardown; a read error
// observed once the session is already dead is teardown noise and is
// swallowed rather than logged, matching the iopub listener's contract.
func (s *Session) startShellReader(tr *transport.Transport) {
	go func() {
		for {
			zmsg, err := tr.RecvShell()
			if err != nil {
				s.mu.Lock()
				dead := s.state == StateDead
				s.mu.Unlock()
				if !dead {
					klog.Warningf("session: shell recv error, stopping shell reader: %v", err)
				}
				return
			}

			s.mu.Lock()
			codec := s.codec
			s.mu.Unlock()
			if codec == nil {
				continue
			}
			reply, _, err := codec.Parse(zmsg.Frames)
			if err != nil {
				klog.Warningf("session: dropping malformed shell reply: %v", err)
				continue
			}
			s.dispatchShellReply(reply)
		}
	}()
}

// awaitShellReply registers a channel to receive the shell reply whose
// parent_header.msg_id matches msgID, to be read by the caller that sent
// that request. Must be called before the request is sent, mirroring
// Execute's "register before send" race avoidance for iopub (§4.3).
func (s *Session) awaitShellReply(msgID string) chan protocol.Message {
	ch := make(chan protocol.Message, 1)
	s.shellRepliesMu.Lock()
	s.shellReplies[msgID] = ch
	s.shellRepliesMu.Unlock()
	return ch
}

// abandonShellReply removes a registration left by awaitShellReply once the
// caller stops waiting (success, error, or timeout), so a late reply is
// dropped by dispatchShellReply instead of being misattributed to a later,
// unrelated call.
func (s *Session) abandonShellReply(msgID string) {
	s.shellRepliesMu.Lock()
	delete(s.shellReplies, msgID)
	s.shellRepliesMu.Unlock()
}

// dispatchShellReply routes one parsed shell reply to its registered waiter
// by parent_header.msg_id. A reply with no registered waiter — abandoned
// after a timeout, or simply unsolicited — is dropped.
func (s *Session) dispatchShellReply(reply protocol.Message) {
	parentID := reply.ParentHeader.MsgID
	s.shellRepliesMu.Lock()
	ch, found := s.shellReplies[parentID]
	if found {
		delete(s.shellReplies, parentID)
	}
	s.shellRepliesMu.Unlock()
	if !found {
		klog.Warningf("session: dropping shell reply with no registered waiter (parent %s)", parentID)
		return
	}
	ch <- reply
}

// sendKernelInfo issues a kernel_info_request on shell and waits up to
// kernelInfoTimeout for the reply, emitting EventKernelInfo once on success.
// It holds shellTicket for the duration of the round trip, so it can never
// be outstanding on the shell socket at the same time as an execute_request
// (§5).
func (s *Session) sendKernelInfo() error {
	s.mu.Lock()
	codec := s.codec
	tr := s.tr
	ctx := s.ctx
	s.mu.Unlock()

	select {
	case <-s.shellTicket:
	case <-ctx.Done():
		return &NotStartedError{}
	}
	defer func() { s.shellTicket <- struct{}{} }()

	msg := codec.Build(protocol.MsgKernelInfoRequest, struct{}{}, nil)
	msgID := msg.Header.MsgID
	replyCh := s.awaitShellReply(msgID)

	frames, err := codec.Serialize(msg)
	if err != nil {
		s.abandonShellReply(msgID)
		return err
	}
	if err := tr.SendShell(frames); err != nil {
		s.abandonShellReply(msgID)
		return &TransportError{Op: "send kernel_info_request", Err: err}
	}

	select {
	case reply := <-replyCh:
		content, err := protocol.DecodeContent(reply)
		if err != nil {
			return err
		}
		if info, ok := content.(*protocol.KernelInfoReplyContent); ok {
			s.emit(Event{Kind: EventKernelInfo, KernelInfo: *info})
		}
		return nil
	case <-time.After(kernelInfoTimeout):
		s.abandonShellReply(msgID)
		return &TimeoutError{MsgID: msgID, Stage: "kernel_info"}
	}
}

// Execute sends code to the kernel and waits for both the shell reply and
// the matching iopub idle status, returning the accumulated outputs (§4.3).
func (s *Session) Execute(code string) (msgID string, outputs []Output, err error) {
	if s.GetState() == StateDisconnected || s.GetState() == StateDead {
		return "", nil, &NotStartedError{}
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	// Acquire the serialization lock: totally orders calls to Execute
	// against each other (§5).
	select {
	case <-s.shellTicket:
	case <-ctx.Done():
		return "", nil, &NotStartedError{}
	}
	defer func() { s.shellTicket <- struct{}{} }()

	s.mu.Lock()
	codec := s.codec
	tr := s.tr
	s.mu.Unlock()
	if codec == nil || tr == nil {
		return "", nil, &NotStartedError{}
	}

	msg := codec.Build(protocol.MsgExecuteRequest, protocol.NewExecuteRequestContent(code), nil)
	msgID = msg.Header.MsgID

	record := &executionRecord{complete: common.NewLatch()}
	s.recordsMu.Lock()
	s.records[msgID] = record
	s.recordsMu.Unlock()

	cleanupRecord := func() {
		s.recordsMu.Lock()
		delete(s.records, msgID)
		s.recordsMu.Unlock()
	}

	replyCh := s.awaitShellReply(msgID)

	frames, err := codec.Serialize(msg)
	if err != nil {
		s.abandonShellReply(msgID)
		cleanupRecord()
		return msgID, nil, err
	}
	if err := tr.SendShell(frames); err != nil {
		s.abandonShellReply(msgID)
		cleanupRecord()
		return msgID, nil, &TransportError{Op: "send execute_request", Err: err}
	}

	select {
	case reply := <-replyCh:
		content, err := protocol.DecodeContent(reply)
		if err != nil {
			cleanupRecord()
			return msgID, nil, err
		}
		if execReply, ok := content.(*protocol.ExecuteReplyContent); ok {
			s.mu.Lock()
			s.executionCount = execReply.ExecutionCount
			s.mu.Unlock()
		}
	case <-time.After(executeTimeout):
		s.abandonShellReply(msgID)
		cleanupRecord()
		return msgID, nil, &TimeoutError{MsgID: msgID, Stage: "shell"}
	}

	if record.complete.WaitTimeout(executeTimeout) {
		s.recordsMu.Lock()
		outputs = append([]Output(nil), record.outputs...)
		s.recordsMu.Unlock()
		return msgID, outputs, nil
	}
	cleanupRecord()
	return msgID, nil, &TimeoutError{MsgID: msgID, Stage: "idle"}
}

// dispatchIOPub is the iopub listener's dispatcher (§4.3 "IOPub dispatch").
func (s *Session) dispatchIOPub(zmsg zmq4.Msg) {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()
	if codec == nil {
		return
	}

	msg, _, err := codec.Parse(zmsg.Frames)
	if err != nil {
		// A corrupt broadcast is dropped; the listener continues (§7, §8
		// scenario F).
		klog.Warningf("session: dropping malformed iopub message: %v", err)
		return
	}

	if msg.Header.MsgType == protocol.MsgStatus {
		s.handleStatus(msg)
		return
	}

	content, err := protocol.DecodeContent(msg)
	if err != nil {
		klog.Warningf("session: failed to decode iopub content for %s: %v", msg.Header.MsgType, err)
		return
	}

	output, ok := outputFromMessage(msg.Header.MsgType, content)
	if !ok {
		return
	}

	parentID := msg.ParentHeader.MsgID
	s.recordsMu.Lock()
	if record, found := s.records[parentID]; found {
		record.outputs = append(record.outputs, output)
	}
	s.recordsMu.Unlock()

	s.emit(Event{Kind: EventOutput, Output: output, ParentMsgID: parentID})
}

func (s *Session) handleStatus(msg protocol.Message) {
	content, err := protocol.DecodeContent(msg)
	if err != nil {
		klog.Warningf("session: failed to decode status content: %v", err)
		return
	}
	status, ok := content.(*protocol.StatusContent)
	if !ok {
		return
	}

	switch status.ExecutionState {
	case protocol.StatusBusy:
		s.setState(StateBusy)
	case protocol.StatusIdle:
		s.setState(StateIdle)
		parentID := msg.ParentHeader.MsgID
		s.recordsMu.Lock()
		record, found := s.records[parentID]
		if found {
			delete(s.records, parentID)
		}
		s.recordsMu.Unlock()
		if found {
			record.complete.Trigger()
		}
	}
}

// outputFromMessage converts a decoded iopub content payload into an
// Output, per the display-priority rules in §3. Returns ok=false for
// message types that carry no representable output (forward-compatible
// unknown types).
func outputFromMessage(msgType string, content interface{}) (Output, bool) {
	switch msgType {
	case protocol.MsgStream:
		sc, ok := content.(*protocol.StreamContent)
		if !ok {
			return Output{}, false
		}
		kind := OutputStdout
		if sc.Name == "stderr" {
			kind = OutputStderr
		}
		return Output{Kind: kind, Text: sc.Text}, true
	case protocol.MsgDisplayData:
		dc, ok := content.(*protocol.DisplayDataContent)
		if !ok {
			return Output{}, false
		}
		return outputFromDisplayData(dc.Data)
	case protocol.MsgExecuteResult:
		rc, ok := content.(*protocol.ExecuteResultContent)
		if !ok {
			return Output{}, false
		}
		return outputFromDisplayData(rc.Data)
	case protocol.MsgError:
		ec, ok := content.(*protocol.ErrorContent)
		if !ok {
			return Output{}, false
		}
		return Output{Kind: OutputError, EName: ec.EName, EValue: ec.EValue, Traceback: ec.Traceback}, true
	default:
		return Output{}, false
	}
}

// Interrupt sends both an OS interrupt signal to the child process and an
// interrupt_request on the control channel; either reaching the kernel
// suffices (§4.3).
func (s *Session) Interrupt() error {
	s.mu.Lock()
	kernel := s.kernel
	codec := s.codec
	tr := s.tr
	s.mu.Unlock()
	if kernel == nil {
		return &NotStartedError{}
	}

	if err := kernel.interrupt(); err != nil {
		klog.Warningf("session: failed to signal kernel process: %v", err)
	}

	if codec != nil && tr != nil {
		msg := codec.Build(protocol.MsgInterruptRequest, protocol.InterruptRequestContent{}, nil)
		frames, err := codec.Serialize(msg)
		if err == nil {
			if err := tr.SendControl(frames); err != nil {
				klog.Warningf("session: failed to send interrupt_request: %v", err)
			}
		}
	}
	return nil
}

// Restart is equivalent to Shutdown followed by Start (§4.3).
func (s *Session) Restart() error {
	s.Shutdown()
	return s.Start()
}

// Shutdown moves the session to state dead, closes all sockets, kills the
// child process, deletes the connection file, and clears the in-flight
// execution map. Unconditional: in-flight completions never resolve.
func (s *Session) Shutdown() {
	s.mu.Lock()
	kernel := s.kernel
	tr := s.tr
	cancel := s.cancel
	connFile := ""
	if kernel != nil {
		connFile = kernel.connectionFile
	}
	s.state = StateDead
	s.kernel = nil
	s.tr = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.emit(Event{Kind: EventStateChange, State: StateDead})

	if tr != nil {
		if err := tr.Close(); err != nil {
			klog.Warningf("session: error closing transport: %v", err)
		}
	}
	if kernel != nil {
		if err := kernel.kill(); err != nil {
			klog.V(1).Infof("session: kernel process already exited: %v", err)
		}
	}
	if connFile != "" {
		if err := os.Remove(connFile); err != nil && !os.IsNotExist(err) {
			klog.Warningf("session: failed to remove connection file %q: %v", connFile, err)
		}
	}

	s.recordsMu.Lock()
	s.records = make(map[string]*executionRecord)
	s.recordsMu.Unlock()

	s.shellRepliesMu.Lock()
	s.shellReplies = make(map[string]chan protocol.Message)
	s.shellRepliesMu.Unlock()
}
