// Package transport owns the ZeroMQ sockets used to talk to a Jupyter
// kernel: the shell and control DEALER sockets, and the iopub SUB socket,
// plus the background listener that drains iopub.
//
// Grounded on the socket-binding patterns of the kernel-side implementations
// in the corpus (internal/kernel/kernel.go's bindSockets, karl/kernel/kernel.go's
// createSocket), mirrored to the client side: DEALER/SUB connecting to a
// kernel's bound ROUTER/PUB, as in the reference client
// (other_examples/.../crackcomm-go-jupyter__jupyter-client.go), except using
// DEALER rather than REQ so an abandoned (timed-out) shell reply cannot wedge
// the socket's send/recv state machine.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kernelcore/kclient/protocol"
)

// Transport holds the three sockets the core needs and the cancel function
// for the context they were created with.
type Transport struct {
	shell   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket

	cancel context.CancelFunc
	closed atomic.Bool
}

func routingIdentity() string {
	id, err := uuid.NewV4()
	if err != nil {
		return "kernel-client"
	}
	return "kernel-client-" + id.String()
}

// addr formats one endpoint address. ipc addresses have no port component in
// the usual sense; following the same convention the kernel side of this
// protocol uses, the port number is appended to the path to keep the three
// channels on distinct ipc paths.
func addr(info protocol.ConnectionInfo, port int) string {
	if info.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", info.IP, port)
	}
	return fmt.Sprintf("tcp://%s:%d", info.IP, port)
}

// Dial connects the shell, control and iopub sockets described by info.
// Each DEALER socket is assigned a fresh routing identity (§4.2) so the
// kernel can distinguish concurrent clients. The iopub SUB socket
// subscribes to the empty topic, receiving every broadcast.
func Dial(ctx context.Context, info protocol.ConnectionInfo) (*Transport, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transport{cancel: cancel}

	ok := false
	defer func() {
		if !ok {
			_ = t.Close()
		}
	}()

	t.shell = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(routingIdentity())))
	if err := t.shell.Dial(addr(info, info.ShellPort)); err != nil {
		return nil, errors.WithMessage(err, "transport: failed to dial shell socket")
	}

	t.control = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(routingIdentity())))
	if err := t.control.Dial(addr(info, info.ControlPort)); err != nil {
		return nil, errors.WithMessage(err, "transport: failed to dial control socket")
	}

	t.iopub = zmq4.NewSub(ctx)
	if err := t.iopub.Dial(addr(info, info.IOPubPort)); err != nil {
		return nil, errors.WithMessage(err, "transport: failed to dial iopub socket")
	}
	if err := t.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return nil, errors.WithMessage(err, "transport: failed to subscribe iopub socket")
	}

	ok = true
	klog.V(1).Infof("transport: connected shell=%d control=%d iopub=%d",
		info.ShellPort, info.ControlPort, info.IOPubPort)
	return t, nil
}

// SendShell writes a frame list to the shell socket.
func (t *Transport) SendShell(frames [][]byte) error {
	return t.shell.SendMulti(zmq4.NewMsgFrom(frames...))
}

// RecvShell blocks until a reply frame list arrives on the shell socket.
func (t *Transport) RecvShell() (zmq4.Msg, error) {
	return t.shell.Recv()
}

// SendControl writes a frame list to the control socket.
func (t *Transport) SendControl(frames [][]byte) error {
	return t.control.SendMulti(zmq4.NewMsgFrom(frames...))
}

// RecvControl blocks until a reply frame list arrives on the control socket.
func (t *Transport) RecvControl() (zmq4.Msg, error) {
	return t.control.Recv()
}

// StartIOPubListener starts the background goroutine that drains the iopub
// socket in a loop, handing each received message to dispatch in arrival
// order (§5: "a single listener" preserves kernel-side emission order). It
// terminates cleanly when the transport is closed; a Recv error observed
// after Close has already run is teardown noise and is swallowed rather
// than logged (§4.2, §7).
func (t *Transport) StartIOPubListener(dispatch func(zmq4.Msg)) {
	go func() {
		for {
			msg, err := t.iopub.Recv()
			if err != nil {
				if t.closed.Load() {
					return
				}
				klog.Warningf("transport: iopub recv error, stopping listener: %v", err)
				return
			}
			dispatch(msg)
		}
	}()
}

// Close closes all three sockets. Safe to call more than once.
func (t *Transport) Close() error {
	t.closed.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
	var firstErr error
	for _, s := range []zmq4.Socket{t.shell, t.control, t.iopub} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
