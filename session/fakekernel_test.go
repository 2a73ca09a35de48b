package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/kernelcore/kclient/protocol"
)

// fakeKernel stands in for a real Jupyter kernel in tests: it binds the
// three sockets a spawned kernel would bind, and answers shell/control
// requests and emits iopub broadcasts the way a real kernel would for the
// handful of message types these tests exercise.
type fakeKernel struct {
	shell, control zmq4.Socket
	iopub          zmq4.Socket
	codec          *protocol.Codec
	info           protocol.ConnectionInfo
}

func newFakeKernel(t *testing.T, ctx context.Context, shellPort, controlPort, iopubPort int) *fakeKernel {
	t.Helper()
	info := protocol.ConnectionInfo{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		Key:             "testkey",
		SignatureScheme: "hmac-sha256",
		ShellPort:       shellPort,
		ControlPort:     controlPort,
		IOPubPort:       iopubPort,
	}
	fk := &fakeKernel{
		shell:   zmq4.NewRouter(ctx),
		control: zmq4.NewRouter(ctx),
		iopub:   zmq4.NewPub(ctx),
		codec:   protocol.NewCodec(info, "fake-kernel"),
		info:    info,
	}
	require.NoError(t, fk.shell.Listen("tcp://127.0.0.1:"+strconv.Itoa(shellPort)))
	require.NoError(t, fk.control.Listen("tcp://127.0.0.1:"+strconv.Itoa(controlPort)))
	require.NoError(t, fk.iopub.Listen("tcp://127.0.0.1:"+strconv.Itoa(iopubPort)))
	return fk
}

// serveKernelInfo answers exactly one kernel_info_request on shell.
func (fk *fakeKernel) serveKernelInfo(t *testing.T) {
	zmsg, err := fk.shell.Recv()
	require.NoError(t, err)
	identity := zmsg.Frames[0]
	req, _, err := fk.codec.Parse(zmsg.Frames[1:])
	require.NoError(t, err)
	require.Equal(t, protocol.MsgKernelInfoRequest, req.Header.MsgType)

	reply := fk.codec.Build(protocol.MsgKernelInfoReply, protocol.KernelInfoReplyContent{
		ProtocolVersion: protocol.ProtocolVersion,
		Implementation:  "fake-kernel",
	}, &req.Header)
	frames, err := fk.codec.Serialize(reply)
	require.NoError(t, err)
	require.NoError(t, fk.shell.SendMulti(zmq4.NewMsgFrom(append([][]byte{identity}, frames...)...)))
}

// serveExecute answers one execute_request: emits busy, a stdout stream,
// idle on iopub, and an execute_reply on shell, in the order a real kernel
// would emit them.
func (fk *fakeKernel) serveExecute(t *testing.T, stdoutText string) {
	zmsg, err := fk.shell.Recv()
	require.NoError(t, err)
	identity := zmsg.Frames[0]
	req, _, err := fk.codec.Parse(zmsg.Frames[1:])
	require.NoError(t, err)
	require.Equal(t, protocol.MsgExecuteRequest, req.Header.MsgType)

	fk.publish(t, protocol.MsgStatus, protocol.StatusContent{ExecutionState: protocol.StatusBusy}, &req.Header)
	fk.publish(t, protocol.MsgStream, protocol.StreamContent{Name: "stdout", Text: stdoutText}, &req.Header)
	fk.publish(t, protocol.MsgStatus, protocol.StatusContent{ExecutionState: protocol.StatusIdle}, &req.Header)

	reply := fk.codec.Build(protocol.MsgExecuteReply, protocol.ExecuteReplyContent{
		Status:         "ok",
		ExecutionCount: 1,
	}, &req.Header)
	frames, err := fk.codec.Serialize(reply)
	require.NoError(t, err)
	require.NoError(t, fk.shell.SendMulti(zmq4.NewMsgFrom(append([][]byte{identity}, frames...)...)))
}

func (fk *fakeKernel) publish(t *testing.T, msgType string, content interface{}, parent *protocol.Header) {
	msg := fk.codec.Build(msgType, content, parent)
	frames, err := fk.codec.Serialize(msg)
	require.NoError(t, err)
	require.NoError(t, fk.iopub.SendMulti(zmq4.NewMsgFrom(frames...)))
}

func (fk *fakeKernel) close() {
	_ = fk.shell.Close()
	_ = fk.control.Close()
	_ = fk.iopub.Close()
}

// settleSubscription sleeps long enough for a SUB's subscription to have
// plausibly been registered with a connected PUB. ZeroMQ's subscription handshake is
// asynchronous; tests sleep briefly before the first publish to avoid
// flaking on a message published before the subscription lands.
func settleSubscription() {
	time.Sleep(150 * time.Millisecond)
}
