package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Codec serializes and parses Jupyter wire messages, signing and verifying
// them with the connection's HMAC key. It is stateless beyond the key: safe
// for concurrent use by multiple goroutines (the session manager's shell
// path and the iopub listener both call Parse concurrently).
type Codec struct {
	key     []byte
	session string
}

// NewCodec builds a Codec from a connection's signature key and session id.
// Per §9's open question, an empty key is accepted (signing is simply
// skipped) rather than rejected, matching the teacher's leniency in
// kernel/messages.go; unlike the teacher, this is surfaced with a warning
// rather than silently accepted.
func NewCodec(info ConnectionInfo, session string) *Codec {
	if info.Key == "" {
		klog.Warningf("protocol: connection key is empty, messages will be sent and accepted unsigned")
	} else if info.SignatureScheme != "" && info.SignatureScheme != "hmac-sha256" {
		klog.Warningf("protocol: unsupported signature_scheme %q, only hmac-sha256 is implemented; signing disabled", info.SignatureScheme)
		return &Codec{session: session}
	}
	return &Codec{key: []byte(info.Key), session: session}
}

// Build assembles a new outbound Message of the given type, stamping a
// fresh identifier, the session, the current UTC timestamp and the protocol
// version (§4.1). If parent is non-nil its header becomes the ParentHeader.
func (c *Codec) Build(msgType string, content interface{}, parent *Header) Message {
	id, err := uuid.NewV4()
	msgID := id.String()
	if err != nil {
		// uuid.NewV4 only fails if the system CSPRNG is broken; fall back to
		// a time-based id rather than panicking the caller.
		klog.Errorf("protocol: failed to generate message id: %v", err)
		msgID = "msg-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	msg := Message{
		Header: Header{
			MsgID:    msgID,
			Username: "kernel-client",
			Session:  c.session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: make(map[string]interface{}),
		Content:  content,
	}
	if parent != nil {
		msg.ParentHeader = *parent
	}
	return msg
}

// Serialize turns a Message into the four signed payload frames preceded by
// the delimiter and signature frame, per §4.1's frame layout (identity
// frames are the caller's/transport's concern, not the codec's).
func (c *Codec) Serialize(msg Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "protocol: failed to encode header")
	}
	parentHeader, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, errors.WithMessage(err, "protocol: failed to encode parent_header")
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "protocol: failed to encode metadata")
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, errors.WithMessage(err, "protocol: failed to encode content")
	}

	signature := c.sign(header, parentHeader, metadataBytes, content)
	return [][]byte{
		[]byte(delimiter),
		signature,
		header,
		parentHeader,
		metadataBytes,
		content,
	}, nil
}

// sign computes the lowercase-hex HMAC over the four payload frames, in
// order. Returns an empty signature (and thus skips verification) if the
// codec has no key, matching NewCodec's leniency.
func (c *Codec) sign(parts ...[]byte) []byte {
	if len(c.key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Parse strips identity frames up to and including the delimiter, verifies
// the signature over the four payload frames with a constant-time
// comparison (testable property 6), and decodes each frame. It returns the
// parsed Message along with any leading identity frames (needed by REQ/ROUTER
// framing on a server, unused by this client but kept for symmetry/testing).
func (c *Codec) Parse(frames [][]byte) (Message, [][]byte, error) {
	idx := -1
	for i, f := range frames {
		if string(f) == delimiter {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Message{}, nil, &FramingError{Reason: "no <IDS|MSG> delimiter found"}
	}
	if len(frames) < idx+6 {
		return Message{}, nil, &FramingError{Reason: "fewer than 4 payload frames after delimiter"}
	}
	identities := frames[:idx]
	signature := frames[idx+1]
	headerBytes := frames[idx+2]
	parentHeaderBytes := frames[idx+3]
	metadataBytes := frames[idx+4]
	contentBytes := frames[idx+5]

	if len(c.key) > 0 {
		expected := c.sign(headerBytes, parentHeaderBytes, metadataBytes, contentBytes)
		if !hmac.Equal(expected, signature) {
			return Message{}, nil, &SignatureMismatchError{}
		}
	}

	var msg Message
	if err := json.Unmarshal(headerBytes, &msg.Header); err != nil {
		return Message{}, nil, &DecodeError{Frame: "header", Err: err}
	}
	if err := json.Unmarshal(parentHeaderBytes, &msg.ParentHeader); err != nil {
		return Message{}, nil, &DecodeError{Frame: "parent_header", Err: err}
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &msg.Metadata); err != nil {
			return Message{}, nil, &DecodeError{Frame: "metadata", Err: err}
		}
	}
	msg.Content = json.RawMessage(contentBytes)
	return msg, identities, nil
}

// DecodeContent unmarshals a Message's raw content (as left by Parse) into
// the tagged variant appropriate for its MsgType, per §9's "dynamic content
// payload" design note: one struct per recognized msg_type, with a raw
// fallback for forward compatibility.
func DecodeContent(msg Message) (interface{}, error) {
	raw, ok := msg.Content.(json.RawMessage)
	if !ok {
		// Already-decoded content (e.g. built locally via Build); pass through.
		return msg.Content, nil
	}
	var target interface{}
	switch msg.Header.MsgType {
	case MsgStatus:
		target = new(StatusContent)
	case MsgStream:
		target = new(StreamContent)
	case MsgDisplayData:
		target = new(DisplayDataContent)
	case MsgExecuteResult:
		target = new(ExecuteResultContent)
	case MsgError:
		target = new(ErrorContent)
	case MsgKernelInfoReply:
		target = new(KernelInfoReplyContent)
	case MsgExecuteReply:
		target = new(ExecuteReplyContent)
	default:
		// Forward-compatible catch-all.
		var generic map[string]interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, &DecodeError{Frame: "content", Err: err}
		}
		return generic, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, &DecodeError{Frame: "content", Err: err}
	}
	return target, nil
}
