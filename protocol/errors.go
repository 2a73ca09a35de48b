package protocol

// FramingError is returned when an inbound frame list does not have the
// shape the wire protocol requires: no "<IDS|MSG>" delimiter found, or too
// few frames following it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "jupyter wire protocol framing error: " + e.Reason
}

// SignatureMismatchError is returned when the HMAC signature on an inbound
// message does not match the one computed from the connection key.
type SignatureMismatchError struct{}

func (e *SignatureMismatchError) Error() string {
	return "jupyter wire protocol: message signature does not match"
}

// DecodeError wraps a JSON decoding failure for one of the four structured
// frames (header, parent_header, metadata, content).
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return "jupyter wire protocol: failed to decode " + e.Frame + " frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }
