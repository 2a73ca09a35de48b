// Package protocol implements the Jupyter wire protocol codec: framing,
// HMAC signing/verification, and the structured message types carried over
// the shell, control and iopub channels.
//
// Reference documentation:
// https://jupyter-client.readthedocs.io/en/latest/messaging.html
package protocol

// ProtocolVersion is the Jupyter messaging protocol version this codec
// speaks and stamps on every outbound header.
const ProtocolVersion = "5.3"

// delimiter is the fixed frame marking the start of a Jupyter wire message,
// separating routing-identity frames from the signed payload.
const delimiter = "<IDS|MSG>"

// Header is the structured header carried by every Jupyter message.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is the in-memory representation of one Jupyter wire message.
type Message struct {
	Header       Header                 `json:"header"`
	ParentHeader Header                 `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      interface{}            `json:"content"`
}

// ConnectionInfo holds the contents of the connection file a kernel writes
// at launch (§6). Only Shell, IOPub and Control ports are used by this
// client; Stdin and HB are read but unused (the core never opens stdin
// stdio passthrough, and heartbeat liveness is not a core concern).
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	ControlPort     int    `json:"control_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
}

// KernelLanguageInfo describes the language a kernel_info_reply reports.
type KernelLanguageInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	MIMEType       string `json:"mimetype"`
	FileExtension  string `json:"file_extension"`
}

// KernelInfoReplyContent is the content of a kernel_info_reply message.
type KernelInfoReplyContent struct {
	ProtocolVersion       string              `json:"protocol_version"`
	Implementation        string              `json:"implementation"`
	ImplementationVersion string              `json:"implementation_version"`
	LanguageInfo          KernelLanguageInfo  `json:"language_info"`
	Banner                string              `json:"banner"`
}

// ExecuteReplyContent is the content of an execute_reply message on shell.
type ExecuteReplyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	EName          string `json:"ename,omitempty"`
	EValue         string `json:"evalue,omitempty"`
}

// StatusContent is the content of an iopub status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is the content of an iopub stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// MIMEBundle maps MIME type to the representation of the data in that type.
type MIMEBundle = map[string]interface{}

// DisplayDataContent is the content of an iopub display_data message.
type DisplayDataContent struct {
	Data      MIMEBundle `json:"data"`
	Metadata  MIMEBundle `json:"metadata"`
	Transient MIMEBundle `json:"transient"`
}

// ExecuteResultContent is the content of an iopub execute_result message.
type ExecuteResultContent struct {
	ExecutionCount int        `json:"execution_count"`
	Data           MIMEBundle `json:"data"`
	Metadata       MIMEBundle `json:"metadata"`
}

// ErrorContent is the content of an iopub error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// Kernel state names as reported on iopub "status" messages.
const (
	StatusStarting = "starting"
	StatusBusy     = "busy"
	StatusIdle     = "idle"
)

// Outbound message type names the core produces.
const (
	MsgKernelInfoRequest = "kernel_info_request"
	MsgExecuteRequest    = "execute_request"
	MsgInterruptRequest  = "interrupt_request"
	MsgShutdownRequest   = "shutdown_request"
)

// Inbound message type names the core recognizes.
const (
	MsgStatus         = "status"
	MsgStream         = "stream"
	MsgDisplayData    = "display_data"
	MsgExecuteResult  = "execute_result"
	MsgError          = "error"
	MsgKernelInfoReply = "kernel_info_reply"
	MsgExecuteReply   = "execute_reply"
	MsgShutdownReply  = "shutdown_reply"
	MsgInterruptReply = "interrupt_reply"
)

// ExecuteRequestContent is the content of an outbound execute_request,
// built with the fixed flags §4.1 mandates.
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// NewExecuteRequestContent builds the content for an execute_request with
// the fixed flags required by §4.1: silent=false, store_history=true,
// allow_stdin=false, stop_on_error=true.
func NewExecuteRequestContent(code string) ExecuteRequestContent {
	return ExecuteRequestContent{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: make(map[string]interface{}),
		AllowStdin:      false,
		StopOnError:     true,
	}
}

// InterruptRequestContent is the (empty) content of an interrupt_request.
type InterruptRequestContent struct{}

// ShutdownRequestContent is the content of a shutdown_request.
type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}
