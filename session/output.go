package session

import "github.com/kernelcore/kclient/protocol"

// OutputKind tags the variants an Output can take.
type OutputKind int

const (
	OutputStdout OutputKind = iota
	OutputStderr
	OutputResult
	OutputDisplay
	OutputError
)

func (k OutputKind) String() string {
	switch k {
	case OutputStdout:
		return "stdout"
	case OutputStderr:
		return "stderr"
	case OutputResult:
		return "result"
	case OutputDisplay:
		return "display"
	case OutputError:
		return "error"
	default:
		return "unknown"
	}
}

// Output is one piece of kernel-produced output, already reduced from the
// wire's display-priority MIME bundle to a single representation.
type Output struct {
	Kind OutputKind
	// Text is the payload for stdout/stderr/result/error kinds. For
	// OutputDisplay it holds the selected representation serialized to a
	// string where the MIME type is not already textual (e.g. base64 image
	// data as delivered on the wire).
	Text string
	// MIMEType is set only for OutputDisplay, naming which representation of
	// the display-data bundle was selected.
	MIMEType string
	// EName/EValue/Traceback are set only for OutputError.
	EName     string
	EValue    string
	Traceback []string
}

// mimePriority lists the MIME types selected from a display_data/execute_result
// bundle, richest first, per the display-priority rule.
var mimePriority = []string{
	"image/png",
	"image/jpeg",
	"text/html",
	"application/json",
	"text/plain",
}

// selectRepresentation picks the richest available MIME representation from
// a data bundle, returning the chosen type, the stringified value, and
// whether anything was found. A text/plain-only bundle degrades the caller's
// output kind from display to result, per the data model.
func selectRepresentation(data protocol.MIMEBundle) (mime string, text string, ok bool) {
	for _, candidate := range mimePriority {
		v, found := data[candidate]
		if !found {
			continue
		}
		return candidate, stringifyMIMEValue(v), true
	}
	return "", "", false
}

func stringifyMIMEValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		// Rich JSON-typed payloads (e.g. application/json bundles decoded as
		// map[string]interface{}) are rendered as compact JSON text; callers
		// that need structured access should decode msg.Content themselves
		// rather than go through Output.
		return jsonStringify(t)
	}
}

// outputFromDisplayData converts a display_data/execute_result bundle into
// an Output, degrading a text/plain-only bundle to OutputResult per §3.
func outputFromDisplayData(data protocol.MIMEBundle) (Output, bool) {
	mime, text, ok := selectRepresentation(data)
	if !ok {
		return Output{}, false
	}
	if mime == "text/plain" {
		return Output{Kind: OutputResult, Text: text}, true
	}
	return Output{Kind: OutputDisplay, MIMEType: mime, Text: text}, true
}
