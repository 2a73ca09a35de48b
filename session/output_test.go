package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelcore/kclient/protocol"
)

func TestOutputFromDisplayDataPicksRichestMIME(t *testing.T) {
	out, ok := outputFromDisplayData(protocol.MIMEBundle{
		"text/plain": "plain text",
		"text/html":  "<b>rich</b>",
	})
	require.True(t, ok)
	assert.Equal(t, OutputDisplay, out.Kind)
	assert.Equal(t, "text/html", out.MIMEType)
	assert.Equal(t, "<b>rich</b>", out.Text)
}

func TestOutputFromDisplayDataTextPlainDegradesToResult(t *testing.T) {
	out, ok := outputFromDisplayData(protocol.MIMEBundle{
		"text/plain": "2",
	})
	require.True(t, ok)
	assert.Equal(t, OutputResult, out.Kind)
	assert.Equal(t, "2", out.Text)
}

func TestOutputFromDisplayDataEmptyBundle(t *testing.T) {
	_, ok := outputFromDisplayData(protocol.MIMEBundle{})
	assert.False(t, ok)
}

func TestOutputFromMessageStream(t *testing.T) {
	out, ok := outputFromMessage(protocol.MsgStream, &protocol.StreamContent{Name: "stdout", Text: "hi\n"})
	require.True(t, ok)
	assert.Equal(t, OutputStdout, out.Kind)
	assert.Equal(t, "hi\n", out.Text)

	out, ok = outputFromMessage(protocol.MsgStream, &protocol.StreamContent{Name: "stderr", Text: "oops\n"})
	require.True(t, ok)
	assert.Equal(t, OutputStderr, out.Kind)
}

func TestOutputFromMessageError(t *testing.T) {
	out, ok := outputFromMessage(protocol.MsgError, &protocol.ErrorContent{
		EName:     "ValueError",
		EValue:    "boom",
		Traceback: []string{"line 1", "line 2"},
	})
	require.True(t, ok)
	assert.Equal(t, OutputError, out.Kind)
	assert.Equal(t, "ValueError", out.EName)
	assert.Equal(t, "boom", out.EValue)
}

func TestOutputFromMessageUnknownType(t *testing.T) {
	_, ok := outputFromMessage("some_future_msg_type", map[string]interface{}{"x": 1})
	assert.False(t, ok)
}
