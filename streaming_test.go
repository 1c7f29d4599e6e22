package cascade

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSSE(t *testing.T) {
	frame, err := EncodeSSE(StreamChunk{Content: "hello"})
	require.NoError(t, err)

	s := string(frame)
	assert.True(t, strings.HasPrefix(s, "data: "))
	assert.True(t, strings.HasSuffix(s, "\n\n"))

	var decoded StreamChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")), &decoded))
	assert.Equal(t, "hello", decoded.Content)
}

func TestSSEWriterFraming(t *testing.T) {
	var buf strings.Builder
	sw := NewSSEWriter(&buf)

	require.NoError(t, sw.WriteChunk(StreamChunk{Content: "one "}))
	require.NoError(t, sw.WriteChunk(StreamChunk{Content: "two"}))
	require.NoError(t, sw.Done())

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "data: "))
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestStreamAdapterForwardsAndTerminates(t *testing.T) {
	var buf strings.Builder
	cb := StreamAdapter(NewSSEWriter(&buf))

	cb(StreamChunk{Content: "partial"})
	usage := defaultMockUsage()
	cb(StreamChunk{Done: true, FinishReason: "stop", Usage: &usage})

	out := buf.String()
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "stop")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
