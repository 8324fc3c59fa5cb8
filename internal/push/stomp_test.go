package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Encode(t *testing.T) {
	f := NewFrame(CmdSubscribe, nil, "id", "sub-1", "destination", "/topic/MatchScore")

	assert.Equal(t, "SUBSCRIBE\ndestination:/topic/MatchScore\nid:sub-1\n\n\x00", string(f.Encode()))
}

func TestFrame_EncodeEscapesHeaders(t *testing.T) {
	f := NewFrame(CmdMessage, []byte("{}"), "note", "a:b\nc")

	assert.Equal(t, "MESSAGE\nnote:a\\cb\\nc\n\n{}\x00", string(f.Encode()))
}

func TestFrame_ConnectHeadersNotEscaped(t *testing.T) {
	f := NewFrame(CmdConnect, nil, "host", "ui:18080")

	assert.Equal(t, "CONNECT\nhost:ui:18080\n\n\x00", string(f.Encode()))
}

func TestParseFrame_Message(t *testing.T) {
	raw := "MESSAGE\nsubscription:sub-1\ndestination:/topic/MatchScore\nmessage-id:7\ncontent-type:application/json\n\n{\"homeGoals\":1}\x00"

	f, err := ParseFrame([]byte(raw))

	require.NoError(t, err)
	assert.Equal(t, CmdMessage, f.Command)
	assert.Equal(t, "sub-1", f.Header("subscription"))
	assert.Equal(t, "/topic/MatchScore", f.Header("destination"))
	assert.Equal(t, `{"homeGoals":1}`, string(f.Body))
}

func TestParseFrame_RoundTripWithEscapes(t *testing.T) {
	in := NewFrame(CmdError, []byte("boom"), "message", "bad: thing\\here")

	out, err := ParseFrame(in.Encode())

	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseFrame_Heartbeat(t *testing.T) {
	f, err := ParseFrame([]byte("\n"))
	require.NoError(t, err)
	assert.True(t, f.IsHeartbeat())

	f, err = ParseFrame([]byte("\r\n"))
	require.NoError(t, err)
	assert.True(t, f.IsHeartbeat())
}

func TestParseFrame_RepeatedHeaderFirstWins(t *testing.T) {
	f, err := ParseFrame([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, "1", f.Header("foo"))
}

func TestParseFrame_Errors(t *testing.T) {
	tests := map[string]string{
		"no blank line": "MESSAGE\nfoo:bar\x00",
		"no NUL":        "MESSAGE\n\nbody",
		"bad header":    "MESSAGE\nnocolon\n\n\x00",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame([]byte(raw))
			assert.Error(t, err)
		})
	}
}
