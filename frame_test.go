package chatcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := sendFrame(destSendMessage, []byte(`{"roomId":"r-1","message":"hi"}`))

	parsed, err := ParseFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cmdSend, parsed.Command)
	assert.Equal(t, destSendMessage, parsed.Headers[hdrDestination])
	assert.Equal(t, "application/json", parsed.Headers[hdrContentType])
	assert.Equal(t, `{"roomId":"r-1","message":"hi"}`, string(parsed.Body))
}

func TestFrameHeartbeat(t *testing.T) {
	for _, raw := range []string{"\n", "\r\n"} {
		f, err := ParseFrame([]byte(raw))
		require.NoError(t, err)
		assert.True(t, f.IsHeartbeat())
	}
	hb := Frame{}
	assert.Equal(t, "\n", string(hb.Marshal()))
}

func TestFrameHeaderEscaping(t *testing.T) {
	f := newFrame(cmdSend)
	f.Headers["weird"] = "colon:and\nnewline"

	parsed, err := ParseFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "colon:and\nnewline", parsed.Headers["weird"])
}

func TestFrameFirstHeaderOccurrenceWins(t *testing.T) {
	raw := "MESSAGE\ndestination:/topic/chat/room/r-1\ndestination:/topic/chat/room/r-2\n\nbody\x00"

	parsed, err := ParseFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "/topic/chat/room/r-1", parsed.Headers[hdrDestination])
}

func TestFrameBodyMayContainBlankLines(t *testing.T) {
	f := sendFrame(destSendMessage, []byte("line one\n\nline two"))

	parsed, err := ParseFrame(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "line one\n\nline two", string(parsed.Body))
}

func TestFrameMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"no header terminator": "SEND\ndestination:/x\x00",
		"empty command":        "\n\n\x00",
		"bare header line":     "SEND\nnotaheader\n\n\x00",
	} {
		_, err := ParseFrame([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestConnectFrame(t *testing.T) {
	f := connectFrame("tok-123")
	assert.Equal(t, "Bearer tok-123", f.Headers[hdrAuthorization])
	assert.Equal(t, "1.2", f.Headers[hdrAcceptVersion])

	anon := connectFrame("")
	_, ok := anon.Headers[hdrAuthorization]
	assert.False(t, ok, "anonymous connects carry no Authorization header")
}

func TestRoomIDFromDestination(t *testing.T) {
	assert.Equal(t, "r-1", roomIDFromDestination(topicForRoom("r-1")))
	assert.Empty(t, roomIDFromDestination(destUserRooms))
	assert.Empty(t, roomIDFromDestination("/queue/something/else"))
}
