package chatcore

import (
	"bytes"
	"fmt"
	"strings"
)

// ============================================================================
// STOMP-like Frame Codec
//
// The broker speaks a STOMP-style frame protocol over WebSocket text
// messages: a command line, header lines, a blank line, then the body,
// terminated by a NUL octet. A frame consisting of a single LF is a
// heartbeat.
// ============================================================================

// Frame commands.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
)

// Well-known header names.
const (
	hdrAcceptVersion = "accept-version"
	hdrVersion       = "version"
	hdrHeartBeat     = "heart-beat"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrMessage       = "message"
)

// Frame is one decoded broker frame. A heartbeat decodes to the zero Command.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// heartbeatFrame is the raw wire form of a heartbeat.
var heartbeatFrame = []byte("\n")

// IsHeartbeat reports whether the frame is a bare heartbeat.
func (f *Frame) IsHeartbeat() bool { return f.Command == "" }

func newFrame(command string) Frame {
	return Frame{Command: command, Headers: map[string]string{}}
}

// Header values escape LF, colon and backslash so header lines stay parseable.
var (
	headerEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ":", `\c`)
	headerUnescaper = strings.NewReplacer(`\n`, "\n", `\c`, ":", `\\`, `\`)
)

// Marshal encodes the frame to its wire form.
func (f *Frame) Marshal() []byte {
	if f.IsHeartbeat() {
		return heartbeatFrame
	}
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for k, v := range f.Headers {
		buf.WriteString(headerEscaper.Replace(k))
		buf.WriteByte(':')
		buf.WriteString(headerEscaper.Replace(v))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseFrame decodes one wire frame.
func ParseFrame(data []byte) (Frame, error) {
	// Heartbeats are a lone LF (some brokers send CRLF).
	trimmed := bytes.Trim(data, "\r\n")
	if len(trimmed) == 0 {
		return Frame{}, nil
	}

	data = bytes.TrimSuffix(data, []byte{0})
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return Frame{}, fmt.Errorf("malformed frame: missing header terminator")
	}

	lines := strings.Split(strings.TrimSuffix(string(head), "\r"), "\n")
	f := newFrame(strings.TrimSuffix(lines[0], "\r"))
	if f.Command == "" {
		return Frame{}, fmt.Errorf("malformed frame: empty command")
	}
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("malformed header line %q", line)
		}
		k = headerUnescaper.Replace(k)
		// First occurrence wins, per STOMP semantics.
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = headerUnescaper.Replace(v)
		}
	}
	f.Body = body
	return f, nil
}

// ============================================================================
// Frame constructors
// ============================================================================

func connectFrame(token string) Frame {
	f := newFrame(cmdConnect)
	f.Headers[hdrAcceptVersion] = "1.2"
	f.Headers[hdrHeartBeat] = "4000,4000"
	if token != "" {
		f.Headers[hdrAuthorization] = "Bearer " + token
	}
	return f
}

func subscribeFrame(id, destination string) Frame {
	f := newFrame(cmdSubscribe)
	f.Headers[hdrID] = id
	f.Headers[hdrDestination] = destination
	return f
}

func unsubscribeFrame(id string) Frame {
	f := newFrame(cmdUnsubscribe)
	f.Headers[hdrID] = id
	return f
}

func sendFrame(destination string, body []byte) Frame {
	f := newFrame(cmdSend)
	f.Headers[hdrDestination] = destination
	f.Headers[hdrContentType] = "application/json"
	f.Body = body
	return f
}
