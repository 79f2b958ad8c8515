// Package stomp implements the subset of STOMP 1.2 the chat backend speaks
// over its WebSocket endpoint. Frames travel one-per-WebSocket-message, so
// no content-length framing is needed; every frame still carries the
// trailing NUL the protocol requires.
package stomp

import (
	"bytes"
	"fmt"
	"strings"
)

// Frame commands used by the backend.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdDisconnect  = "DISCONNECT"
	CmdError       = "ERROR"
)

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// Marshal renders the frame in wire form.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for k, v := range f.Headers {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes a wire-form frame. The trailing NUL is optional on input;
// some brokers omit it on heartbeat-adjacent frames.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	// Normalize CRLF line endings; bodies are JSON and never carry raw CRLF.
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		// A frame may legitimately have no body and no blank line if the
		// peer trimmed trailing newlines.
		head = bytes.TrimRight(data, "\n")
		body = nil
	}

	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("empty frame")
	}

	f := &Frame{
		Command: strings.TrimSpace(lines[0]),
		Headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		// First occurrence wins, per STOMP 1.2.
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = v
		}
	}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// NewConnect builds the client handshake frame. token is sent as an
// Authorization header when non-empty.
func NewConnect(host, token string) *Frame {
	h := map[string]string{
		"accept-version": "1.2",
		"host":           host,
		"heart-beat":     "0,0",
	}
	if token != "" {
		h["Authorization"] = "Bearer " + token
	}
	return &Frame{Command: CmdConnect, Headers: h}
}

// NewSubscribe builds a SUBSCRIBE frame for the given destination.
func NewSubscribe(id, destination string) *Frame {
	return &Frame{
		Command: CmdSubscribe,
		Headers: map[string]string{
			"id":          id,
			"destination": destination,
			"ack":         "auto",
		},
	}
}

// NewSend builds a SEND frame carrying a JSON body.
func NewSend(destination string, body []byte) *Frame {
	return &Frame{
		Command: CmdSend,
		Headers: map[string]string{
			"destination":  destination,
			"content-type": "application/json",
		},
		Body: body,
	}
}

// NewDisconnect builds the graceful teardown frame.
func NewDisconnect() *Frame {
	return &Frame{Command: CmdDisconnect, Headers: map[string]string{}}
}
