package push

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// STOMP commands used by the collector.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
	CmdReceipt     = "RECEIPT"
	CmdUnsubscribe = "UNSUBSCRIBE"
)

// Frame is a STOMP 1.2 frame. A frame with an empty Command is a heart-beat.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame creates a frame from alternating header keys and values.
func NewFrame(command string, body []byte, kv ...string) Frame {
	f := Frame{Command: command, Headers: make(map[string]string, len(kv)/2), Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns the value of header key, or "".
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// IsHeartbeat reports whether f carries no command.
func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// Encode renders f in wire format. Headers are written in sorted order.
func (f Frame) Encode() []byte {
	if f.IsHeartbeat() {
		return []byte("\n")
	}
	escape := f.Command != CmdConnect && f.Command != CmdConnected

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Headers[k]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
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

// ParseFrame decodes one frame. A payload made only of end-of-line bytes
// is a heart-beat.
func ParseFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	if len(trimmed) == 0 {
		return Frame{}, nil
	}

	head, body, ok := bytes.Cut(trimmed, []byte("\n\n"))
	if !ok {
		head, body, ok = bytes.Cut(trimmed, []byte("\r\n\r\n"))
	}
	if !ok {
		return Frame{}, errors.New("stomp: frame has no header terminator")
	}
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	} else {
		return Frame{}, errors.New("stomp: frame has no NUL terminator")
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	f := Frame{Command: lines[0], Headers: make(map[string]string, len(lines)-1)}
	unescape := f.Command != CmdConnect && f.Command != CmdConnected
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("stomp: malformed header %q", line)
		}
		if unescape {
			k, v = unescapeHeader(k), unescapeHeader(v)
		}
		// The first occurrence of a repeated header wins.
		if _, seen := f.Headers[k]; !seen {
			f.Headers[k] = v
		}
	}
	f.Body = append([]byte(nil), body...)
	return f, nil
}

var (
	headerEscaper   = strings.NewReplacer("\\", `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
	headerUnescaper = strings.NewReplacer(`\\`, "\\", `\r`, "\r", `\n`, "\n", `\c`, ":")
)

func escapeHeader(s string) string   { return headerEscaper.Replace(s) }
func unescapeHeader(s string) string { return headerUnescaper.Replace(s) }
