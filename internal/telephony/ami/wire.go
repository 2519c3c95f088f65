package ami

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Frame is one manager-interface message: CRLF-separated "Key: Value" lines
// terminated by an empty line.
type Frame map[string]string

// Get returns a field value, tolerating header case differences.
func (f Frame) Get(key string) string {
	if v, ok := f[key]; ok {
		return v
	}
	for k, v := range f {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// IsResponse reports whether the frame answers an action.
func (f Frame) IsResponse() bool {
	return f.Get("Response") != ""
}

// IsEvent reports whether the frame is an unsolicited event.
func (f Frame) IsEvent() bool {
	return f.Get("Event") != ""
}

// readFrame reads one frame from the stream. io.EOF is returned unchanged
// so the caller can distinguish connection loss from malformed input.
func readFrame(r *bufio.Reader) (Frame, error) {
	frame := Frame{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(frame) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			// Banner or free-form output; ignore.
			continue
		}
		frame[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// writeAction serializes one action frame. Fields are written in sorted
// order after Action and ActionID so the output is deterministic.
func writeAction(w io.Writer, action, actionID string, fields map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", action)
	if actionID != "" {
		fmt.Fprintf(&b, "ActionID: %s\r\n", actionID)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, fields[k])
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("ami: write action %s: %w", action, err)
	}
	return nil
}
