package transport

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// MaxMessageSize bounds a single message read from a stream.
const MaxMessageSize = 64 * 1024

// readMessage reads one SIP message from a stream, framing by Content-Length.
// Keep-alive CRLFs between messages are skipped.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var (
		msg           bytes.Buffer
		contentLength int
		started       bool
	)

	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			if err == bufio.ErrBufferFull {
				return nil, errtrace.Wrap(ErrMessageTooLarge)
			}
			return nil, errtrace.Wrap(err)
		}
		blank := len(bytes.TrimRight(line, "\r\n")) == 0
		if blank && !started {
			continue
		}
		started = true
		msg.Write(line)
		if msg.Len() > MaxMessageSize {
			return nil, errtrace.Wrap(ErrMessageTooLarge)
		}
		if blank {
			break
		}
		if n, ok := parseContentLength(line); ok {
			contentLength = n
		}
	}

	if contentLength > 0 {
		if msg.Len()+contentLength > MaxMessageSize {
			return nil, errtrace.Wrap(ErrMessageTooLarge)
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg.Write(body)
	}
	return msg.Bytes(), nil
}

func parseContentLength(line []byte) (int, bool) {
	name, value, ok := strings.Cut(string(line), ":")
	if !ok {
		return 0, false
	}
	name = strings.TrimSpace(name)
	if !strings.EqualFold(name, "Content-Length") && !strings.EqualFold(name, "l") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
