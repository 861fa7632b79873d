package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

var crlf = []byte("\r\n")

// Parse decodes a raw websocket frame into a Message. Failures are
// protocol violations (errorsx.ReasonProtocolViolation); they concern the
// single frame only.
func Parse(data []byte, isBinary bool) (*Message, error) {
	if isBinary {
		return parseBinary(data)
	}
	return parseText(data)
}

func parseText(data []byte) (*Message, error) {
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, violation(ErrMissingHeaderTerminator)
	}
	m := &Message{}
	// Include the last header's CRLF; the blank line follows it.
	if err := parseHeaderBlock(m, data[:end+2]); err != nil {
		return nil, err
	}
	m.Body = data[end+4:]
	return m, nil
}

func parseBinary(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, violation(ErrFrameTooShort)
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if 2+headerLen > len(data) {
		return nil, violation(fmt.Errorf("%w: %d > %d", ErrHeaderLengthOutOfRange, headerLen, len(data)-2))
	}
	m := &Message{Binary: true}
	if err := parseHeaderBlock(m, data[2:2+headerLen]); err != nil {
		return nil, err
	}
	m.Body = data[2+headerLen:]
	return m, nil
}

// parseHeaderBlock reads "Name:Value\r\n" lines until the block ends or a
// blank line is seen. Names are matched case-insensitively and may appear in
// any order; whitespace around names and values is trimmed.
func parseHeaderBlock(m *Message, block []byte) error {
	for len(block) > 0 {
		idx := bytes.Index(block, crlf)
		var line []byte
		if idx < 0 {
			line, block = block, nil
		} else {
			line, block = block[:idx], block[idx+2:]
		}
		if len(bytes.TrimSpace(line)) == 0 {
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return violation(fmt.Errorf("%w: %q", ErrMalformedHeader, line))
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if value == "" {
			continue
		}
		switch {
		case strings.EqualFold(name, HeaderPath):
			m.Path = value
		case strings.EqualFold(name, HeaderRequestID):
			m.RequestID = value
		case strings.EqualFold(name, HeaderContentType):
			m.ContentType = value
		case strings.EqualFold(name, HeaderTimestamp):
			ts, err := ParseTimestamp(value)
			if err != nil {
				// Dispatch does not need the timestamp; keep the raw value.
				m.SetHeader(name, value)
				continue
			}
			m.Timestamp = ts
		default:
			m.SetHeader(name, value)
		}
	}
	if m.Path == "" {
		return violation(fmt.Errorf("%w: %s", ErrMissingRequiredHeader, HeaderPath))
	}
	return nil
}
