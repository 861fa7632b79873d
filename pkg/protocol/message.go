package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message is one logical USP message, text or binary.
//
// Path, RequestID, ContentType and Timestamp are always serialized; Headers
// holds any additional headers. A Message must not be mutated once it has
// been handed to Serialize.
type Message struct {
	Binary      bool
	Path        string
	RequestID   string
	Timestamp   time.Time
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// NewTextMessage builds a text message stamped with the current time.
func NewTextMessage(path, requestID, contentType string, body []byte) *Message {
	return &Message{
		Path:        path,
		RequestID:   requestID,
		Timestamp:   time.Now().UTC(),
		ContentType: contentType,
		Body:        body,
	}
}

// NewBinaryMessage builds a binary message stamped with the current time.
func NewBinaryMessage(path, requestID, contentType string, body []byte) *Message {
	m := NewTextMessage(path, requestID, contentType, body)
	m.Binary = true
	return m
}

// SetHeader sets an extra header. An empty (after trimming) value unsets it.
func (m *Message) SetHeader(name, value string) {
	if strings.TrimSpace(value) == "" {
		m.deleteHeader(name)
		return
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.deleteHeader(name)
	m.Headers[name] = value
}

// Header returns a header value using a case-insensitive name lookup,
// including the required headers.
func (m *Message) Header(name string) string {
	switch {
	case strings.EqualFold(name, HeaderPath):
		return m.Path
	case strings.EqualFold(name, HeaderRequestID):
		return m.RequestID
	case strings.EqualFold(name, HeaderContentType):
		return m.ContentType
	case strings.EqualFold(name, HeaderTimestamp) && !m.Timestamp.IsZero():
		return FormatTimestamp(m.Timestamp)
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Text returns the body as a string.
func (m *Message) Text() string {
	return string(m.Body)
}

func (m *Message) deleteHeader(name string) {
	for k := range m.Headers {
		if strings.EqualFold(k, name) {
			delete(m.Headers, k)
		}
	}
}

type headerField struct {
	name  string
	value string
}

// fields returns the headers in wire order: the required headers in
// canonical order, then extra headers sorted by name. Empty extras are skipped.
func (m *Message) fields() ([]headerField, error) {
	if strings.TrimSpace(m.Path) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredHeader, HeaderPath)
	}
	if strings.TrimSpace(m.RequestID) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredHeader, HeaderRequestID)
	}
	if strings.TrimSpace(m.ContentType) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredHeader, HeaderContentType)
	}
	if m.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredHeader, HeaderTimestamp)
	}
	out := make([]headerField, 0, 4+len(m.Headers))
	out = append(out,
		headerField{HeaderTimestamp, FormatTimestamp(m.Timestamp)},
		headerField{HeaderPath, m.Path},
		headerField{HeaderContentType, m.ContentType},
		headerField{HeaderRequestID, m.RequestID},
	)
	names := make([]string, 0, len(m.Headers))
	for k, v := range m.Headers {
		if isRequiredHeader(k) || strings.TrimSpace(v) == "" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, headerField{k, strings.TrimSpace(m.Headers[k])})
	}
	for _, f := range out {
		if strings.ContainsAny(f.name, "\r\n:") || strings.ContainsAny(f.value, "\r\n") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidHeaderValue, f.name)
		}
	}
	return out, nil
}

func headerBlockSize(fields []headerField) int {
	n := 0
	for _, f := range fields {
		n += len(f.name) + 1 + len(f.value) + 2
	}
	return n
}

// Size returns the exact serialized length of the message, or 0 when the
// message is missing a required header.
func (m *Message) Size() int {
	fields, err := m.fields()
	if err != nil {
		return 0
	}
	return m.size(headerBlockSize(fields))
}

// size adds two bytes to the header block: the length prefix for binary
// messages, the blank-line separator for text messages.
func (m *Message) size(headerBytes int) int {
	return headerBytes + 2 + len(m.Body)
}

// Serialize encodes the message into its wire representation.
//
// Text:   <headers>\r\n<body>
// Binary: <uint16 big-endian header length><headers><body>
//
// Each header line is "Name:Value\r\n". The binary length prefix counts the
// header lines only.
func (m *Message) Serialize() ([]byte, error) {
	fields, err := m.fields()
	if err != nil {
		return nil, err
	}
	headerBytes := headerBlockSize(fields)
	if m.Binary && headerBytes > 0xFFFF {
		return nil, ErrHeaderBlockTooLarge
	}
	buf := make([]byte, 0, m.size(headerBytes))
	if m.Binary {
		buf = append(buf, 0, 0)
	}
	for _, f := range fields {
		buf = append(buf, f.name...)
		buf = append(buf, ':')
		buf = append(buf, f.value...)
		buf = append(buf, '\r', '\n')
	}
	if m.Binary {
		binary.BigEndian.PutUint16(buf[:2], uint16(headerBytes))
	} else {
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, m.Body...)
	return buf, nil
}
