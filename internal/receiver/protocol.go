package receiver

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxLength is the largest frame accepted by default
const DefaultMaxLength = 999999

// ErrFrameTooLarge is returned for frames above the length limit
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// WriteFrame writes v as JSON prefixed with its 4 byte big-endian length
func WriteFrame(w io.Writer, v any, maxLength int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if maxLength > 0 && len(data) > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), maxLength)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length prefixed frame
func ReadFrame(r io.Reader, maxLength int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if maxLength > 0 && n > uint32(maxLength) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxLength)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// FlexInt accepts a JSON number or a numeric string
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || fl != float64(int64(fl)) {
			return fmt.Errorf("invalid integer %s", string(b))
		}
		v = int64(fl)
	}
	*f = FlexInt(v)
	return nil
}

// oneOrMany decodes either a single value or a list of values
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []T
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*o = list
		return nil
	}
	if string(b) == "null" {
		*o = nil
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

// requestID renders the client supplied id the way it is echoed back
func requestID(raw json.RawMessage, fallback int) string {
	if len(raw) == 0 || string(raw) == "null" {
		return strconv.Itoa(fallback)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// AddressSpec is a sender or reply-to address. A bare string is an email.
type AddressSpec struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a *AddressSpec) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = AddressSpec{Email: s}
		return nil
	}
	type plain AddressSpec
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return errors.New("address must be an object with an email field")
	}
	*a = AddressSpec(p)
	return nil
}

// MessageSpec describes a message inline or references a stored one by id
type MessageSpec struct {
	ID      FlexInt           `json:"id,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	From    *AddressSpec      `json:"from,omitempty"`
	Sender  *AddressSpec      `json:"sender,omitempty"`
	ReplyTo *AddressSpec      `json:"reply-to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ToSpec is one recipient of a mail command
type ToSpec struct {
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Parts    map[string]string `json:"parts,omitempty"`
	Priority *int              `json:"priority,omitempty"`
	After    *int64            `json:"after,omitempty"`
	Retries  *int              `json:"retries,omitempty"`
}

// Request is a decoded client command
type Request struct {
	ID      json.RawMessage    `json:"id,omitempty"`
	Command string             `json:"command"`
	Type    string             `json:"type,omitempty"`
	Group   json.RawMessage    `json:"group,omitempty"`
	Groups  oneOrMany[FlexInt] `json:"groups,omitempty"`
	Status  string             `json:"status,omitempty"`
	Message json.RawMessage    `json:"message,omitempty"`
	To      oneOrMany[ToSpec]  `json:"to,omitempty"`
}

// Counts reports the recipients of a mail command
type Counts struct {
	All    int `json:"all"`
	Queued int `json:"queued"`
}

// MessageRef identifies a stored message
type MessageRef struct {
	ID int64 `json:"id"`
}

// Response is sent for every request. Error is set on failure.
type Response struct {
	ID      string               `json:"id"`
	Error   string               `json:"error,omitempty"`
	Message *MessageRef          `json:"message,omitempty"`
	Counts  *Counts              `json:"counts,omitempty"`
	Groups  map[string]GroupView `json:"groups,omitempty"`
	Group   *GroupView           `json:"group,omitempty"`
	Stats   *StatsView           `json:"stats,omitempty"`
}

// Err returns the response error, if any
func (r *Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &CommandError{Message: r.Error}
}

// CommandError is a failure reported by the server
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}
