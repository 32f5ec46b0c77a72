package queue

import "fmt"

// Status is the delivery state of a group
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusInactive Status = "inactive"
)

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPaused, StatusInactive:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Address is a display name and an email address
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is the shared content of a mailing. Bodies are kept in side
// storage and are not part of the record.
type Message struct {
	ID      int64          `json:"id"`
	Subject string         `json:"subject"`
	Sender  Address        `json:"sender"`
	ReplyTo *Address       `json:"reply_to,omitempty"`
	Time    int64          `json:"time"`
	Last    *int64         `json:"last,omitempty"`
	Tos     int64          `json:"tos"`
	Params  map[string]any `json:"params,omitempty"`
}

// Headers returns the custom headers stored in Params["headers"]
func (m *Message) Headers() map[string]string {
	out := make(map[string]string)
	switch h := m.Params["headers"].(type) {
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	case map[string]any:
		for k, v := range h {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func (m *Message) clone() *Message {
	c := *m
	if m.Last != nil {
		last := *m.Last
		c.Last = &last
	}
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		c.ReplyTo = &rt
	}
	return &c
}

// Entry is one recipient of a message waiting for delivery
type Entry struct {
	ID       int64             `json:"id"`
	Message  int64             `json:"message"`
	Group    *int64            `json:"group,omitempty"`
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Parts    map[string]string `json:"parts,omitempty"`
	Priority int               `json:"priority"`
	After    *int64            `json:"after,omitempty"`
	Retries  int               `json:"retries"`
	Time     int64             `json:"time"`
}

// GroupID returns the group id or 0 when the entry has no group
func (e *Entry) GroupID() int64 {
	if e.Group == nil {
		return 0
	}
	return *e.Group
}

func (e *Entry) inGroup(id int64) bool {
	return e.Group != nil && *e.Group == id
}

// DefaultRetries is assigned to entries admitted without a retry budget
const DefaultRetries = 1

// Group aggregates entries that are controlled together. Counters are
// statistics and are kept on a best effort basis.
type Group struct {
	ID      int64  `json:"id"`
	Status  Status `json:"status"`
	All     int64  `json:"all"`
	Wait    int64  `json:"wait"`
	Sending int64  `json:"sending"`
	Sent    int64  `json:"sent"`
	Errors  int64  `json:"errors"`
	Time    int64  `json:"time"`
}

// GroupDelta is applied to group counters with GroupRegistry.Adjust
type GroupDelta struct {
	All     int64
	Wait    int64
	Sending int64
	Sent    int64
	Errors  int64
}
