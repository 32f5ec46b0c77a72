package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/maildispatch/internal/logging"
	"github.com/busybox42/maildispatch/internal/queue"
)

// GroupView is a group as reported to clients
type GroupView = queue.Group

// StatsView reports queue depths
type StatsView struct {
	Queue    queue.TierStats `json:"queue"`
	Entries  int             `json:"entries"`
	Messages int             `json:"messages"`
	Groups   int             `json:"groups"`
}

// CommandObserver is notified after every handled command
type CommandObserver interface {
	CommandHandled(command string, ok bool)
}

// requestError is a validation failure reported back to the client
type requestError string

func (e requestError) Error() string { return string(e) }

func badRequest(format string, args ...any) error {
	return requestError(fmt.Sprintf(format, args...))
}

// handler executes decoded requests against the store
type handler struct {
	store       *queue.Store
	maxPriority int
	logger      *slog.Logger
	msgLogger   *logging.MessageLogger
	now         func() time.Time
}

func (h *handler) handle(ctx context.Context, data []byte, seq int) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(data, &probe)
		return &Response{ID: requestID(probe.ID, seq), Error: fmt.Sprintf("Invalid request: %v", err)}
	}

	resp := &Response{ID: requestID(req.ID, seq)}
	var err error
	switch req.Command {
	case "mail":
		err = h.mail(ctx, &req, resp)
	case "message":
		err = h.message(ctx, &req, resp)
	case "group":
		err = h.group(&req, resp)
	case "status":
		err = h.status(&req, resp)
	case "stats":
		err = h.stats(resp)
	default:
		err = requestError("Unknown command")
	}

	if err != nil {
		var re requestError
		if !errors.As(err, &re) {
			h.logger.Error("Command failed", "command", req.Command, "id", resp.ID, "error", err)
		}
		return &Response{ID: resp.ID, Error: err.Error()}
	}
	return resp
}

// newMessage validates an inline message and stores it with its bodies
func (h *handler) newMessage(ctx context.Context, spec *MessageSpec, senderField string) (int64, error) {
	if spec.Subject == "" {
		return 0, badRequest(`Value "message" must have "subject" field`)
	}
	if spec.Text == "" && spec.HTML == "" {
		return 0, badRequest(`Value "message" must have "html" or "text" field`)
	}
	sender := spec.From
	if senderField == "sender" {
		sender = spec.Sender
	}
	if sender == nil || sender.Email == "" {
		return 0, badRequest(`Value "message" field %q must be an object with "email" field`, senderField)
	}

	m := &queue.Message{
		Subject: spec.Subject,
		Sender:  queue.Address{Name: sender.Name, Email: sender.Email},
		Time:    h.now().Unix(),
	}
	if spec.ReplyTo != nil && spec.ReplyTo.Email != "" {
		m.ReplyTo = &queue.Address{Name: spec.ReplyTo.Name, Email: spec.ReplyTo.Email}
	}
	if len(spec.Headers) > 0 {
		m.Params = map[string]any{"headers": spec.Headers}
	}
	return h.store.Messages.Create(ctx, m, spec.Text, spec.HTML)
}

func decodeMessage(raw json.RawMessage) (*MessageSpec, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, badRequest(`Value "message" is required`)
	}
	var spec MessageSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, badRequest(`Value "message" must be dictionary type`)
	}
	return &spec, nil
}

func decodeGroup(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var id FlexInt
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, badRequest(`Value "group" must be an integer`)
	}
	if id < 0 {
		return 0, badRequest(`Value "group" must not be negative`)
	}
	return int64(id), nil
}

func (h *handler) message(ctx context.Context, req *Request, resp *Response) error {
	spec, err := decodeMessage(req.Message)
	if err != nil {
		return err
	}
	id, err := h.newMessage(ctx, spec, "sender")
	if err != nil {
		return err
	}
	resp.Message = &MessageRef{ID: id}
	return nil
}

func (h *handler) validateTo(to []ToSpec) error {
	if len(to) == 0 {
		return badRequest(`Value "to" must contain at least one recipient`)
	}
	for _, t := range to {
		if t.Email == "" {
			return badRequest(`Value "to" must have "email" field`)
		}
		if t.Priority != nil && (*t.Priority < 0 || *t.Priority > h.maxPriority) {
			return badRequest(`Value "priority" must be between 0 and %d`, h.maxPriority)
		}
		if t.Retries != nil && *t.Retries < 0 {
			return badRequest(`Value "retries" must not be negative`)
		}
	}
	return nil
}

func (h *handler) mail(ctx context.Context, req *Request, resp *Response) error {
	switch req.Type {
	case "", "single", "multiple":
	default:
		return badRequest("Unknown type %q", req.Type)
	}
	if err := h.validateTo(req.To); err != nil {
		return err
	}
	spec, err := decodeMessage(req.Message)
	if err != nil {
		return err
	}
	groupID, err := decodeGroup(req.Group)
	if err != nil {
		return err
	}

	if groupID > 0 {
		if g, ok := h.store.Groups.Get(groupID); ok && g.Status == queue.StatusInactive {
			return requestError(queue.ErrGroupInactive.Error())
		}
	}

	var messageID int64
	if spec.ID > 0 {
		if _, ok := h.store.Messages.Get(int64(spec.ID)); !ok {
			return badRequest("%v: %d", queue.ErrMessageNotFound, spec.ID)
		}
		messageID = int64(spec.ID)
	} else {
		if messageID, err = h.newMessage(ctx, spec, "from"); err != nil {
			return err
		}
	}

	var group *int64
	if groupID > 0 {
		if _, created := h.store.Groups.Ensure(groupID); created {
			h.logger.Info("Group created", "group", groupID)
		}
		group = &groupID
	}

	counts := &Counts{}
	now := h.now().Unix()
	for _, t := range req.To {
		e := &queue.Entry{
			Message: messageID,
			Group:   group,
			Email:   t.Email,
			Name:    t.Name,
			Parts:   t.Parts,
			After:   t.After,
			Retries: queue.DefaultRetries,
			Time:    now,
		}
		if t.Priority != nil {
			e.Priority = *t.Priority
		}
		if t.Retries != nil {
			e.Retries = *t.Retries
		}

		counts.All++
		if _, err := h.store.Enqueue(e); err != nil {
			h.logger.Warn("Entry rejected", "message", messageID, "email", t.Email, "error", err)
			continue
		}
		counts.Queued++
		h.msgLogger.LogQueued(logging.EntryContext{
			EntryID:   e.ID,
			MessageID: messageID,
			GroupID:   group,
			Email:     e.Email,
			Priority:  e.Priority,
			After:     e.After,
			Retries:   e.Retries,
		})
	}

	resp.Message = &MessageRef{ID: messageID}
	resp.Counts = counts
	return nil
}

func (h *handler) groupIDs(req *Request) ([]int64, error) {
	var ids []int64
	if len(req.Group) > 0 {
		var list oneOrMany[FlexInt]
		if err := json.Unmarshal(req.Group, &list); err != nil {
			return nil, badRequest(`Value "group" must be an integer or a list of integers`)
		}
		for _, id := range list {
			ids = append(ids, int64(id))
		}
	}
	for _, id := range req.Groups {
		ids = append(ids, int64(id))
	}
	return ids, nil
}

func (h *handler) group(req *Request, resp *Response) error {
	ids, err := h.groupIDs(req)
	if err != nil {
		return err
	}

	resp.Groups = make(map[string]GroupView)
	if len(ids) == 0 {
		for _, g := range h.store.Groups.All() {
			resp.Groups[strconv.FormatInt(g.ID, 10)] = g
		}
		return nil
	}
	for _, id := range ids {
		if g, ok := h.store.Groups.Get(id); ok {
			resp.Groups[strconv.FormatInt(id, 10)] = g
		}
	}
	return nil
}

func (h *handler) status(req *Request, resp *Response) error {
	id, err := decodeGroup(req.Group)
	if err != nil {
		return err
	}
	if id == 0 {
		return badRequest(`Value "group" is required`)
	}
	status, err := queue.ParseStatus(strings.ToLower(req.Status))
	if err != nil {
		return requestError(err.Error())
	}
	if err := h.store.Groups.SetStatus(id, status); err != nil {
		if errors.Is(err, queue.ErrGroupNotFound) {
			return requestError(err.Error())
		}
		return err
	}
	h.logger.Info("Group status changed", "group", id, "status", status)

	g, _ := h.store.Groups.Get(id)
	resp.Group = &g
	return nil
}

func (h *handler) stats(resp *Response) error {
	resp.Stats = &StatsView{
		Queue:    h.store.Entries.Stats(),
		Entries:  h.store.Entries.Len(),
		Messages: h.store.Messages.Len(),
		Groups:   len(h.store.Groups.All()),
	}
	return nil
}
