package receiver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/maildispatch/internal/queue"
	"github.com/busybox42/maildispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingObserver struct {
	ok, failed map[string]int
}

func (o *countingObserver) CommandHandled(command string, ok bool) {
	if ok {
		o.ok[command]++
	} else {
		o.failed[command]++
	}
}

func startServer(t *testing.T, opts ...func(*Server)) (*Server, *queue.Store, *Client) {
	t.Helper()
	bodies := storage.NewBodyStore(t.TempDir(), nil, 0, testLogger())
	store := queue.NewStore(queue.DefaultOptions(), bodies)

	srv := NewServer(store, Config{ShutdownTimeout: time.Second}, testLogger())
	for _, opt := range opts {
		opt(srv)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, store, client
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, map[string]string{"command": "stats"}, 0))
	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	data, err := ReadFrame(&buf, DefaultMaxLength)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"stats"}`, string(data))

	err = WriteFrame(&buf, map[string]string{"text": string(make([]byte, 32))}, 16)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, map[string]string{"text": "0123456789"}, 0))
	_, err = ReadFrame(&buf, 8)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFlexibleDecoding(t *testing.T) {
	var ids oneOrMany[FlexInt]
	require.NoError(t, json.Unmarshal([]byte(`3`), &ids))
	assert.Equal(t, oneOrMany[FlexInt]{3}, ids)
	require.NoError(t, json.Unmarshal([]byte(`[1,"2",3.0]`), &ids))
	assert.Equal(t, oneOrMany[FlexInt]{1, 2, 3}, ids)
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &ids))

	var addr AddressSpec
	require.NoError(t, json.Unmarshal([]byte(`"a@example.com"`), &addr))
	assert.Equal(t, "a@example.com", addr.Email)
	require.NoError(t, json.Unmarshal([]byte(`{"name":"A","email":"a@example.com"}`), &addr))
	assert.Equal(t, AddressSpec{Name: "A", Email: "a@example.com"}, addr)

	assert.Equal(t, "7", requestID(nil, 7))
	assert.Equal(t, "abc", requestID(json.RawMessage(`"abc"`), 7))
	assert.Equal(t, "12", requestID(json.RawMessage(`12`), 7))
}

func TestMailCommand(t *testing.T) {
	_, store, client := startServer(t)
	ctx := callCtx(t)

	prio := 5
	resp, err := client.Mail(ctx, MailRequest{
		Group: 7,
		Message: MessageSpec{
			Subject: "Hello {{name}}",
			Text:    "plain",
			HTML:    "<p>rich</p>",
			From:    &AddressSpec{Name: "News", Email: "news@example.com"},
			Headers: map[string]string{"X-Campaign": "spring"},
		},
		To: []ToSpec{
			{Email: "a@example.com", Name: "A", Parts: map[string]string{"name": "A"}},
			{Email: "b@example.com", Priority: &prio},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Message)
	assert.Equal(t, &Counts{All: 2, Queued: 2}, resp.Counts)

	msg, ok := store.Messages.Get(resp.Message.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2), msg.Tos)
	assert.Equal(t, "news@example.com", msg.Sender.Email)
	assert.Equal(t, map[string]string{"X-Campaign": "spring"}, msg.Headers())

	text, html, err := store.Messages.Body(ctx, resp.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
	assert.Equal(t, "<p>rich</p>", html)

	g, ok := store.Groups.Get(7)
	require.True(t, ok)
	assert.Equal(t, queue.StatusActive, g.Status)
	assert.Equal(t, int64(2), g.All)
	assert.Equal(t, int64(2), g.Wait)

	first, ok := store.Entries.Pop()
	require.True(t, ok)
	assert.Equal(t, "b@example.com", first.Email)
	second, ok := store.Entries.Pop()
	require.True(t, ok)
	assert.Equal(t, "a@example.com", second.Email)
	assert.Equal(t, queue.DefaultRetries, second.Retries)

	// a later mail may reference the stored message
	resp, err = client.Mail(ctx, MailRequest{
		Message: MessageSpec{ID: FlexInt(msg.ID)},
		To:      []ToSpec{{Email: "c@example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, resp.Message.ID)
	assert.Equal(t, 1, store.Entries.Len())
}

func TestMailValidation(t *testing.T) {
	_, store, client := startServer(t)
	ctx := callCtx(t)

	from := &AddressSpec{Email: "news@example.com"}
	valid := MessageSpec{Subject: "s", Text: "t", From: from}
	tooHigh := 1001

	cases := []struct {
		name   string
		fields map[string]any
		errMsg string
	}{
		{"unknown type", map[string]any{"type": "bulk", "message": valid, "to": []ToSpec{{Email: "a@x"}}}, `Unknown type "bulk"`},
		{"no recipients", map[string]any{"message": valid}, `at least one recipient`},
		{"missing email", map[string]any{"message": valid, "to": map[string]any{"name": "A"}}, `"email"`},
		{"priority range", map[string]any{"message": valid, "to": []ToSpec{{Email: "a@x", Priority: &tooHigh}}}, `"priority"`},
		{"no message", map[string]any{"to": []ToSpec{{Email: "a@x"}}}, `"message" is required`},
		{"no subject", map[string]any{"message": MessageSpec{Text: "t", From: from}, "to": []ToSpec{{Email: "a@x"}}}, `"subject"`},
		{"no body", map[string]any{"message": MessageSpec{Subject: "s", From: from}, "to": []ToSpec{{Email: "a@x"}}}, `"html" or "text"`},
		{"no sender", map[string]any{"message": MessageSpec{Subject: "s", Text: "t"}, "to": []ToSpec{{Email: "a@x"}}}, `"from"`},
		{"unknown message", map[string]any{"message": map[string]any{"id": 99}, "to": []ToSpec{{Email: "a@x"}}}, "message not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := tc.fields
			fields["id"] = "req-" + tc.name
			resp, err := client.Call(ctx, "mail", fields)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, "req-"+tc.name, resp.ID)
			assert.Contains(t, resp.Error, tc.errMsg)
		})
	}
	assert.Equal(t, 0, store.Entries.Len())
	assert.Equal(t, 0, store.Messages.Len())
}

func TestMailInactiveGroup(t *testing.T) {
	_, store, client := startServer(t)
	ctx := callCtx(t)

	_, err := store.Groups.Add(&queue.Group{ID: 3, Status: queue.StatusInactive})
	require.NoError(t, err)

	_, err = client.Mail(ctx, MailRequest{
		Group:   3,
		Message: MessageSpec{Subject: "s", Text: "t", From: &AddressSpec{Email: "n@example.com"}},
		To:      []ToSpec{{Email: "a@example.com"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")
	assert.Equal(t, 0, store.Messages.Len())
}

func TestMessageCommand(t *testing.T) {
	_, store, client := startServer(t)
	ctx := callCtx(t)

	resp, err := client.Call(ctx, "message", map[string]any{
		"message": map[string]any{
			"subject":  "s",
			"html":     "<b>x</b>",
			"sender":   map[string]string{"email": "n@example.com", "name": "N"},
			"reply-to": "r@example.com",
		},
	})
	require.NoError(t, err)
	msg, ok := store.Messages.Get(resp.Message.ID)
	require.True(t, ok)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "r@example.com", msg.ReplyTo.Email)
	assert.Equal(t, int64(0), msg.Tos)

	_, err = client.Call(ctx, "message", map[string]any{"message": "nope"})
	assert.Error(t, err)
}

func TestGroupAndStatusCommands(t *testing.T) {
	obs := &countingObserver{ok: map[string]int{}, failed: map[string]int{}}
	_, store, client := startServer(t, func(s *Server) { s.SetObserver(obs) })
	ctx := callCtx(t)

	store.Groups.Ensure(1)
	store.Groups.Ensure(2)

	groups, err := client.Groups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	resp, err := client.Call(ctx, "group", map[string]any{"group": 2})
	require.NoError(t, err)
	require.Contains(t, resp.Groups, "2")
	assert.Equal(t, int64(2), resp.Groups["2"].ID)

	g, err := client.SetStatus(ctx, 1, "paused")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPaused, g.Status)
	st, _ := store.Groups.Status(1)
	assert.Equal(t, queue.StatusPaused, st)

	_, err = client.SetStatus(ctx, 1, "sleeping")
	assert.Error(t, err)
	_, err = client.SetStatus(ctx, 42, "active")
	assert.ErrorContains(t, err, "group not found")

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Groups)

	_, err = client.Call(ctx, "reboot", nil)
	assert.ErrorContains(t, err, "Unknown command")

	assert.Equal(t, 1, obs.ok["status"])
	assert.Equal(t, 2, obs.failed["status"])
	assert.Equal(t, 1, obs.failed["reboot"])
}

func TestDefaultRequestID(t *testing.T) {
	srv, _, _ := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	for want := 1; want <= 2; want++ {
		require.NoError(t, WriteFrame(conn, map[string]string{"command": "stats"}, 0))
		data, err := ReadFrame(conn, DefaultMaxLength)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.Equal(t, string(rune('0'+want)), resp.ID)
	}

	// malformed JSON is answered, not fatal
	_, err = conn.Write([]byte{0, 0, 0, 1, '{'})
	require.NoError(t, err)
	data, err := ReadFrame(conn, DefaultMaxLength)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Invalid request")
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	srv, _, _ := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], DefaultMaxLength+1)
	_, err = conn.Write(prefix[:])
	require.NoError(t, err)

	_, err = ReadFrame(conn, DefaultMaxLength)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	srv, _, client := startServer(t)
	ctx := callCtx(t)

	_, err := client.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	_, err = client.Stats(ctx)
	assert.Error(t, err)
	_, err = net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	assert.Error(t, err)
}
