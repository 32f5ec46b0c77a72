package delivery

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/busybox42/maildispatch/internal/queue"
)

// ErrEmptyBody is returned for messages with neither a text nor an html part
var ErrEmptyBody = errors.New("message has no body")

// Composer builds RFC 5322 messages for entries
type Composer struct {
	hostname string
	now      func() time.Time
	newID    func() string
}

// NewComposer creates a composer that names hostname in Message-IDs
func NewComposer(hostname string) *Composer {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Composer{
		hostname: hostname,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Substitute replaces {{name}} placeholders with the entry's parts
func Substitute(s string, parts map[string]string) string {
	if len(parts) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(parts)*2)
	for k, v := range parts {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Compose writes the message for one entry to w and returns its
// Message-ID. Text and html together become multipart/alternative;
// a single part is written as a single inline body. Images are attached
// next to the html part in a multipart/related section.
func (c *Composer) Compose(w io.Writer, e *queue.Entry, msg *queue.Message, text, html string, images ...InlineImage) (string, error) {
	text = Substitute(text, e.Parts)
	html = Substitute(html, e.Parts)
	if text == "" && html == "" {
		return "", ErrEmptyBody
	}

	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{{Name: msg.Sender.Name, Address: msg.Sender.Email}})
	h.SetAddressList("To", []*mail.Address{{Name: e.Name, Address: e.Email}})
	if msg.ReplyTo != nil && msg.ReplyTo.Email != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Name: msg.ReplyTo.Name, Address: msg.ReplyTo.Email}})
	}
	if msg.Subject != "" {
		h.SetSubject(Substitute(msg.Subject, e.Parts))
	}

	messageID := fmt.Sprintf("%s-%d@%s", c.newID(), e.ID, c.hostname)
	h.SetMessageID(messageID)

	headers := msg.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if reservedHeader(k) {
			continue
		}
		h.SetText(k, Substitute(headers[k], e.Parts))
	}

	if html != "" && len(images) > 0 {
		return messageID, writeRelated(w, h, text, html, images)
	}
	if text != "" && html != "" {
		return messageID, writeAlternative(w, h, text, html)
	}

	if text != "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	} else {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	}
	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(body, text+html); err != nil {
		return "", fmt.Errorf("failed to write body: %w", err)
	}
	if err := body.Close(); err != nil {
		return "", fmt.Errorf("failed to close body: %w", err)
	}
	return messageID, nil
}

func writeAlternative(w io.Writer, h mail.Header, text, html string) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}

	for _, p := range []struct{ typ, body string }{{"text/plain", text}, {"text/html", html}} {
		var ph mail.InlineHeader
		ph.SetContentType(p.typ, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", p.typ, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("failed to write %s part: %w", p.typ, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

// writeRelated nests the html part and its images in multipart/related,
// inside multipart/alternative when there is a text part too
func writeRelated(w io.Writer, h mail.Header, text, html string, images []InlineImage) error {
	related := map[string]string{"type": "text/html"}
	h.Set("Mime-Version", "1.0")
	if text != "" {
		h.SetContentType("multipart/alternative", nil)
	} else {
		h.SetContentType("multipart/related", related)
	}
	root, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	rw := root
	if text != "" {
		if err := writeTextPart(root, "text/plain", text); err != nil {
			return err
		}
		var rh message.Header
		rh.SetContentType("multipart/related", related)
		if rw, err = root.CreatePart(rh); err != nil {
			return fmt.Errorf("failed to create related part: %w", err)
		}
	}

	if err := writeTextPart(rw, "text/html", html); err != nil {
		return err
	}
	for _, img := range images {
		var ih mail.InlineHeader
		ih.SetContentType(img.ContentType, nil)
		ih.SetContentDisposition("inline", nil)
		ih.Set("Content-Id", "<"+img.ContentID+">")
		ih.Set("Content-Transfer-Encoding", "base64")
		pw, err := rw.CreatePart(ih.Header)
		if err != nil {
			return fmt.Errorf("failed to create image part: %w", err)
		}
		if _, err := pw.Write(img.Data); err != nil {
			return fmt.Errorf("failed to write image part: %w", err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if rw != root {
		if err := rw.Close(); err != nil {
			return err
		}
	}
	return root.Close()
}

func writeTextPart(mw *message.Writer, typ, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(typ, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(ph.Header)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", typ, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", typ, err)
	}
	return pw.Close()
}

// reservedHeader reports headers the composer owns
func reservedHeader(k string) bool {
	switch strings.ToLower(k) {
	case "from", "to", "cc", "bcc", "reply-to", "subject", "date", "message-id",
		"mime-version", "content-type", "content-transfer-encoding":
		return true
	}
	return false
}

// composeBytes is a convenience wrapper used by the sender
func (c *Composer) composeBytes(e *queue.Entry, msg *queue.Message, text, html string, images []InlineImage) ([]byte, string, error) {
	var buf bytes.Buffer
	id, err := c.Compose(&buf, e, msg, text, html, images...)
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), id, nil
}
