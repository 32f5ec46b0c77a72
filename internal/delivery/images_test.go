package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/maildispatch/internal/cache"
)

var testPNG = []byte("\x89PNG\r\n\x1a\nnot really a png")

type imageServer struct {
	*httptest.Server
	logoHits atomic.Int32
}

func startImageServer(t *testing.T) *imageServer {
	t.Helper()
	s := &imageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		s.logoHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(testPNG)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html></html>")
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

type mailPart struct {
	contentType string
	contentID   string
	body        []byte
}

func readParts(t *testing.T, raw []byte) []mailPart {
	t.Helper()
	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var parts []mailPart
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		ct, _, _ := strings.Cut(p.Header.Get("Content-Type"), ";")
		parts = append(parts, mailPart{contentType: ct, contentID: p.Header.Get("Content-Id"), body: body})
	}
}

func TestImageFetcherInline(t *testing.T) {
	srv := startImageServer(t)
	f := NewImageFetcher(ImageConfig{Timeout: 2 * time.Second}, "mx.example.com", testLogger())

	html := `<p><img src="` + srv.URL + `/logo.png"> <img alt="again" src='` + srv.URL + `/logo.png'>` +
		`<img src="` + srv.URL + `/missing.png"><IMG SRC=` + srv.URL + `/page></p>`

	out, images := f.Inline(context.Background(), html)
	require.Len(t, images, 1)
	assert.Equal(t, "image1@mx.example.com", images[0].ContentID)
	assert.Equal(t, "image/png", images[0].ContentType)
	assert.Equal(t, testPNG, images[0].Data)
	assert.Equal(t, int32(1), srv.logoHits.Load(), "repeated sources are fetched once")

	assert.Equal(t, 2, strings.Count(out, "cid:image1@mx.example.com"))
	assert.Contains(t, out, `src='cid:image1@mx.example.com'`)
	assert.Contains(t, out, srv.URL+"/missing.png", "failed downloads keep their source")
	assert.Contains(t, out, "SRC="+srv.URL+"/page", "non-image responses are not embedded")
}

func TestImageFetcherNoImages(t *testing.T) {
	f := NewImageFetcher(ImageConfig{}, "", testLogger())
	out, images := f.Inline(context.Background(), `<img src="cid:local"><p>plain</p>`)
	assert.Equal(t, `<img src="cid:local"><p>plain</p>`, out)
	assert.Empty(t, images)
}

func TestImageFetcherCache(t *testing.T) {
	srv := startImageServer(t)
	c := cache.NewMemory(cache.Config{})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	f := NewImageFetcher(ImageConfig{Timeout: 2 * time.Second, Cache: c}, "mx.example.com", testLogger())
	html := `<img src="` + srv.URL + `/logo.png">`

	for i := 0; i < 3; i++ {
		_, images := f.Inline(context.Background(), html)
		require.Len(t, images, 1)
		assert.Equal(t, testPNG, images[0].Data)
		assert.Equal(t, "image/png", images[0].ContentType)
	}
	assert.Equal(t, int32(1), srv.logoHits.Load())
}

func TestImageFetcherSizeLimit(t *testing.T) {
	srv := startImageServer(t)
	f := NewImageFetcher(ImageConfig{Timeout: 2 * time.Second, MaxSize: 4}, "mx.example.com", testLogger())

	_, err := f.fetch(context.Background(), srv.URL+"/logo.png")
	assert.ErrorIs(t, err, ErrImageTooLarge)
	_, err = f.fetch(context.Background(), srv.URL+"/page")
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestComposeRelatedImages(t *testing.T) {
	e, m := testEntry()
	images := []InlineImage{{ContentID: "image1@mx.example.com", ContentType: "image/png", Data: testPNG}}

	var buf bytes.Buffer
	_, err := testComposer().Compose(&buf, e, m, "Hi {{name}}", `<img src="cid:image1@mx.example.com">`, images...)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "multipart/alternative")
	assert.Contains(t, buf.String(), "multipart/related")

	parts := readParts(t, buf.Bytes())
	require.Len(t, parts, 3)
	assert.Equal(t, "text/plain", parts[0].contentType)
	assert.Equal(t, "Hi Jane", string(parts[0].body))
	assert.Equal(t, "text/html", parts[1].contentType)
	assert.Equal(t, "image/png", parts[2].contentType)
	assert.Equal(t, "<image1@mx.example.com>", parts[2].contentID)
	assert.Equal(t, testPNG, parts[2].body)

	// without a text part the related section is the whole body
	buf.Reset()
	_, err = testComposer().Compose(&buf, e, m, "", `<img src="cid:image1@mx.example.com">`, images...)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "multipart/alternative")
	assert.Len(t, readParts(t, buf.Bytes()), 2)
}

func TestSenderEmbedsImages(t *testing.T) {
	be := &relayBackend{}
	host, port := startRelay(t, be)
	srv := startImageServer(t)

	s := NewSender(Config{
		Host:         host,
		Port:         port,
		Timeout:      2 * time.Second,
		HeloName:     "mx.example.com",
		AttachImages: true,
		ImageTimeout: 2 * time.Second,
	}, staticBodies{text: "hi", html: `<img src="{{base}}/logo.png">`}, testLogger())

	e, m := testEntry()
	e.Parts["base"] = srv.URL
	_, err := s.Send(context.Background(), e, m, nil)
	require.NoError(t, err)

	be.mu.Lock()
	data := be.data
	be.mu.Unlock()

	parts := readParts(t, data)
	require.Len(t, parts, 3)
	assert.Contains(t, string(parts[1].body), "cid:image1@mx.example.com")
	assert.Equal(t, testPNG, parts[2].body)
}
