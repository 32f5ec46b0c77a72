package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/maildispatch/internal/cache"
)

// Image download errors
var (
	ErrNotImage      = errors.New("not an image")
	ErrImageTooLarge = errors.New("image too large")
)

// maxImageFetches bounds concurrent downloads for one message
const maxImageFetches = 5

var imgSrcPattern = regexp.MustCompile(`(?is)<img\b[^>]*?\bsrc\s*=\s*['"]?(https?://[^>'"\s]+)`)

// InlineImage is an image embedded in the html part and referenced from it
// by a cid: URL
type InlineImage struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// ImageConfig configures remote image embedding
type ImageConfig struct {
	Timeout  time.Duration
	MaxSize  int64
	Cache    cache.Cache // optional, shared across messages
	CacheTTL time.Duration
}

// ImageFetcher downloads the remote images of an html body so they can be
// sent inline. Downloads of the same URL by concurrent deliveries are
// collapsed into one request.
type ImageFetcher struct {
	config ImageConfig
	domain string
	client *http.Client
	flight singleflight.Group
	logger *slog.Logger
}

// NewImageFetcher creates a fetcher naming domain in Content-IDs
func NewImageFetcher(config ImageConfig, domain string, logger *slog.Logger) *ImageFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 5 << 20
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	if domain == "" {
		domain = "localhost"
	}
	return &ImageFetcher{
		config: config,
		domain: domain,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With("component", "image-fetcher"),
	}
}

// Inline downloads every distinct remote <img> source of html and rewrites
// the sources that succeeded to cid: references. Failed downloads keep
// their original URL.
func (f *ImageFetcher) Inline(ctx context.Context, html string) (string, []InlineImage) {
	matches := imgSrcPattern.FindAllStringSubmatchIndex(html, -1)
	if len(matches) == 0 {
		return html, nil
	}

	var urls []string
	index := make(map[string]int)
	for _, m := range matches {
		u := html[m[2]:m[3]]
		if _, ok := index[u]; !ok {
			index[u] = len(urls)
			urls = append(urls, u)
		}
	}

	fetched := make([]*InlineImage, len(urls))
	var g errgroup.Group
	g.SetLimit(maxImageFetches)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			img, err := f.fetch(ctx, u)
			if err != nil {
				f.logger.Debug("Image not embedded", "url", u, "error", err)
				return nil
			}
			c := *img
			c.ContentID = fmt.Sprintf("image%d@%s", i+1, f.domain)
			fetched[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	var b strings.Builder
	last := 0
	for _, m := range matches {
		img := fetched[index[html[m[2]:m[3]]]]
		if img == nil {
			continue
		}
		b.WriteString(html[last:m[2]])
		b.WriteString("cid:" + img.ContentID)
		last = m[3]
	}
	b.WriteString(html[last:])

	var images []InlineImage
	for _, img := range fetched {
		if img != nil {
			images = append(images, *img)
		}
	}
	return b.String(), images
}

func imageCacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "image:" + hex.EncodeToString(sum[:])
}

// fetch returns the image at url from the cache or the network
func (f *ImageFetcher) fetch(ctx context.Context, url string) (*InlineImage, error) {
	key := imageCacheKey(url)
	if f.config.Cache != nil {
		if data, err := f.config.Cache.Get(ctx, key); err == nil {
			if ct, body, ok := bytes.Cut(data, []byte{'\n'}); ok {
				return &InlineImage{ContentType: string(ct), Data: body}, nil
			}
		}
	}

	v, err, _ := f.flight.Do(key, func() (any, error) {
		// the download outlives a cancelled delivery so waiters still get it
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.Timeout)
		defer cancel()
		return f.download(dctx, url)
	})
	if err != nil {
		return nil, err
	}
	img := v.(*InlineImage)

	if f.config.Cache != nil {
		entry := append([]byte(img.ContentType+"\n"), img.Data...)
		if err := f.config.Cache.Set(ctx, key, entry, f.config.CacheTTL); err != nil {
			f.logger.Debug("Failed to cache image", "url", url, "error", err)
		}
	}
	return img, nil
}

func (f *ImageFetcher) download(ctx context.Context, url string) (*InlineImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.config.MaxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, f.config.MaxSize)
	}
	return &InlineImage{ContentType: mediaType, Data: data}, nil
}
