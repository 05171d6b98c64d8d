package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go-ingest/internal/retry"
	"go-ingest/pkg/models"
)

// MinDocumentSize is the smallest body accepted as a document.
const MinDocumentSize = 1024

var pdfSignature = []byte("%PDF")

// ErrRobotsDisallowed is returned when robots.txt forbids the URL.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	Timeout       time.Duration
	UserAgent     string
	ProxyURL      string
	RateLimit     time.Duration
	RespectRobots bool
	// Client overrides the transport; ProxyURL is ignored when set.
	Client *http.Client
}

// HTTPFetcher downloads documents and images with plain GET requests.
type HTTPFetcher struct {
	client  *http.Client
	agent   string
	timeout time.Duration
	robots  bool
	domains *DomainManager
	log     *slog.Logger
}

func NewHTTPFetcher(opts HTTPOptions, log *slog.Logger) (*HTTPFetcher, error) {
	client := opts.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ProxyURL != "" {
			proxy, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
		}
		client = &http.Client{Transport: transport}
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPFetcher{
		client:  client,
		agent:   opts.UserAgent,
		timeout: opts.Timeout,
		robots:  opts.RespectRobots,
		domains: NewDomainManager(opts.RateLimit, opts.UserAgent, client),
		log:     log,
	}, nil
}

func (h *HTTPFetcher) Fetch(ctx context.Context, rec models.ResourceRecord, dst string) (Result, error) {
	if h.robots && !h.domains.IsAllowed(ctx, rec.ID) {
		return Result{}, retry.Permanent(fmt.Errorf("%w: %s", ErrRobotsDisallowed, rec.ID))
	}
	if err := h.domains.Wait(ctx, rec.ID); err != nil {
		return Result{}, err
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.ID, nil)
	if err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	if h.agent != "" {
		req.Header.Set("User-Agent", h.agent)
	}
	req.Header.Set("Accept", acceptFor(rec.Kind))

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, retry.Transient(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, rec.ID); err != nil {
		return Result{}, err
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	ext, err := payloadExt(rec, contentType)
	if err != nil {
		return Result{}, err
	}

	partial := PartialPath(dst, ext)
	head, size, err := writeBody(partial, resp.Body)
	if err != nil {
		os.Remove(partial)
		return Result{}, err
	}
	if err := validateBody(rec.Kind, head, size); err != nil {
		os.Remove(partial)
		return Result{}, err
	}

	h.log.Debug("fetched", "id", rec.ID, "content_type", contentType, "bytes", size)
	return Result{Partial: partial, Ext: ext, Size: size, Title: rec.Title}, nil
}

// checkStatus maps an HTTP status to nil, a transient or a permanent error.
func checkStatus(code int, rawURL string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := &HTTPError{StatusCode: code, URL: rawURL}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return retry.Transient(err)
	case code >= 500:
		return retry.Transient(err)
	default:
		// 404, 410, 401, 403, 451 and every other 4xx or 3xx left unfollowed
		return retry.Permanent(err)
	}
}

func acceptFor(kind models.Kind) string {
	switch kind {
	case models.Image:
		return "image/jpeg,image/png,image/*;q=0.8"
	case models.Document:
		return "application/pdf,*/*;q=0.8"
	default:
		return "*/*"
	}
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}

var imageExts = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

// payloadExt picks the file extension and rejects responses that cannot be
// the requested kind.
func payloadExt(rec models.ResourceRecord, contentType string) (string, error) {
	switch rec.Kind {
	case models.Document:
		if strings.Contains(contentType, "html") || strings.Contains(contentType, "json") {
			return "", retry.Permanent(fmt.Errorf("%w: content type %s", ErrMalformed, contentType))
		}
		return "pdf", nil
	case models.Image:
		if ext, ok := imageExts[contentType]; ok {
			return ext, nil
		}
		switch ext := urlExt(rec.ID); ext {
		case "jpeg":
			return "jpg", nil
		case "jpg", "png":
			return ext, nil
		}
		return "", retry.Permanent(fmt.Errorf("%w: content type %q is not an image", ErrMalformed, contentType))
	default:
		return "", retry.Permanent(fmt.Errorf("http fetcher cannot handle kind %s", rec.Kind))
	}
}

// headWriter keeps the first bytes written through it and remembers write
// failures so they can be told apart from read failures.
type headWriter struct {
	w    io.Writer
	head []byte
	werr error
}

func (h *headWriter) Write(p []byte) (int, error) {
	if need := len(pdfSignature) - len(h.head); need > 0 {
		h.head = append(h.head, p[:min(need, len(p))]...)
	}
	n, err := h.w.Write(p)
	if err != nil {
		h.werr = err
	}
	return n, err
}

func writeBody(partial string, body io.Reader) ([]byte, int64, error) {
	f, err := os.Create(partial)
	if err != nil {
		return nil, 0, &IOError{Op: "create", Err: err}
	}
	hw := &headWriter{w: f}
	n, err := io.Copy(hw, body)
	if cerr := f.Close(); cerr != nil && err == nil {
		return nil, n, &IOError{Op: "close", Err: cerr}
	}
	if err != nil {
		if hw.werr != nil {
			return nil, n, &IOError{Op: "write", Err: err}
		}
		return nil, n, retry.Transient(fmt.Errorf("read body: %w", err))
	}
	return hw.head, n, nil
}

func validateBody(kind models.Kind, head []byte, size int64) error {
	switch kind {
	case models.Document:
		if size < MinDocumentSize {
			return retry.Permanent(fmt.Errorf("%w: %d bytes is too small for a document", ErrMalformed, size))
		}
		if !bytes.HasPrefix(head, pdfSignature) {
			return retry.Permanent(fmt.Errorf("%w: missing %%PDF signature", ErrMalformed))
		}
	case models.Image:
		if size == 0 {
			return retry.Permanent(fmt.Errorf("%w: empty image", ErrMalformed))
		}
	}
	return nil
}
