package collect

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const (
	BingEndpoint     = "https://www.bing.com/images/async"
	BingPerPage      = 35
	BingMaxPages     = 5
	BingPageInterval = 1500 * time.Millisecond
)

// ImageRow is one line of the collected image list.
type ImageRow struct {
	BoilerType string
	Category   string
	ImageURL   string
}

// BingCollector scrapes image URLs from Bing image search result pages.
type BingCollector struct {
	Renderer Renderer
	Endpoint string
	MaxPages int
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewBingCollector(r Renderer, interval time.Duration, log *slog.Logger) *BingCollector {
	if log == nil {
		log = slog.Default()
	}
	return &BingCollector{
		Renderer: r,
		Endpoint: BingEndpoint,
		MaxPages: BingMaxPages,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		log:      log,
	}
}

// PageURL is the async results page for keyword at page (0-based).
func (b *BingCollector) PageURL(keyword string, page int) string {
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("first", fmt.Sprint(page*BingPerPage))
	q.Set("count", fmt.Sprint(BingPerPage))
	q.Set("adlt", "off")
	return b.Endpoint + "?" + q.Encode()
}

// Keyword collects image URLs for one search term. Page failures are
// logged and skipped.
func (b *BingCollector) Keyword(ctx context.Context, keyword string) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string
	for page := 0; page < b.MaxPages; page++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return urls, err
		}
		body, err := b.Renderer.Render(ctx, b.PageURL(keyword, page))
		if err != nil {
			if ctx.Err() != nil {
				return urls, ctx.Err()
			}
			b.log.Warn("bing page failed", "keyword", keyword, "page", page+1, "error", err)
			continue
		}
		found, err := ExtractImageURLs(strings.NewReader(body))
		if err != nil {
			b.log.Warn("bing page unparsable", "keyword", keyword, "page", page+1, "error", err)
			continue
		}
		for _, u := range found {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	return urls, nil
}

// Collect walks every keyword of every set. A URL is kept only the first
// time it is seen across the whole run.
func (b *BingCollector) Collect(ctx context.Context, sets []KeywordSet) ([]ImageRow, error) {
	all := make(map[string]bool)
	var rows []ImageRow
	for _, set := range sets {
		for _, group := range set.Groups {
			for _, kw := range group.Keywords {
				urls, err := b.Keyword(ctx, kw)
				if err != nil {
					return rows, err
				}
				fresh := 0
				for _, u := range urls {
					if all[u] {
						continue
					}
					all[u] = true
					fresh++
					rows = append(rows, ImageRow{BoilerType: set.Source, Category: group.Category, ImageURL: u})
				}
				b.log.Info("keyword collected", "source", set.Source, "category", group.Category, "keyword", kw, "new_urls", fresh)
			}
		}
	}
	return rows, nil
}

// ExtractImageURLs reads the "m" JSON attribute of every a.iusc element and
// returns the jpg/jpeg/png media URLs in document order.
func ExtractImageURLs(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var urls []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "iusc") {
			if m := attr(n, "m"); m != "" {
				var meta struct {
					MURL string `json:"murl"`
				}
				if json.Unmarshal([]byte(m), &meta) == nil && isWantedImage(meta.MURL) {
					urls = append(urls, meta.MURL)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return urls, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func isWantedImage(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".png")
}

// WriteImageCSV writes rows with the boiler_type,category,image_url header.
func WriteImageCSV(path string, rows []ImageRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"boiler_type", "category", "image_url"})
	for _, r := range rows {
		w.Write([]string{r.BoilerType, r.Category, r.ImageURL})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
