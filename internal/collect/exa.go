package collect

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go-ingest/internal/fetch"
	"go-ingest/internal/retry"
	"go-ingest/pkg/models"
)

const ExaEndpoint = "https://api.exa.ai/search"

type exaRequest struct {
	Query         string `json:"query"`
	Type          string `json:"type"`
	NumResults    int    `json:"numResults"`
	Category      string `json:"category"`
	UseAutoprompt bool   `json:"useAutoprompt"`
}

// ExaResult is one search hit.
type ExaResult struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"publishedDate"`
	Author        string  `json:"author"`
}

type exaResponse struct {
	Results []ExaResult `json:"results"`
}

// ExaClient searches for PDF documents through the Exa API.
type ExaClient struct {
	APIKey   string
	Endpoint string
	HTTP     *http.Client
	Policy   retry.Policy
	log      *slog.Logger
}

func NewExaClient(apiKey string, policy retry.Policy, log *slog.Logger) *ExaClient {
	if log == nil {
		log = slog.Default()
	}
	if policy.Log == nil {
		policy.Log = log
	}
	return &ExaClient{
		APIKey:   apiKey,
		Endpoint: ExaEndpoint,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Policy:   policy,
		log:      log,
	}
}

// Search runs one neural PDF search, retrying transient failures.
func (c *ExaClient) Search(ctx context.Context, query string, n int) ([]ExaResult, error) {
	body, err := json.Marshal(exaRequest{
		Query:         query + " filetype:pdf",
		Type:          "neural",
		NumResults:    n,
		Category:      "pdf",
		UseAutoprompt: true,
	})
	if err != nil {
		return nil, err
	}

	var out exaResponse
	_, err = c.Policy.Do(ctx, 0, func(ctx context.Context, attempt int) error {
		out = exaResponse{}
		return c.post(ctx, body, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("exa search %q: %w", query, err)
	}
	return out.Results, nil
}

func (c *ExaClient) post(ctx context.Context, body []byte, out *exaResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return retry.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		herr := &fetch.HTTPError{StatusCode: resp.StatusCode, URL: c.Endpoint}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.Transient(herr)
		}
		return retry.Permanent(herr)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode exa response: %w", err))
	}
	return nil
}

// CollectPDFs searches every keyword of every set and keeps hits that look
// like direct PDF links. Failed searches are logged and skipped; URLs are
// de-duplicated across the run.
func (c *ExaClient) CollectPDFs(ctx context.Context, sets []KeywordSet, n int) ([]models.ResourceRecord, error) {
	seen := make(map[string]bool)
	var recs []models.ResourceRecord
	for _, set := range sets {
		for _, group := range set.Groups {
			category := models.ParseCategory(group.Category)
			for _, q := range group.Keywords {
				results, err := c.Search(ctx, q, n)
				if err != nil {
					if ctx.Err() != nil {
						return recs, ctx.Err()
					}
					c.log.Warn("search failed", "query", q, "error", err)
					continue
				}
				kept := 0
				for _, r := range results {
					if seen[r.URL] || !IsPDFURL(r.URL) {
						continue
					}
					seen[r.URL] = true
					kept++
					recs = append(recs, models.ResourceRecord{
						ID:       r.URL,
						Category: category,
						Kind:     models.Document,
						Title:    r.Title,
						Source:   set.Source,
					})
				}
				c.log.Info("search done", "query", q, "results", len(results), "pdfs", kept)
			}
		}
	}
	return recs, nil
}

// WriteResourceCSV writes records in the format ReadList accepts.
func WriteResourceCSV(path string, recs []models.ResourceRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"id", "category", "kind", "title", "source"})
	for _, r := range recs {
		w.Write([]string{r.ID, string(r.Category), r.Kind.String(), r.Title, r.Source})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
