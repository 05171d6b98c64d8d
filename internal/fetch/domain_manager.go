package fetch

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// DomainManager spaces out requests per host and caches robots.txt groups.
type DomainManager struct {
	mu          sync.Mutex
	interval    time.Duration
	agent       string
	client      *http.Client
	limiters    map[string]*rate.Limiter
	robotsCache map[string]*robotstxt.Group
}

// NewDomainManager allows one request per interval for each host. A zero
// interval disables rate limiting.
func NewDomainManager(interval time.Duration, agent string, client *http.Client) *DomainManager {
	if client == nil {
		client = http.DefaultClient
	}
	return &DomainManager{
		interval:    interval,
		agent:       agent,
		client:      client,
		limiters:    make(map[string]*rate.Limiter),
		robotsCache: make(map[string]*robotstxt.Group),
	}
}

// Wait blocks until the host of targetURL may be contacted again.
func (d *DomainManager) Wait(ctx context.Context, targetURL string) error {
	if d.interval <= 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return err
	}

	d.mu.Lock()
	limiter, exists := d.limiters[u.Host]
	if !exists {
		// burst 1: the first request goes out immediately
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[u.Host] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}

// IsAllowed reports whether robots.txt permits fetching link. Hosts whose
// robots.txt cannot be fetched or parsed are treated as allowing everything.
func (d *DomainManager) IsAllowed(ctx context.Context, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}

	d.mu.Lock()
	group, exists := d.robotsCache[u.Host]
	d.mu.Unlock()
	if !exists {
		group = d.fetchRobots(ctx, u)
		d.mu.Lock()
		d.robotsCache[u.Host] = group
		d.mu.Unlock()
	}

	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (d *DomainManager) fetchRobots(ctx context.Context, u *url.URL) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.Scheme+"://"+u.Host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", d.agent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data.FindGroup(d.agent)
}
