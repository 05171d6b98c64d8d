package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"go-ingest/internal/logging"
	"go-ingest/internal/retry"
	"go-ingest/pkg/models"
)

// VideoFormat is yt-dlp format 18: 360p mp4 with audio in a single file.
const VideoFormat = "18"

// permanentMarkers are yt-dlp stderr fragments that no retry will fix.
var permanentMarkers = []string{
	"video unavailable",
	"private video",
	"removed",
	"account associated",
	"copyright",
	"http error 404",
	"unsupported url",
	"sign in to confirm your age",
}

// ProxyFunc returns the proxy URL for one attempt, or "" for a direct
// connection.
type ProxyFunc func() string

// Oxylabs builds residential proxy URLs with a fresh session per call so
// each attempt leaves from a different exit node.
type Oxylabs struct {
	Username string
	Password string
	Endpoint string
	Port     int
}

func (o Oxylabs) ProxyURL() string {
	session := rand.IntN(100000) + 1
	return fmt.Sprintf("http://%s-%d:%s@%s:%d", o.Username, session, o.Password, o.Endpoint, o.Port)
}

// Runner executes one yt-dlp download and returns its stderr.
type Runner func(ctx context.Context, proxy, output, videoURL string) (string, error)

// VideoFetcher downloads videos with yt-dlp.
type VideoFetcher struct {
	timeout time.Duration
	proxy   ProxyFunc
	run     Runner
	log     *slog.Logger
}

// NewVideoFetcher uses go-ytdlp unless run is non-nil. proxy may be nil.
func NewVideoFetcher(timeout time.Duration, proxy ProxyFunc, run Runner, log *slog.Logger) *VideoFetcher {
	if run == nil {
		run = runYtDlp
	}
	if log == nil {
		log = slog.Default()
	}
	return &VideoFetcher{timeout: timeout, proxy: proxy, run: run, log: log}
}

func runYtDlp(ctx context.Context, proxy, output, videoURL string) (string, error) {
	dl := ytdlp.New().
		Format(VideoFormat).
		NoPlaylist().
		WriteInfoJSON().
		WriteThumbnail().
		EmbedChapters().
		Output(output)
	if proxy != "" {
		dl = dl.Proxy(proxy)
	}
	res, err := dl.Run(ctx, videoURL)
	if res != nil {
		return res.Stderr, err
	}
	return "", err
}

func (v *VideoFetcher) Fetch(ctx context.Context, rec models.ResourceRecord, dst string) (Result, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	proxy := ""
	if v.proxy != nil {
		proxy = v.proxy()
		v.log.Debug("using proxy", "id", rec.ID, "proxy", logging.RedactURL(proxy))
	}

	stderr, err := v.run(ctx, proxy, dst+".%(ext)s", rec.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return Result{}, retry.Transient(fmt.Errorf("yt-dlp timed out: %w", ctxErr))
			}
			return Result{}, ctxErr
		}
		return Result{}, classifyYtDlp(stderr, err)
	}

	return collectVideo(dst)
}

// classifyYtDlp decides from stderr whether a failed download is worth
// another attempt through a fresh proxy session.
func classifyYtDlp(stderr string, err error) error {
	msg := lastLine(stderr)
	if msg == "" {
		msg = err.Error()
	}
	wrapped := fmt.Errorf("yt-dlp: %s: %w", msg, err)

	lower := strings.ToLower(stderr + " " + err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return retry.Permanent(wrapped)
		}
	}
	return retry.Transient(wrapped)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// collectVideo finds what yt-dlp wrote next to dst and stages the video
// under its .part name.
func collectVideo(dst string) (Result, error) {
	matches, err := siblings(dst)
	if err != nil {
		return Result{}, &IOError{Op: "list output", Err: err}
	}

	var res Result
	var video string
	for _, m := range matches {
		switch {
		case strings.HasSuffix(m, ".part"), strings.HasSuffix(m, ".ytdl"):
			continue
		case strings.HasSuffix(m, ".info.json"):
			res.Sidecars = append(res.Sidecars, m)
			res.Title = readTitle(m)
		case isImage(m):
			res.Sidecars = append(res.Sidecars, m)
		default:
			video = m
		}
	}
	if video == "" {
		return Result{}, retry.Transient(errors.New("yt-dlp finished without writing a video file"))
	}

	res.Ext = strings.TrimPrefix(filepath.Ext(video), ".")
	res.Partial = PartialPath(dst, res.Ext)
	if err := os.Rename(video, res.Partial); err != nil {
		return Result{}, &IOError{Op: "stage video", Err: err}
	}
	info, err := os.Stat(res.Partial)
	if err != nil {
		return Result{}, &IOError{Op: "stat video", Err: err}
	}
	res.Size = info.Size()
	return res, nil
}

// siblings lists files in dst's directory that start with dst's base name
// followed by a dot.
func siblings(dst string) ([]string, error) {
	dir, base := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base+".") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}

func readTitle(infoPath string) string {
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return ""
	}
	var info struct {
		Title string `json:"title"`
	}
	if json.Unmarshal(data, &info) != nil {
		return ""
	}
	return info.Title
}
