package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/go-ytdlp"

	"github.com/jupark12/go-extract-queue/logger"
)

const (
	ytdlpProgressInterval = 2 * time.Second
	ytdlpRetryDelay       = 2 * time.Second
)

// YtDLP downloads http(s) references with yt-dlp.
type YtDLP struct {
	dir         string
	maxRetries  int
	cookiesFile string
	log         logger.Logger
}

// YtDLPOption configures a YtDLP source.
type YtDLPOption func(*YtDLP)

// WithCookiesFile passes a Netscape cookies file to yt-dlp, for sources that
// need a signed-in session.
func WithCookiesFile(path string) YtDLPOption {
	return func(y *YtDLP) {
		y.cookiesFile = path
	}
}

// NewYtDLP creates a source writing into dir.
func NewYtDLP(dir string, maxRetries int, log logger.Logger, opts ...YtDLPOption) *YtDLP {
	y := &YtDLP{dir: dir, maxRetries: maxRetries, log: log}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *YtDLP) Name() string { return "yt-dlp" }

func (y *YtDLP) Accepts(sourceRef string) bool {
	u, err := url.Parse(sourceRef)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (y *YtDLP) Download(ctx context.Context, sourceRef string) (string, error) {
	if err := os.MkdirAll(y.dir, 0755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	// a unique prefix keeps two jobs on the same URL from sharing a file
	dl := y.command(uuid.NewString())
	dl.ProgressFunc(ytdlpProgressInterval, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes <= 0 {
			return
		}
		y.log.Debug("Download progress",
			logger.String("reference", redactReference(sourceRef)),
			logger.Int("percent", int(float64(update.DownloadedBytes)/float64(update.TotalBytes)*100)),
		)
	})

	result, err := y.runWithRetry(ctx, dl, sourceRef)
	if err != nil {
		return "", err
	}

	info, err := result.GetExtractedInfo()
	if err != nil {
		return "", fmt.Errorf("read yt-dlp output: %w", err)
	}
	if len(info) == 0 || info[0].Filename == nil || *info[0].Filename == "" {
		return "", errors.New("yt-dlp reported no output file")
	}
	return *info[0].Filename, nil
}

func (y *YtDLP) command(prefix string) *ytdlp.Command {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		Output(filepath.Join(y.dir, prefix+"-%(id)s.%(ext)s"))
	if y.cookiesFile != "" {
		dl.Cookies(y.cookiesFile)
	}
	return dl
}

func (y *YtDLP) runWithRetry(ctx context.Context, dl *ytdlp.Command, sourceRef string) (*ytdlp.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= y.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(ytdlpRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			y.log.Info("Retrying download",
				logger.String("reference", redactReference(sourceRef)),
				logger.Int("attempt", attempt+1),
			)
		}

		result, err := dl.Run(ctx, sourceRef)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("yt-dlp: %w", lastErr)
}
