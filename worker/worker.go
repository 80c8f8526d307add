// Package worker downloads source media and cuts the requested clip out of it.
// The dispatcher only sees ContentWorker; sources are picked per reference.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jupark12/go-extract-queue/logger"
)

// ErrUnsupportedSource is returned when no source accepts a reference.
var ErrUnsupportedSource = errors.New("unsupported source reference")

// ContentWorker is the download and transcode contract used by the dispatcher.
type ContentWorker interface {
	// Download fetches sourceRef and returns a local file path.
	Download(ctx context.Context, sourceRef string) (string, error)
	// Process cuts [start, end) out of localPath and returns the output path.
	Process(ctx context.Context, localPath string, start, end time.Duration) (string, error)
}

// Cleaner is implemented by workers that leave intermediate files behind.
type Cleaner interface {
	Cleanup(localPath string) error
}

// Source fetches one kind of reference.
type Source interface {
	Name() string
	Accepts(sourceRef string) bool
	Download(ctx context.Context, sourceRef string) (string, error)
}

// Processor turns a downloaded file into the final artifact.
type Processor interface {
	Process(ctx context.Context, localPath string, start, end time.Duration) (string, error)
}

// Router dispatches downloads to the first source accepting the reference and
// hands every file to one processor.
type Router struct {
	sources     []Source
	processor   Processor
	downloadDir string
	log         logger.Logger
}

// NewRouter creates a router. Files under downloadDir are considered
// intermediate and are removed by Cleanup.
func NewRouter(processor Processor, downloadDir string, log logger.Logger, sources ...Source) *Router {
	return &Router{
		sources:     sources,
		processor:   processor,
		downloadDir: downloadDir,
		log:         log,
	}
}

func (r *Router) Download(ctx context.Context, sourceRef string) (string, error) {
	for _, src := range r.sources {
		if !src.Accepts(sourceRef) {
			continue
		}
		r.log.Debug("Downloading source",
			logger.String("source", src.Name()),
			logger.String("reference", sourceRef),
		)
		path, err := src.Download(ctx, sourceRef)
		if err != nil {
			return "", fmt.Errorf("%s download: %w", src.Name(), err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, redactReference(sourceRef))
}

func (r *Router) Process(ctx context.Context, localPath string, start, end time.Duration) (string, error) {
	return r.processor.Process(ctx, localPath, start, end)
}

// Cleanup removes localPath when it was produced by a download. Files outside
// the download directory are user sources and stay.
func (r *Router) Cleanup(localPath string) error {
	if localPath == "" || r.downloadDir == "" || !within(r.downloadDir, localPath) {
		return nil
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove intermediate %s: %w", localPath, err)
	}
	return nil
}

func within(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// redactReference keeps error messages free of query strings, which may carry
// signed tokens.
func redactReference(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}
