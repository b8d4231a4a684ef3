// Package downloader makes source videos locally available.
//
// Each video id moves through Unknown -> Pending -> Ready. A batch of ids is
// one unit: all ids become Pending together, and either all become Ready or
// all fall back to Unknown so that a later EnsureDownloaded retries them.
// Waiters are not queued; callers poll with GetVideos.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/logger"
)

// Status is the download state of one video id.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "never-downloaded"
	}
}

// StatusError is returned by GetVideos when an id is not ready.
type StatusError struct {
	ID     media.VideoRef
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("video %s is %s", e.ID, e.Status)
}

// Fetcher downloads a batch of videos into dir, one raw file per id named
// "<id>.<ext>".
type Fetcher interface {
	Fetch(ctx context.Context, dir string, ids []media.VideoRef) error
}

// Transcoder writes a derivative of src at dst. lite selects the reduced
// resolution used for previews.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, lite bool) error
}

// Downloader is safe for concurrent use.
type Downloader struct {
	dir        string
	fetcher    Fetcher
	transcoder Transcoder
	log        *slog.Logger

	mu     sync.Mutex
	states map[media.VideoRef]Status
	videos map[media.VideoRef]media.Video
}

// New returns a Downloader storing raw files in dir and derivatives in
// dir/derived.
func New(dir string, fetcher Fetcher, transcoder Transcoder, log *slog.Logger) *Downloader {
	return &Downloader{
		dir:        dir,
		fetcher:    fetcher,
		transcoder: transcoder,
		log:        logger.Component(log, "downloader"),
		states:     make(map[media.VideoRef]Status),
		videos:     make(map[media.VideoRef]media.Video),
	}
}

// EnsureDownloaded fetches and transcodes ids unless every one of them is
// already pending or ready. It blocks until the batch settles.
func (d *Downloader) EnsureDownloaded(ctx context.Context, ids []media.VideoRef) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if !validID(id) {
			return fmt.Errorf("invalid video id %q", id)
		}
	}

	if !d.claim(ids) {
		d.log.Debug("download already in flight or done", slog.Any("ids", ids))
		return nil
	}

	videos, err := d.download(ctx, ids)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		for _, id := range ids {
			d.states[id] = StatusUnknown
		}
		d.log.Error("download failed", slog.Any("ids", ids), slog.String("error", err.Error()))
		return err
	}
	for _, v := range videos {
		d.videos[v.ID] = v
		d.states[v.ID] = StatusReady
	}
	d.log.Info("videos ready", slog.Any("ids", ids))
	return nil
}

// claim marks the whole batch pending unless nothing in it is unknown.
func (d *Downloader) claim(ids []media.VideoRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	needed := false
	for _, id := range ids {
		if d.states[id] == StatusUnknown {
			needed = true
			break
		}
	}
	if !needed {
		return false
	}
	for _, id := range ids {
		d.states[id] = StatusPending
	}
	return true
}

func (d *Downloader) download(ctx context.Context, ids []media.VideoRef) ([]media.Video, error) {
	if err := os.MkdirAll(filepath.Join(d.dir, "derived"), 0o755); err != nil {
		return nil, fmt.Errorf("create videos directory: %w", err)
	}

	d.log.Info("downloading videos", slog.Any("ids", ids))
	if err := d.fetcher.Fetch(ctx, d.dir, ids); err != nil {
		return nil, err
	}

	videos := make([]media.Video, 0, len(ids))
	for _, id := range ids {
		raw, err := d.rawPath(id)
		if err != nil {
			return nil, err
		}
		v := media.Video{
			ID:       id,
			FullPath: filepath.Join(d.dir, "derived", id+".full.mp4"),
			LitePath: filepath.Join(d.dir, "derived", id+".lite.mp4"),
		}
		if err := d.transcoder.Transcode(ctx, raw, v.FullPath, false); err != nil {
			return nil, fmt.Errorf("transcode %s: %w", id, err)
		}
		if err := d.transcoder.Transcode(ctx, raw, v.LitePath, true); err != nil {
			return nil, fmt.Errorf("transcode %s (lite): %w", id, err)
		}
		videos = append(videos, v)
	}
	return videos, nil
}

// rawPath finds the file the fetcher wrote for id.
func (d *Downloader) rawPath(id media.VideoRef) (string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return "", fmt.Errorf("read videos directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".part") {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) != id {
			continue
		}
		return filepath.Join(d.dir, name), nil
	}
	return "", fmt.Errorf("downloaded video %s not found in %s", id, d.dir)
}

// GetVideos returns the ready videos for ids in request order. If any id is
// not ready it fails with a *StatusError for the first such id.
func (d *Downloader) GetVideos(ids []media.VideoRef) ([]media.Video, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	videos := make([]media.Video, 0, len(ids))
	for _, id := range ids {
		if st := d.states[id]; st != StatusReady {
			return nil, &StatusError{ID: id, Status: st}
		}
		videos = append(videos, d.videos[id])
	}
	return videos, nil
}

// IsNotReady reports whether err came from GetVideos for a video that is not
// ready yet, and returns that video's status.
func IsNotReady(err error) (Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return StatusUnknown, false
}

// validID rejects ids that cannot be used as a file name stem.
func validID(id media.VideoRef) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

func dedupe(ids []media.VideoRef) []media.VideoRef {
	seen := make(map[media.VideoRef]struct{}, len(ids))
	out := make([]media.VideoRef, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
