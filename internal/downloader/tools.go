package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/executil"
	"sentencemix/internal/platform/logger"
)

// YTDLP fetches videos with yt-dlp (or a compatible youtube-dl binary).
type YTDLP struct {
	binary   string
	attempts int
	backoff  time.Duration
	exec     executil.Executor
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewYTDLP returns a fetcher that tries each batch up to attempts times,
// waiting backoff*n before attempt n+1.
func NewYTDLP(binary string, attempts int, backoff time.Duration, exec executil.Executor, log *slog.Logger) (*YTDLP, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("fetch binary required")
	}
	if attempts < 1 {
		attempts = 1
	}
	if exec == nil {
		exec = executil.RealExecutor{}
	}
	return &YTDLP{
		binary:   binary,
		attempts: attempts,
		backoff:  backoff,
		exec:     exec,
		log:      logger.Component(log, "fetch"),
		sleep:    sleepContext,
	}, nil
}

// Fetch implements Fetcher.
func (y *YTDLP) Fetch(ctx context.Context, dir string, ids []media.VideoRef) error {
	args := []string{"--no-progress", "--paths", dir, "--output", "%(id)s.%(ext)s", "--"}
	args = append(args, ids...)

	var lastErr error
	for attempt := 1; attempt <= y.attempts; attempt++ {
		if attempt > 1 {
			if err := y.sleep(ctx, y.backoff*time.Duration(attempt-1)); err != nil {
				return err
			}
		}
		_, err := y.exec.Output(ctx, y.binary, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		y.log.Warn("fetch attempt failed",
			slog.Any("ids", ids),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", y.attempts),
			slog.String("error", err.Error()))
	}
	return fmt.Errorf("fetch %d video(s) after %d attempts: %w", len(ids), y.attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LiteWidth and LiteHeight are the dimensions of preview derivatives.
const (
	LiteWidth  = 64
	LiteHeight = 36
)

// FFmpeg transcodes source videos into H.264/AAC derivatives.
type FFmpeg struct {
	binary string
	exec   executil.Executor
}

// NewFFmpeg returns a transcoder using binary.
func NewFFmpeg(binary string, exec executil.Executor) (*FFmpeg, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ffmpeg binary required")
	}
	if exec == nil {
		exec = executil.RealExecutor{}
	}
	return &FFmpeg{binary: binary, exec: exec}, nil
}

// Transcode implements Transcoder. An existing dst is kept as is.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string, lite bool) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+filepath.Base(dst))
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", src}
	if lite {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:flags=neighbor", LiteWidth, LiteHeight))
	}
	args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart", tmp)

	if _, err := f.exec.Output(ctx, f.binary, args...); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename transcoded file: %w", err)
	}
	return nil
}
