// Package renderer turns phoneme sequences into playable MP4 files with
// ffmpeg. Artifacts are content-addressed: the output path is derived from the
// video set and the phoneme sequence, and an existing file is returned without
// re-rendering.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/executil"
	"sentencemix/internal/platform/logger"
)

// ErrEmptySequence is returned when there is nothing to render.
var ErrEmptySequence = errors.New("empty phoneme sequence")

const lockRetry = 50 * time.Millisecond

// Renderer is safe for concurrent use. Concurrent requests for one artifact
// are serialized by a lock file next to it, so only the first renders.
type Renderer struct {
	binary string
	dir    string
	exec   executil.Executor
	log    *slog.Logger
}

// New returns a Renderer writing under dir/previews and dir/renders.
func New(binary, dir string, exec executil.Executor, log *slog.Logger) (*Renderer, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ffmpeg binary required")
	}
	if exec == nil {
		exec = executil.RealExecutor{}
	}
	for _, sub := range []string{"previews", "renders"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create artifacts directory: %w", err)
		}
	}
	return &Renderer{
		binary: binary,
		dir:    dir,
		exec:   exec,
		log:    logger.Component(log, "renderer"),
	}, nil
}

// PreviewPath returns where the preview for (videos, phonemes) lives.
func (r *Renderer) PreviewPath(ids []media.VideoRef, phonemes []media.Phoneme) string {
	return filepath.Join(r.dir, "previews", media.ArtifactHash(ids, phonemes)+".mp4")
}

// RenderPath returns where the final render for (videos, phonemes) lives.
func (r *Renderer) RenderPath(ids []media.VideoRef, phonemes []media.Phoneme) string {
	return filepath.Join(r.dir, "renders", media.ArtifactHash(ids, phonemes)+".mp4")
}

// Preview renders phonemes from the reduced resolution derivatives.
func (r *Renderer) Preview(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error) {
	path := r.PreviewPath(media.IDs(videos), phonemes)
	return path, r.ensure(ctx, videos, phonemes, path, true)
}

// Render renders phonemes from the full resolution derivatives.
func (r *Renderer) Render(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error) {
	path := r.RenderPath(media.IDs(videos), phonemes)
	return path, r.ensure(ctx, videos, phonemes, path, false)
}

// CachedPreview reports an already rendered preview without rendering.
func (r *Renderer) CachedPreview(ids []media.VideoRef, phonemes []media.Phoneme) (string, bool) {
	path := r.PreviewPath(ids, phonemes)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (r *Renderer) ensure(ctx context.Context, videos []media.Video, phonemes []media.Phoneme, path string, lite bool) error {
	if len(phonemes) == 0 {
		return ErrEmptySequence
	}
	if exists(path) {
		return nil
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock artifact: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock artifact %s: not acquired", filepath.Base(path))
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn("failed to release artifact lock", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()

	// Another holder may have finished it while we waited.
	if exists(path) {
		return nil
	}

	args, err := buildArgs(videos, phonemes, lite)
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	args = append(args, tmp)

	start := time.Now()
	if _, err := r.exec.Output(ctx, r.binary, args...); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store artifact: %w", err)
	}
	r.log.Info("artifact rendered",
		slog.String("path", path),
		slog.Bool("lite", lite),
		slog.Int("phonemes", len(phonemes)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// buildArgs cuts every phoneme out of its source with trim/atrim and joins
// the pieces with the concat filter. The output path is appended by the
// caller.
func buildArgs(videos []media.Video, phonemes []media.Phoneme, lite bool) ([]string, error) {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}

	// One input per distinct source video actually used.
	inputs := make(map[int]int)
	for _, p := range phonemes {
		if p.VideoIndex < 0 || p.VideoIndex >= len(videos) {
			return nil, fmt.Errorf("phoneme references video %d of %d", p.VideoIndex, len(videos))
		}
		if p.Duration() < 0 {
			return nil, fmt.Errorf("phoneme span %v..%v is reversed", p.Start, p.End)
		}
		if _, ok := inputs[p.VideoIndex]; ok {
			continue
		}
		inputs[p.VideoIndex] = len(inputs)
		src := videos[p.VideoIndex].FullPath
		if lite {
			src = videos[p.VideoIndex].LitePath
		}
		args = append(args, "-i", src)
	}

	var filter strings.Builder
	var joined strings.Builder
	for i, p := range phonemes {
		in := inputs[p.VideoIndex]
		start := seconds(p.Start)
		end := seconds(p.End)
		fmt.Fprintf(&filter, "[%d:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d];", in, start, end, i)
		fmt.Fprintf(&filter, "[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];", in, start, end, i)
		fmt.Fprintf(&joined, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "%sconcat=n=%d:v=1:a=1[outv][outa]", joined.String(), len(phonemes))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[outv]", "-map", "[outa]",
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-f", "mp4",
	)
	return args, nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
