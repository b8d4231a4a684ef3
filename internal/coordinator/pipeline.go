package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"sentencemix/internal/analysis"
	"sentencemix/internal/downloader"
	"sentencemix/internal/media"
)

var errNothingToExport = errors.New("no segment could be analyzed")

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// runDownload fetches a new project's videos and reports the outcome to its
// members.
func (c *Coordinator) runDownload(ctx context.Context, owner *ProjectState, p Project) {
	err := c.downloader.EnsureDownloaded(ctx, p.VideoRefs)
	if err != nil {
		c.log.Error("project download failed",
			slog.String("project", p.Name),
			slog.String("stage", StageDownload),
			slog.String("error", err.Error()))
		c.metrics.IncDownloads(DownloadFailed)
		c.broadcast(owner, downloadStatus(p.Name, DownloadFailed))
		return
	}
	c.metrics.IncDownloads(DownloadReady)
	c.broadcast(owner, downloadStatus(p.Name, DownloadReady))
}

// runPreview renders the preview of one segment. It ends with exactly one of
// PREVIEW, AMBIGUITY_TOKEN or PREVIEW_FAILED.
func (c *Coordinator) runPreview(ctx context.Context, owner *ProjectState, p Project, row int, seg Segment) {
	log := c.log.With(slog.String("project", p.Name), slog.Int("row", row))
	fail := func(stage string, err error) {
		log.Warn("preview failed", slog.String("stage", stage), slog.String("error", err.Error()))
		c.metrics.IncPipelineFailure(stage)
		c.broadcast(owner, previewFailed(row, stage, err))
	}

	videos, err := c.downloader.GetVideos(p.VideoRefs)
	if err != nil {
		if status, ok := downloader.IsNotReady(err); ok && status == downloader.StatusUnknown {
			// A failed batch reverts to unknown; ask again so a later edit
			// can succeed.
			c.spawn(func(ctx context.Context) { c.runDownload(ctx, owner, p) })
		}
		fail(StageDownload, err)
		return
	}

	combos, err := c.analyzer.Analyze(ctx, p.Seed, p.VideoRefs, seg.Sentence)
	if err != nil {
		var amb *analysis.AmbiguityError
		if errors.As(err, &amb) {
			log.Info("ambiguous sentence", slog.String("token", amb.Word))
			c.metrics.IncAmbiguities()
			c.broadcast(owner, ambiguityToken(row, amb.Word))
			return
		}
		fail(StageAnalysis, err)
		return
	}

	if int(seg.ComboIndex) >= len(combos) {
		fail(StageCombo, fmt.Errorf("combo %d out of %d", seg.ComboIndex, len(combos)))
		return
	}

	path, err := c.renderer.Preview(ctx, videos, combos[seg.ComboIndex])
	if err != nil {
		fail(StageRender, err)
		return
	}

	data, err := c.readFile(path)
	if err != nil {
		fail(StageRead, err)
		return
	}

	c.metrics.IncPreviews()
	log.Debug("preview ready", slog.String("path", path))
	c.broadcast(owner, preview(seg, base64.StdEncoding.EncodeToString(data)))
}

// runJoinPreviews sends a joining client every preview that is already
// available, as one batch that may be empty. Nothing is analyzed or rendered
// here.
func (c *Coordinator) runJoinPreviews(ctx context.Context, client ClientID, p Project) {
	items := make([]*PreviewItem, len(p.Segments))
	g, _ := errgroup.WithContext(ctx)
	for i, seg := range p.Segments {
		g.Go(func() error {
			combos, ok := c.analyzer.Lookup(p.Seed, p.VideoRefs, seg.Sentence)
			if !ok || int(seg.ComboIndex) >= len(combos) {
				return nil
			}
			path, ok := c.renderer.CachedPreview(p.VideoRefs, combos[seg.ComboIndex])
			if !ok {
				return nil
			}
			data, err := c.readFile(path)
			if err != nil {
				return nil
			}
			items[i] = &PreviewItem{Segment: seg, Data: base64.StdEncoding.EncodeToString(data)}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]PreviewItem, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, *it)
		}
	}
	c.log.Debug("sending cached previews",
		slog.String("project", p.Name),
		slog.String("session", client),
		slog.Int("previews", len(out)))
	c.sendTo(client, previews(out))
}

// runExport renders the concatenation of every segment's chosen combo.
// Ambiguous segments, and segments whose combo index is out of range, are
// left out.
func (c *Coordinator) runExport(ctx context.Context, owner *ProjectState, p Project) {
	log := c.log.With(slog.String("project", p.Name))
	fail := func(stage string, err error) {
		log.Warn("export failed", slog.String("stage", stage), slog.String("error", err.Error()))
		c.metrics.IncPipelineFailure(stage)
		c.broadcast(owner, exportFailed(stage, err))
	}

	chosen := make([]media.Combo, len(p.Segments))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range p.Segments {
		g.Go(func() error {
			combos, err := c.analyzer.Analyze(gctx, p.Seed, p.VideoRefs, seg.Sentence)
			if err != nil {
				var amb *analysis.AmbiguityError
				if errors.As(err, &amb) {
					log.Info("export skips ambiguous segment", slog.Int("row", i), slog.String("token", amb.Word))
					return nil
				}
				return fmt.Errorf("row %d: %w", i, err)
			}
			if int(seg.ComboIndex) >= len(combos) {
				log.Info("export skips segment without that combo", slog.Int("row", i), slog.Uint64("combo", uint64(seg.ComboIndex)))
				return nil
			}
			chosen[i] = combos[seg.ComboIndex]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fail(StageAnalysis, err)
		return
	}

	var phonemes []media.Phoneme
	var seconds float64
	for _, combo := range chosen {
		for _, ph := range combo {
			seconds += ph.Duration()
		}
		phonemes = append(phonemes, combo...)
	}
	if len(phonemes) == 0 {
		fail(StageCombo, errNothingToExport)
		return
	}

	videos, err := c.downloader.GetVideos(p.VideoRefs)
	if err != nil {
		fail(StageDownload, err)
		return
	}

	path, err := c.renderer.Render(ctx, videos, phonemes)
	if err != nil {
		fail(StageRender, err)
		return
	}

	data, err := c.readFile(path)
	if err != nil {
		fail(StageRead, err)
		return
	}

	c.metrics.IncExports()
	log.Info("export ready",
		slog.String("path", path),
		slog.Int("phonemes", len(phonemes)),
		slog.Float64("seconds", seconds))
	c.broadcast(owner, renderResult(SegmentsHash(p.Segments), base64.StdEncoding.EncodeToString(data)))
}
