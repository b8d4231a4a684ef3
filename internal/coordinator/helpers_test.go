package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"sentencemix/internal/analysis"
	"sentencemix/internal/downloader"
	"sentencemix/internal/media"
)

// recorder is a Sender that keeps everything it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Send(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return true
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) kinds() []string {
	var out []string
	for _, m := range r.all() {
		out = append(out, m.Kind)
	}
	return out
}

func (r *recorder) of(kind string) []Message {
	var out []Message
	for _, m := range r.all() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// fakeDownloader becomes ready after a successful EnsureDownloaded.
type fakeDownloader struct {
	mu      sync.Mutex
	ready   bool
	err     error
	ensures int
}

func (d *fakeDownloader) EnsureDownloaded(ctx context.Context, ids []media.VideoRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensures++
	if d.err != nil {
		return d.err
	}
	d.ready = true
	return nil
}

func (d *fakeDownloader) GetVideos(ids []media.VideoRef) ([]media.Video, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, &downloader.StatusError{ID: ids[0], Status: downloader.StatusUnknown}
	}
	videos := make([]media.Video, len(ids))
	for i, id := range ids {
		videos[i] = media.Video{ID: id, FullPath: id + ".full.mp4", LitePath: id + ".lite.mp4"}
	}
	return videos, nil
}

func (d *fakeDownloader) ensureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensures
}

// scriptedEngine answers every sentence with two combos, unless the sentence
// contains a word listed in ambiguous or failing. When gate is set, sentences
// containing "slow" signal entered and wait for gate to close.
type scriptedEngine struct {
	calls     atomic.Int32
	ambiguous []string
	failing   []string
	gate      chan struct{}
	entered   chan struct{}
}

func (e *scriptedEngine) Analyze(ctx context.Context, sentence, seed string, videoIDs []media.VideoRef) (media.AnalysisResult, error) {
	e.calls.Add(1)
	for _, w := range strings.Fields(sentence) {
		for _, a := range e.ambiguous {
			if w == a {
				return nil, &analysis.AmbiguityError{Word: w}
			}
		}
		for _, bad := range e.failing {
			if w == bad {
				return nil, errors.New("engine crashed")
			}
		}
		if w == "slow" && e.gate != nil {
			e.entered <- struct{}{}
			select {
			case <-e.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	n := float64(len(sentence))
	return media.AnalysisResult{
		{{VideoIndex: 0, Start: 0, End: n / 10}},
		{{VideoIndex: 0, Start: 1, End: 1 + n/10}, {VideoIndex: 0, Start: 2, End: 2.5}},
	}, nil
}

// fakeRenderer returns synthetic paths and remembers which previews exist.
type fakeRenderer struct {
	mu         sync.Mutex
	previews   int
	renders    int
	err        error
	cached     map[string]string
	lastRender []media.Phoneme
}

func (r *fakeRenderer) Preview(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews++
	if r.err != nil {
		return "", r.err
	}
	hash := media.ArtifactHash(media.IDs(videos), phonemes)
	path := "previews/" + hash + ".mp4"
	if r.cached == nil {
		r.cached = make(map[string]string)
	}
	r.cached[hash] = path
	return path, nil
}

func (r *fakeRenderer) Render(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders++
	if r.err != nil {
		return "", r.err
	}
	r.lastRender = append([]media.Phoneme(nil), phonemes...)
	return "renders/" + media.ArtifactHash(media.IDs(videos), phonemes) + ".mp4", nil
}

func (r *fakeRenderer) CachedPreview(ids []media.VideoRef, phonemes []media.Phoneme) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.cached[media.ArtifactHash(ids, phonemes)]
	return path, ok
}

type fixture struct {
	coord    *Coordinator
	dl       *fakeDownloader
	engine   *scriptedEngine
	cache    *analysis.Cache
	renderer *fakeRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dl:       &fakeDownloader{},
		engine:   &scriptedEngine{ambiguous: []string{"read", "lead"}},
		renderer: &fakeRenderer{},
	}
	f.cache = analysis.NewCache(f.engine, nil)
	t.Cleanup(f.cache.Close)
	var n atomic.Int32
	f.coord = New(f.dl, f.cache, f.renderer,
		WithIDGenerator(func() ClientID { return fmt.Sprintf("c%d", n.Add(1)) }),
		WithReadFile(func(path string) ([]byte, error) { return []byte(path), nil }),
	)
	t.Cleanup(f.coord.Close)
	return f
}

// gateSlow makes the engine block on sentences containing "slow" until the
// returned release func is called.
func (f *fixture) gateSlow(t *testing.T) (entered <-chan struct{}, release func()) {
	t.Helper()
	f.engine.gate = make(chan struct{})
	f.engine.entered = make(chan struct{}, 8)
	var once sync.Once
	release = func() { once.Do(func() { close(f.engine.gate) }) }
	t.Cleanup(release)
	return f.engine.entered, release
}

// connect registers a recording session.
func (f *fixture) connect() (ClientID, *recorder) {
	rec := &recorder{}
	return f.coord.Connect(rec), rec
}

// demo creates project "demo" owned by owner and waits for its download.
func (f *fixture) demo(t *testing.T, owner ClientID) {
	t.Helper()
	require.NoError(t, f.coord.CreateProject(owner, "demo", "4", []media.VideoRef{"v1"}))
	f.coord.Wait()
}

func mustJSON(t *testing.T, m Message) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}
