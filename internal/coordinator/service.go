// Package coordinator owns every project and session and applies client
// operations to them.
//
// All reads and writes of the Store and the Registry happen under one mutex,
// so operations are linearizable. Each operation validates, mutates and
// queues its first notifications while holding the lock; slow work
// (downloads, analysis, rendering) runs afterwards in detached pipelines that
// only see an immutable snapshot of the project taken at spawn time.
package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/logger"
	"sentencemix/internal/platform/metrics"
)

// Downloader makes source videos available.
type Downloader interface {
	EnsureDownloaded(ctx context.Context, ids []media.VideoRef) error
	GetVideos(ids []media.VideoRef) ([]media.Video, error)
}

// Analyzer resolves a sentence into phoneme combos.
type Analyzer interface {
	Analyze(ctx context.Context, seed string, videoIDs []media.VideoRef, sentence string) (media.AnalysisResult, error)
	Lookup(seed string, videoIDs []media.VideoRef, sentence string) (media.AnalysisResult, bool)
}

// Renderer produces content-addressed video artifacts.
type Renderer interface {
	Preview(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error)
	Render(ctx context.Context, videos []media.Video, phonemes []media.Phoneme) (string, error)
	CachedPreview(ids []media.VideoRef, phonemes []media.Phoneme) (string, bool)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = logger.Component(log, "coordinator") }
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIDGenerator sets the session id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *Coordinator) { c.registry = NewRegistry(gen) }
}

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithReadFile replaces the function used to read rendered artifacts.
func WithReadFile(fn func(path string) ([]byte, error)) Option {
	return func(c *Coordinator) { c.readFile = fn }
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	downloader Downloader
	analyzer   Analyzer
	renderer   Renderer
	log        *slog.Logger
	metrics    *metrics.Metrics
	readFile   func(path string) ([]byte, error)

	mu       sync.Mutex
	store    Store
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Coordinator with no projects and no sessions.
func New(dl Downloader, an Analyzer, rd Renderer, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		downloader: dl,
		analyzer:   an,
		renderer:   rd,
		log:        logger.Component(nil, "coordinator"),
		readFile:   readFile,
		store:      NewInMemoryStore(),
		registry:   NewRegistry(nil),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until every detached pipeline spawned so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels running pipelines and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Connect registers s and returns its session id.
func (c *Coordinator) Connect(s Sender) ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.registry.Add(s)
	c.log.Info("session connected", slog.String("session", id))
	return id
}

// Disconnect removes id from every project and from the registry in one
// step, then tells the remaining members of those projects.
func (c *Coordinator) Disconnect(id ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.Remove(id)
	seen := make(map[ClientID]struct{})
	var notify []ClientID
	var left []string
	for _, st := range c.store.List() {
		if !st.removeMember(id) {
			continue
		}
		left = append(left, st.Project.Name)
		for _, m := range st.Members {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				notify = append(notify, m)
			}
		}
	}
	c.log.Info("session disconnected", slog.String("session", id), slog.Any("projects", left))
	if len(notify) == 0 {
		return
	}
	c.spawn(func(context.Context) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.sendLocked(notify, userLeft(id))
	})
}

// ListProjects returns every project without segments, ordered by name.
func (c *Coordinator) ListProjects() []Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Coordinator) listLocked() []Project {
	states := c.store.List()
	out := make([]Project, 0, len(states))
	for _, st := range states {
		out = append(out, st.Project.Listing())
	}
	return out
}

// Project returns a snapshot of one project including its segments.
func (c *Coordinator) Project(name string) (Project, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.store.Get(name)
	if !ok {
		return Project{}, false
	}
	return st.Project.Clone(), true
}

// Members returns the clients editing name, in join order.
func (c *Coordinator) Members(name string) ([]ClientID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.store.Get(name)
	if !ok {
		return nil, ErrProjectDoesNotExist
	}
	return append([]ClientID(nil), st.Members...), nil
}

// SessionCount returns the number of connected sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Len()
}

// ProjectCount returns the number of projects.
func (c *Coordinator) ProjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// CreateProject stores a new empty project, announces it to everyone, makes
// client its first member and starts downloading its videos.
func (c *Coordinator) CreateProject(client ClientID, name, seed string, urls []media.VideoRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store.Get(name); exists {
		return ErrProjectAlreadyExists
	}
	if len(urls) == 0 {
		return ErrEmptyURLs
	}

	st := &ProjectState{Project: Project{
		Name:      name,
		Seed:      seed,
		VideoRefs: append([]media.VideoRef(nil), urls...),
	}}
	c.store.Put(st)
	c.log.Info("project created",
		slog.String("project", name),
		slog.String("seed", seed),
		slog.Any("videos", urls),
		slog.String("session", client))

	c.sendLocked(c.registry.IDs(), newProject(st.Project.Clone()))
	c.joinLocked(client, st)
	c.downloadLocked(st)
	return nil
}

// LoadProject imports a complete project. Nobody joins it.
func (c *Coordinator) LoadProject(p Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store.Get(p.Name); exists {
		return ErrProjectAlreadyExists
	}
	if len(p.VideoRefs) == 0 {
		return ErrEmptyURLs
	}

	st := &ProjectState{Project: p.Clone()}
	c.store.Put(st)
	c.log.Info("project loaded",
		slog.String("project", p.Name),
		slog.Int("segments", len(p.Segments)))

	c.sendLocked(c.registry.IDs(), newProject(st.Project.Clone()))
	c.downloadLocked(st)
	return nil
}

// DeleteProject removes name and tells its former members.
func (c *Coordinator) DeleteProject(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.store.Get(name)
	if !ok {
		return ErrProjectDoesNotExist
	}
	c.store.Delete(name)
	c.log.Info("project deleted", slog.String("project", name))
	c.sendLocked(st.Members, removeProject(name))
	return nil
}

// JoinProject adds client to name's editing set. The client privately gets
// the member list and a full snapshot, the other members are told, and
// previews that are already cached follow asynchronously.
func (c *Coordinator) JoinProject(client ClientID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.store.Get(name)
	if !ok {
		return ErrProjectDoesNotExist
	}
	if st.hasMember(client) {
		return ErrUserAlreadyJoinedProject
	}
	c.joinLocked(client, st)
	return nil
}

func (c *Coordinator) joinLocked(client ClientID, st *ProjectState) {
	others := append([]ClientID(nil), st.Members...)
	st.Members = append(st.Members, client)

	snapshot := st.Project.Clone()
	c.sendLocked([]ClientID{client}, joinedUsers(others))
	c.sendLocked([]ClientID{client}, changeProject(snapshot))
	c.sendLocked(others, userJoined(client))
	c.log.Info("session joined project",
		slog.String("project", snapshot.Name),
		slog.String("session", client),
		slog.Int("members", len(st.Members)))

	c.spawn(func(ctx context.Context) { c.runJoinPreviews(ctx, client, snapshot) })
}

// CreateSegment inserts a segment at position (0..=len).
func (c *Coordinator) CreateSegment(name string, position int, sentence string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.store.Get(name)
	if !ok {
		return ErrProjectDoesNotExist
	}
	segs := st.Project.Segments
	if position < 0 || position > len(segs) {
		return ErrSegmentOutOfBounds
	}

	seg := Segment{Sentence: sentence}
	segs = append(segs, Segment{})
	copy(segs[position+1:], segs[position:])
	segs[position] = seg
	st.Project.Segments = segs

	c.sendLocked(st.Members, newSegment(seg, position))
	if strings.TrimSpace(sentence) != "" {
		c.previewLocked(st, position)
	}
	return nil
}

// ModifySegmentSentence replaces the sentence at position (0..len).
func (c *Coordinator) ModifySegmentSentence(name string, position int, sentence string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.segmentLocked(name, position)
	if err != nil {
		return err
	}
	st.Project.Segments[position].Sentence = sentence
	c.sendLocked(st.Members, changeSentence(position, sentence))
	c.previewLocked(st, position)
	return nil
}

// ModifySegmentComboIndex selects another combo for the segment at position.
func (c *Coordinator) ModifySegmentComboIndex(name string, position int, index uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.segmentLocked(name, position)
	if err != nil {
		return err
	}
	st.Project.Segments[position].ComboIndex = index
	c.sendLocked(st.Members, changeComboIndex(position, index))
	c.previewLocked(st, position)
	return nil
}

// RemoveSegment deletes the segment at position; later rows shift down.
func (c *Coordinator) RemoveSegment(name string, position int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.segmentLocked(name, position)
	if err != nil {
		return err
	}
	segs := st.Project.Segments
	st.Project.Segments = append(segs[:position], segs[position+1:]...)
	c.sendLocked(st.Members, removeSegment(position))
	return nil
}

// Export renders the whole project and broadcasts the result to its members.
func (c *Coordinator) Export(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.store.Get(name)
	if !ok {
		return ErrProjectDoesNotExist
	}
	snapshot := st.Project.Clone()
	c.log.Info("export requested", slog.String("project", name), slog.Int("segments", len(snapshot.Segments)))
	c.spawn(func(ctx context.Context) { c.runExport(ctx, st, snapshot) })
	return nil
}

func (c *Coordinator) segmentLocked(name string, position int) (*ProjectState, error) {
	st, ok := c.store.Get(name)
	if !ok {
		return nil, ErrProjectDoesNotExist
	}
	if position < 0 || position >= len(st.Project.Segments) {
		return nil, ErrSegmentOutOfBounds
	}
	return st, nil
}

func (c *Coordinator) previewLocked(st *ProjectState, row int) {
	snapshot := st.Project.Clone()
	seg := snapshot.Segments[row]
	c.spawn(func(ctx context.Context) { c.runPreview(ctx, st, snapshot, row, seg) })
}

func (c *Coordinator) downloadLocked(st *ProjectState) {
	snapshot := st.Project.Clone()
	c.spawn(func(ctx context.Context) { c.runDownload(ctx, st, snapshot) })
}

// sendLocked queues msg for every id without blocking. Unknown ids are
// skipped. Caller must hold c.mu.
func (c *Coordinator) sendLocked(ids []ClientID, msg Message) {
	for _, id := range ids {
		s, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		delivered := s.Send(msg)
		c.metrics.ObserveDelivery(delivered)
		if !delivered {
			c.log.Warn("outbox full, message dropped",
				slog.String("session", id),
				slog.String("kind", msg.Kind))
		}
	}
}

// broadcast sends a pipeline result to the current members of owner. The
// result is dropped when owner has been deleted, even if a new project now
// holds the same name. Pipelines only compare owner; they never read it
// outside c.mu.
func (c *Coordinator) broadcast(owner *ProjectState, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.store.Get(owner.Project.Name)
	if !ok || st != owner {
		c.log.Debug("project gone, result dropped",
			slog.String("project", owner.Project.Name),
			slog.String("kind", msg.Kind))
		return
	}
	c.sendLocked(st.Members, msg)
}

// sendTo sends msg to a single session if it is still connected.
func (c *Coordinator) sendTo(id ClientID, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked([]ClientID{id}, msg)
}

// spawn runs fn as a tracked detached pipeline. A panic is logged and
// contained so that it cannot take down the process.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("pipeline panicked", slog.Any("panic", r))
			}
		}()
		fn(c.ctx)
	}()
}
