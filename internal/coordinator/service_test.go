package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentencemix/internal/media"
)

func TestCreateProject_announces_and_joins_creator(t *testing.T) {
	f := newFixture(t)
	a, recA := f.connect()
	_, recB := f.connect()

	f.demo(t, a)

	kinds := recA.kinds()
	require.Len(t, kinds, 5)
	assert.Equal(t, []string{MsgNewProject, MsgJoinedUsers, MsgChangeProject}, kinds[:3])
	assert.ElementsMatch(t, []string{MsgPreviews, MsgUpdateDownloadStatus}, kinds[3:])
	assert.Equal(t, []string{MsgNewProject}, recB.kinds())

	joined := recA.of(MsgJoinedUsers)[0].Body.(UsersBody)
	assert.Empty(t, joined.Users)

	status := recA.of(MsgUpdateDownloadStatus)[0].Body.(DownloadStatusBody)
	assert.Equal(t, DownloadStatusBody{ProjectID: "demo", Status: DownloadReady}, status)

	members, err := f.coord.Members("demo")
	require.NoError(t, err)
	assert.Equal(t, []ClientID{a}, members)
	assert.Equal(t, 1, f.dl.ensureCount())
}

func TestCreateProject_duplicate_leaves_existing(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	f.coord.Wait()

	err := f.coord.CreateProject(a, "demo", "9", []media.VideoRef{"other"})
	assert.ErrorIs(t, err, ErrProjectAlreadyExists)

	p, ok := f.coord.Project("demo")
	require.True(t, ok)
	assert.Equal(t, "4", p.Seed)
	assert.Equal(t, []media.VideoRef{"v1"}, p.VideoRefs)
	assert.Equal(t, []Segment{{Sentence: "hello world"}}, p.Segments)
}

func TestCreateProject_requires_videos(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	assert.ErrorIs(t, f.coord.CreateProject(a, "demo", "4", nil), ErrEmptyURLs)
	assert.Equal(t, 0, f.coord.ProjectCount())
}

func TestCreateProject_download_failure_reported(t *testing.T) {
	f := newFixture(t)
	f.dl.err = errors.New("yt-dlp missing")
	a, rec := f.connect()
	f.demo(t, a)

	msgs := rec.of(MsgUpdateDownloadStatus)
	require.Len(t, msgs, 1)
	assert.Equal(t, DownloadFailed, msgs[0].Body.(DownloadStatusBody).Status)
}

func TestJoinProject(t *testing.T) {
	f := newFixture(t)
	a, recA := f.connect()
	b, recB := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, "hi"))
	f.coord.Wait()
	recA.reset()
	recB.reset()

	require.NoError(t, f.coord.JoinProject(b, "demo"))

	kinds := recB.kinds()
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, []string{MsgJoinedUsers, MsgChangeProject}, kinds[:2])
	assert.Equal(t, []ClientID{a}, recB.of(MsgJoinedUsers)[0].Body.(UsersBody).Users)

	assert.Equal(t, []string{MsgUserJoinedProject}, recA.kinds())
	assert.Equal(t, b, recA.of(MsgUserJoinedProject)[0].Body.(UserBody).User)

	t.Run("duplicate join", func(t *testing.T) {
		assert.ErrorIs(t, f.coord.JoinProject(b, "demo"), ErrUserAlreadyJoinedProject)
		members, err := f.coord.Members("demo")
		require.NoError(t, err)
		assert.Len(t, members, 2)
	})

	t.Run("unknown project", func(t *testing.T) {
		assert.ErrorIs(t, f.coord.JoinProject(b, "nope"), ErrProjectDoesNotExist)
	})
}

func TestJoinProject_sends_cached_previews_only(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	b, recB := f.connect()
	f.demo(t, a)

	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	f.coord.Wait()
	// Blank segments are never analyzed, so nothing is cached for this one.
	require.NoError(t, f.coord.CreateSegment("demo", 1, ""))

	calls := f.engine.calls.Load()
	previews := f.renderer.previews

	require.NoError(t, f.coord.JoinProject(b, "demo"))
	f.coord.Wait()

	msgs := recB.of(MsgPreviews)
	require.Len(t, msgs, 1)
	items := msgs[0].Body.(PreviewsBody).Previews
	require.Len(t, items, 1)
	assert.Equal(t, "hello world", items[0].Sentence)
	assert.NotEmpty(t, items[0].Data)

	assert.Equal(t, calls, f.engine.calls.Load(), "join never calls the engine")
	assert.Equal(t, previews, f.renderer.previews, "join never renders")
}

func TestJoinProject_sends_empty_preview_batch(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	b, recB := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, ""))

	require.NoError(t, f.coord.JoinProject(b, "demo"))
	f.coord.Wait()

	msgs := recB.of(MsgPreviews)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Body.(PreviewsBody).Previews)
	assert.JSONEq(t, `{"PREVIEWS":{"previews":[]}}`, mustJSON(t, msgs[0]))
}

func TestCreateSegment_bounds(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	f.demo(t, a)

	require.NoError(t, f.coord.CreateSegment("demo", 0, "one"))
	require.NoError(t, f.coord.CreateSegment("demo", 1, "three"))
	require.NoError(t, f.coord.CreateSegment("demo", 1, "two"))
	f.coord.Wait()

	for _, pos := range []int{-1, 4, 10} {
		assert.ErrorIs(t, f.coord.CreateSegment("demo", pos, "x"), ErrSegmentOutOfBounds, "position %d", pos)
	}
	assert.ErrorIs(t, f.coord.CreateSegment("nope", 0, "x"), ErrProjectDoesNotExist)

	p, _ := f.coord.Project("demo")
	assert.Equal(t, []Segment{{Sentence: "one"}, {Sentence: "two"}, {Sentence: "three"}}, p.Segments)

	require.NoError(t, f.coord.CreateSegment("demo", 3, "four"), "append at len")
	p, _ = f.coord.Project("demo")
	assert.Len(t, p.Segments, 4)
}

func TestPositionalOperations_bounds(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, "one"))
	require.NoError(t, f.coord.CreateSegment("demo", 1, "two"))
	f.coord.Wait()

	ops := map[string]func(pos int) error{
		"sentence": func(pos int) error { return f.coord.ModifySegmentSentence("demo", pos, "x") },
		"combo":    func(pos int) error { return f.coord.ModifySegmentComboIndex("demo", pos, 1) },
		"remove":   func(pos int) error { return f.coord.RemoveSegment("demo", pos) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			for _, pos := range []int{-1, 2, 5} {
				assert.ErrorIs(t, op(pos), ErrSegmentOutOfBounds, "position %d", pos)
			}
			p, _ := f.coord.Project("demo")
			assert.Equal(t, []Segment{{Sentence: "one"}, {Sentence: "two"}}, p.Segments)
		})
	}

	assert.ErrorIs(t, f.coord.RemoveSegment("nope", 0), ErrProjectDoesNotExist)
	assert.ErrorIs(t, f.coord.ModifySegmentSentence("nope", 0, "x"), ErrProjectDoesNotExist)
	assert.ErrorIs(t, f.coord.ModifySegmentComboIndex("nope", 0, 0), ErrProjectDoesNotExist)
}

func TestSegmentEdits_broadcast(t *testing.T) {
	f := newFixture(t)
	a, recA := f.connect()
	b, recB := f.connect()
	_, recC := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.JoinProject(b, "demo"))
	f.coord.Wait()
	recA.reset()
	recB.reset()
	recC.reset()

	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	require.NoError(t, f.coord.ModifySegmentSentence("demo", 0, "hello there"))
	require.NoError(t, f.coord.ModifySegmentComboIndex("demo", 0, 1))
	require.NoError(t, f.coord.RemoveSegment("demo", 0))
	f.coord.Wait()

	for _, rec := range []*recorder{recA, recB} {
		assert.Equal(t, NewSegmentBody{Segment: Segment{Sentence: "hello world"}, Row: 0}, rec.of(MsgNewSegment)[0].Body)
		assert.Equal(t, SentenceBody{Row: 0, Sentence: "hello there"}, rec.of(MsgChangeSentence)[0].Body)
		assert.Equal(t, ComboIndexBody{Row: 0, ComboIndex: 1}, rec.of(MsgChangeComboIndex)[0].Body)
		assert.Equal(t, RowBody{Row: 0}, rec.of(MsgRemoveSegment)[0].Body)
		assert.Len(t, rec.of(MsgPreview), 3)
	}
	assert.Empty(t, recC.all(), "non-members receive nothing")
}

func TestCreateSegment_blank_sentence_has_no_pipeline(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	rec.reset()

	require.NoError(t, f.coord.CreateSegment("demo", 0, "   "))
	f.coord.Wait()

	assert.Equal(t, []string{MsgNewSegment}, rec.kinds())
	assert.Equal(t, int32(0), f.engine.calls.Load())
}

func TestEndToEnd_demo(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	rec.reset()

	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	f.coord.Wait()

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, MsgNewSegment, kinds[0])
	assert.Equal(t, 0, rec.of(MsgNewSegment)[0].Body.(NewSegmentBody).Row)

	previews := rec.of(MsgPreview)
	ambiguities := rec.of(MsgAmbiguityToken)
	assert.Equal(t, 1, len(previews)+len(ambiguities), "exactly one outcome: %v", kinds)
	require.Len(t, previews, 1)

	item := previews[0].Body.(PreviewItem)
	assert.Equal(t, Segment{Sentence: "hello world"}, item.Segment)
	assert.NotEmpty(t, item.Data)
}

func TestPreview_ambiguity(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	rec.reset()

	require.NoError(t, f.coord.CreateSegment("demo", 0, "please read this"))
	f.coord.Wait()

	assert.Equal(t, []string{MsgNewSegment, MsgAmbiguityToken}, rec.kinds())
	assert.Equal(t, AmbiguityBody{Row: 0, Token: "read"}, rec.of(MsgAmbiguityToken)[0].Body)
	assert.Equal(t, 0, f.renderer.previews)
}

func TestPreview_reuses_analysis(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	f.demo(t, a)

	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	f.coord.Wait()
	require.NoError(t, f.coord.ModifySegmentComboIndex("demo", 0, 1))
	f.coord.Wait()
	require.NoError(t, f.coord.ModifySegmentComboIndex("demo", 0, 0))
	f.coord.Wait()

	assert.Equal(t, int32(1), f.engine.calls.Load())
	assert.Equal(t, uint64(1), f.cache.Stats().EngineCalls)
}

func TestPreview_failures_are_reported(t *testing.T) {
	t.Run("videos not downloaded", func(t *testing.T) {
		f := newFixture(t)
		f.dl.err = errors.New("offline")
		a, rec := f.connect()
		f.demo(t, a)
		rec.reset()
		f.dl.mu.Lock()
		f.dl.err = nil
		f.dl.mu.Unlock()

		require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
		f.coord.Wait()

		failed := rec.of(MsgPreviewFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, StageDownload, failed[0].Body.(PreviewFailedBody).Stage)
		assert.Empty(t, rec.of(MsgPreview))
		assert.Equal(t, 2, f.dl.ensureCount(), "never-downloaded videos are requested again")
		assert.Len(t, rec.of(MsgUpdateDownloadStatus), 1)
	})

	t.Run("combo out of range", func(t *testing.T) {
		f := newFixture(t)
		a, rec := f.connect()
		f.demo(t, a)
		require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
		f.coord.Wait()
		rec.reset()

		require.NoError(t, f.coord.ModifySegmentComboIndex("demo", 0, 7))
		f.coord.Wait()

		failed := rec.of(MsgPreviewFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, StageCombo, failed[0].Body.(PreviewFailedBody).Stage)
	})

	t.Run("render error", func(t *testing.T) {
		f := newFixture(t)
		f.renderer.err = errors.New("ffmpeg crashed")
		a, rec := f.connect()
		f.demo(t, a)
		rec.reset()

		require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
		f.coord.Wait()

		failed := rec.of(MsgPreviewFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, PreviewFailedBody{Row: 0, Stage: StageRender, Reason: "ffmpeg crashed"}, failed[0].Body)
	})
}

func TestPreview_uses_snapshot(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	rec.reset()

	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	require.NoError(t, f.coord.ModifySegmentSentence("demo", 0, "goodbye world"))
	f.coord.Wait()

	var sentences []string
	for _, m := range rec.of(MsgPreview) {
		sentences = append(sentences, m.Body.(PreviewItem).Sentence)
	}
	assert.ElementsMatch(t, []string{"hello world", "goodbye world"}, sentences)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	a, recA := f.connect()
	b, recB := f.connect()
	c, recC := f.connect()

	f.demo(t, a)
	require.NoError(t, f.coord.CreateProject(b, "second", "4", []media.VideoRef{"v1"}))
	require.NoError(t, f.coord.JoinProject(b, "demo"))
	require.NoError(t, f.coord.JoinProject(c, "second"))
	f.coord.Wait()
	recA.reset()
	recC.reset()

	f.coord.Disconnect(b)

	for _, name := range []string{"demo", "second"} {
		members, err := f.coord.Members(name)
		require.NoError(t, err)
		assert.NotContains(t, members, b)
	}
	assert.Equal(t, 2, f.coord.SessionCount())

	f.coord.Wait()
	assert.Equal(t, []Message{userLeft(b)}, recA.all())
	assert.Equal(t, []Message{userLeft(b)}, recC.all())

	recB.reset()
	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello world"))
	f.coord.Wait()
	assert.Empty(t, recB.all(), "disconnected session gets nothing")
	assert.NotEmpty(t, recA.of(MsgNewSegment))
}

func TestDeleteProject(t *testing.T) {
	f := newFixture(t)
	a, recA := f.connect()
	_, recB := f.connect()
	f.demo(t, a)
	recA.reset()
	recB.reset()

	require.NoError(t, f.coord.DeleteProject("demo"))
	assert.Equal(t, []Message{removeProject("demo")}, recA.all())
	assert.Empty(t, recB.all())

	assert.ErrorIs(t, f.coord.DeleteProject("demo"), ErrProjectDoesNotExist)
	assert.ErrorIs(t, f.coord.JoinProject(a, "demo"), ErrProjectDoesNotExist)
	assert.Empty(t, f.coord.ListProjects())
}

func TestLoadProject(t *testing.T) {
	f := newFixture(t)
	_, rec := f.connect()

	p := Project{
		Name:      "imported",
		Seed:      "7",
		VideoRefs: []media.VideoRef{"v1", "v2"},
		Segments:  []Segment{{Sentence: "a", ComboIndex: 1}},
	}
	require.NoError(t, f.coord.LoadProject(p))
	f.coord.Wait()

	assert.Equal(t, []string{MsgNewProject}, rec.kinds(), "loading does not join")
	got, ok := f.coord.Project("imported")
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Equal(t, 1, f.dl.ensureCount())

	assert.ErrorIs(t, f.coord.LoadProject(p), ErrProjectAlreadyExists)
}

func TestListProjects_omits_segments(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateProject(a, "alpha", "1", []media.VideoRef{"v2"}))
	require.NoError(t, f.coord.CreateSegment("demo", 0, "hi"))
	f.coord.Wait()

	list := f.coord.ListProjects()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "demo", list[1].Name)
	assert.Nil(t, list[1].Segments)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, "hello"))
	require.NoError(t, f.coord.CreateSegment("demo", 1, "lead on"))
	require.NoError(t, f.coord.CreateSegment("demo", 2, "world"))
	require.NoError(t, f.coord.ModifySegmentComboIndex("demo", 2, 1))
	f.coord.Wait()
	rec.reset()

	require.NoError(t, f.coord.Export("demo"))
	f.coord.Wait()

	results := rec.of(MsgRenderResult)
	require.Len(t, results, 1)
	body := results[0].Body.(RenderResultBody)
	p, _ := f.coord.Project("demo")
	assert.Equal(t, SegmentsHash(p.Segments), body.Hash)
	assert.NotEmpty(t, body.Data)

	// "hello" combo 0 (one phoneme) + "world" combo 1 (two phonemes); the
	// ambiguous segment is dropped.
	assert.Equal(t, []media.Phoneme{
		{VideoIndex: 0, Start: 0, End: 0.5},
		{VideoIndex: 0, Start: 1, End: 1.5},
		{VideoIndex: 0, Start: 2, End: 2.5},
	}, f.renderer.lastRender)

	assert.ErrorIs(t, f.coord.Export("nope"), ErrProjectDoesNotExist)
}

func TestExport_nothing_to_render(t *testing.T) {
	f := newFixture(t)
	a, rec := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.CreateSegment("demo", 0, "read"))
	f.coord.Wait()
	rec.reset()

	require.NoError(t, f.coord.Export("demo"))
	f.coord.Wait()

	failed := rec.of(MsgExportFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, StageCombo, failed[0].Body.(ExportFailedBody).Stage)
	assert.Equal(t, 0, f.renderer.renders)
}

func TestPipeline_results_stay_with_their_project(t *testing.T) {
	f := newFixture(t)
	entered, release := f.gateSlow(t)
	a, rec := f.connect()
	f.demo(t, a)

	require.NoError(t, f.coord.CreateSegment("demo", 0, "slow start"))
	<-entered
	require.NoError(t, f.coord.DeleteProject("demo"))
	rec.reset()
	require.NoError(t, f.coord.CreateProject(a, "demo", "9", []media.VideoRef{"v2"}))

	release()
	f.coord.Wait()

	assert.Empty(t, rec.of(MsgPreview), "preview of the deleted project")
	assert.Empty(t, rec.of(MsgPreviewFailed))
	assert.Len(t, rec.of(MsgUpdateDownloadStatus), 1, "only the new project's download")
	p, ok := f.coord.Project("demo")
	require.True(t, ok)
	assert.Empty(t, p.Segments)
}

func TestExport_failure_does_not_disturb_other_projects(t *testing.T) {
	f := newFixture(t)
	f.engine.failing = []string{"boom"}
	entered, release := f.gateSlow(t)
	a, rec := f.connect()
	f.demo(t, a)
	require.NoError(t, f.coord.LoadProject(Project{
		Name:      "exp",
		Seed:      "4",
		VideoRefs: []media.VideoRef{"v1"},
		Segments:  []Segment{{Sentence: "slow"}, {Sentence: "boom"}},
	}))
	require.NoError(t, f.coord.JoinProject(a, "exp"))
	f.coord.Wait()
	rec.reset()

	require.NoError(t, f.coord.Export("exp"))
	<-entered
	require.Eventually(t, func() bool { return len(rec.of(MsgExportFailed)) == 1 }, 5*time.Second, time.Millisecond)

	// "demo" shares the analysis key of the export's stalled segment.
	require.NoError(t, f.coord.CreateSegment("demo", 0, "slow"))
	require.Eventually(t, func() bool { return f.cache.Stats().Misses == 3 }, 5*time.Second, time.Millisecond)
	release()
	f.coord.Wait()

	assert.Empty(t, rec.of(MsgPreviewFailed))
	require.Len(t, rec.of(MsgPreview), 1)
	assert.Equal(t, "slow", rec.of(MsgPreview)[0].Body.(PreviewItem).Sentence)
	assert.Equal(t, StageAnalysis, rec.of(MsgExportFailed)[0].Body.(ExportFailedBody).Stage)
}

func TestSegmentsHash(t *testing.T) {
	a := []Segment{{Sentence: "hi", ComboIndex: 1}}
	assert.Equal(t, SegmentsHash(a), SegmentsHash([]Segment{{Sentence: "hi", ComboIndex: 1}}))
	assert.NotEqual(t, SegmentsHash(a), SegmentsHash([]Segment{{Sentence: "hi", ComboIndex: 2}}))
	assert.Len(t, SegmentsHash(nil), 64)
	assert.NotEqual(t,
		SegmentsHash([]Segment{{Sentence: "a1", ComboIndex: 0}}),
		SegmentsHash([]Segment{{Sentence: "a", ComboIndex: 10}}))
	assert.NotEqual(t,
		SegmentsHash([]Segment{{Sentence: "ab"}, {Sentence: "c"}}),
		SegmentsHash([]Segment{{Sentence: "a"}, {Sentence: "bc"}}))
}
