package submission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesuslovei/memory-check-drive/internal/archive"
	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/history"
	"github.com/jesuslovei/memory-check-drive/internal/ledger"
	"github.com/jesuslovei/memory-check-drive/internal/protocol"
	"github.com/jesuslovei/memory-check-drive/internal/transcribe"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

type stubProvider struct {
	text  string
	err   error
	calls int
	mu    sync.Mutex
}

func (p *stubProvider) Transcribe(context.Context, transcribe.Request) (transcribe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return transcribe.Result{Text: p.text}, p.err
}

type brokenStore struct{}

func (brokenStore) FindFolder(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("drive: 503 backend error")
}
func (brokenStore) CreateFolder(context.Context, string, string) (string, error) { return "", nil }
func (brokenStore) Upload(context.Context, archive.UploadRequest) (archive.File, error) {
	return archive.File{}, nil
}
func (brokenStore) SetPublicReadable(context.Context, string) error { return nil }

// stalledStore blocks every remote call until its context ends.
type stalledStore struct{}

func (stalledStore) FindFolder(ctx context.Context, _, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}
func (stalledStore) CreateFolder(ctx context.Context, _, _ string) (string, error) {
	return "", ctx.Err()
}
func (stalledStore) Upload(ctx context.Context, _ archive.UploadRequest) (archive.File, error) {
	<-ctx.Done()
	return archive.File{}, ctx.Err()
}
func (stalledStore) SetPublicReadable(context.Context, string) error { return nil }

type memHistory struct {
	entries []history.Entry
	err     error
}

func (m *memHistory) Record(_ context.Context, e history.Entry) error {
	m.entries = append(m.entries, e)
	return m.err
}

type memPublisher struct {
	events []protocol.SubmissionRecorded
	err    error
}

func (m *memPublisher) PublishSubmission(_ context.Context, evt protocol.SubmissionRecorded) error {
	m.events = append(m.events, evt)
	return m.err
}

type fixture struct {
	fs        afero.Fs
	provider  *stubProvider
	history   *memHistory
	publisher *memPublisher
	ledger    *ledger.Ledger
	svc       *Service
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, store archive.Store, transcript string, opts ...archive.Option) *fixture {
	t.Helper()

	c := catalog.New([]catalog.Verse{
		{ID: "V1", Text: map[string]string{"kr": "사랑은 오래 참고", "en": "love is patient"}},
		{ID: "V2", Text: map[string]string{"kr": "사랑은 온유하며", "en": "love is kind"}},
	}, catalog.Partition{})
	engine, err := verdict.NewEngine(c, nil, 0.85, []string{"kr", "en"})
	require.NoError(t, err)

	f := &fixture{
		fs:        afero.NewMemMapFs(),
		provider:  &stubProvider{text: transcript},
		history:   &memHistory{},
		publisher: &memPublisher{},
	}
	archiver := archive.NewArchiver(store, "", false, quietLogger(), opts...)
	f.ledger, err = ledger.New(f.fs, ledger.Options{Path: "data/submissions.csv", Mirror: true}, archiver, quietLogger())
	require.NoError(t, err)

	f.svc, err = NewService(Deps{
		Engine:    engine,
		Provider:  f.provider,
		Archiver:  archiver,
		Ledger:    f.ledger,
		History:   f.history,
		Publisher: f.publisher,
		FS:        f.fs,
		Clock:     clockwork.NewFakeClockAt(time.Date(2024, 3, 20, 10, 15, 0, 0, time.UTC)),
		Logger:    quietLogger(),
	}, Options{UploadDir: "uploads"})
	require.NoError(t, err)
	return f
}

func (f *fixture) ledgerExists(t *testing.T) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, "data/submissions.csv")
	require.NoError(t, err)
	return ok
}

func ptr(i int) *int { return &i }

func webmInput(name, lang string, verse *int) Input {
	return Input{
		Name:         name,
		Language:     lang,
		Verse:        verse,
		MIMEType:     "audio/webm;codecs=opus",
		PartitionKey: "2024/W12",
		Audio:        []byte("\x1a\x45\xdf\xa3 fake webm"),
	}
}

func TestSubmitPasses(t *testing.T) {
	t.Parallel()

	archiveFS := afero.NewMemMapFs()
	f := newFixture(t, archive.NewLocalStore(archiveFS, "/archive", "https://files.example.test"), "사랑은 오래참고")

	out, err := f.svc.Submit(context.Background(), webmInput("김철수", "kr", ptr(0)))
	require.NoError(t, err)

	assert.True(t, out.Passed)
	require.Len(t, out.Scores, 1)
	assert.Equal(t, verdict.ScoreResult{VerseID: "V1", Score: 1}, out.Scores[0])
	assert.Equal(t, "V1", out.VerseScope)
	assert.Equal(t, "사랑은 오래참고", out.Transcript)

	assert.Regexp(t, regexp.MustCompile(`^uploads/20240320-101500-김철수-[0-9a-f]{6}-V1\.webm$`), out.LocalPath)
	stored, err := afero.ReadFile(f.fs, out.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, webmInput("", "", nil).Audio, stored)

	assert.True(t, out.Archive.OK())
	assert.True(t, strings.HasPrefix(out.File, "https://files.example.test/audio/2024-W12/"), out.File)
	assert.True(t, out.Mirror.OK())

	rows, err := f.ledger.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-20T10:15:00Z", rows[0].Timestamp)
	assert.Equal(t, "V1:1.000", rows[0].Scores)
	assert.Equal(t, "true", rows[0].Passed)
	assert.Equal(t, out.File, rows[0].RemoteLink)

	mirrored, err := afero.ReadFile(archiveFS, "/archive/logs/2024-W12/submissions.csv")
	require.NoError(t, err)
	assert.Contains(t, string(mirrored), "김철수")

	require.Len(t, f.history.entries, 1)
	assert.Equal(t, out.SubmissionID, f.history.entries[0].SubmissionID)
	require.Len(t, f.publisher.events, 1)
	assert.True(t, f.publisher.events[0].Archived)
	assert.InDelta(t, 0.85, f.publisher.events[0].Threshold, 1e-12)
}

func TestSubmitAllVersesFailsOnOneLowScore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "love is patient")
	out, err := f.svc.Submit(context.Background(), webmInput("lee", "en", nil))
	require.NoError(t, err)

	assert.Equal(t, "all", out.VerseScope)
	require.Len(t, out.Scores, 2)
	assert.InDelta(t, 1.0, out.Scores[0].Score, 1e-12)
	assert.Less(t, out.Scores[1].Score, 0.85)
	assert.False(t, out.Passed)
	assert.Contains(t, out.LocalPath, "-all.webm")
}

func TestSubmitUnrelatedTranscriptFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "hello world")
	out, err := f.svc.Submit(context.Background(), webmInput("park", "en", ptr(0)))
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Less(t, out.Scores[0].Score, 0.2)
}

func TestSubmitOutOfRangeScopeHasNoSideEffects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "사랑은 오래참고")
	_, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(2)))

	var inv *verdict.InvalidInputError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "verse", inv.Field)
	assert.False(t, f.ledgerExists(t))
	assert.Zero(t, f.provider.calls)
	assert.Empty(t, f.history.entries)

	exists, err := afero.DirExists(f.fs, "uploads")
	require.NoError(t, err)
	assert.False(t, exists, "no audio may be persisted for rejected input")
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "x")
	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{name: "unsupported language", in: webmInput("kim", "jp", nil), field: "lang"},
		{name: "missing name", in: webmInput("  ", "kr", nil), field: "name"},
		{name: "missing language", in: webmInput("kim", "", nil), field: "lang"},
		{name: "empty audio", in: Input{Name: "kim", Language: "kr", Audio: []byte{}}, field: "audio"},
		{name: "negative verse", in: webmInput("kim", "kr", ptr(-1)), field: "verse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.in)
			var inv *verdict.InvalidInputError
			require.ErrorAs(t, err, &inv)
			assert.Equal(t, tt.field, inv.Field)
		})
	}
	assert.False(t, f.ledgerExists(t))
}

func TestSubmitTranscriptionFailureWritesNoLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "")
	f.provider.err = &transcribe.Error{Provider: "openai", Timeout: true, Err: context.DeadlineExceeded}

	_, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
	var terr *transcribe.Error
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Timeout)
	assert.False(t, f.ledgerExists(t))
	assert.Empty(t, f.history.entries)
	assert.Empty(t, f.publisher.events)
}

func TestSubmitWrapsUntypedProviderError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "")
	f.provider.err = errors.New("connection refused")

	_, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
	var terr *transcribe.Error
	require.ErrorAs(t, err, &terr)
	assert.False(t, f.ledgerExists(t))
}

func TestSubmitArchivalFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, brokenStore{}, "사랑은 오래참고")
	out, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
	require.NoError(t, err)

	assert.True(t, out.Passed)
	assert.Empty(t, out.File)
	assert.Error(t, out.Archive.Err)
	require.NotNil(t, out.Mirror.Err, "mirror shares the broken store")

	rows, err := f.ledger.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].RemoteLink)
	require.Len(t, f.publisher.events, 1)
	assert.False(t, f.publisher.events[0].Archived)
}

func TestSubmitStalledArchiveDoesNotHoldVerdict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, stalledStore{}, "사랑은 오래참고", archive.WithTimeout(50*time.Millisecond))

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submission blocked on a stalled archive")
	}
	require.NoError(t, res.err)
	assert.True(t, res.out.Passed)
	assert.Empty(t, res.out.File)
	assert.ErrorIs(t, res.out.Archive.Err, context.DeadlineExceeded)
	require.NotNil(t, res.out.Mirror.Err)
	assert.ErrorIs(t, res.out.Mirror.Err, context.DeadlineExceeded)

	rows, err := f.ledger.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSubmitArchivalDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "사랑은 오래참고")
	out, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
	require.NoError(t, err)
	assert.True(t, out.Archive.Skipped)
	assert.Empty(t, out.File)
	assert.True(t, out.Mirror.Skipped)
}

func TestSubmitSideChannelFailuresAreSoft(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "사랑은 오래참고")
	f.history.err = errors.New("database is locked")
	f.publisher.err = errors.New("nats: connection closed")

	out, err := f.svc.Submit(context.Background(), webmInput("kim", "kr", ptr(0)))
	require.NoError(t, err)
	assert.True(t, out.Passed)
}

func TestResolveMIME(t *testing.T) {
	t.Parallel()

	mime, ext := resolveMIME("audio/webm;codecs=opus", nil)
	assert.Equal(t, "audio/webm", mime)
	assert.Equal(t, ".webm", ext)

	mime, ext = resolveMIME("audio/L16; rate=16000", nil)
	assert.Equal(t, "audio/l16", mime)
	assert.Equal(t, ".pcm", ext)

	wavHeader := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	_, ext = resolveMIME("", wavHeader)
	assert.Equal(t, ".wav", ext)

	mime, ext = resolveMIME("", []byte("not audio"))
	assert.Equal(t, "audio/webm", mime)
	assert.Equal(t, ".webm", ext)
}

func TestBuildFilename(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("a1b2c3d4-0000-4000-8000-000000000000")
	now := time.Date(2024, 3, 20, 10, 15, 0, 0, time.UTC)

	assert.Equal(t, "20240320-101500-kim-a1b2c3-V1.webm", buildFilename(now, "kim", id, "V1", ".webm"))
	assert.Equal(t, "20240320-101500-김_철수-a1b2c3-all.webm", buildFilename(now, "김 철수", id, "all", ".webm"))
	assert.Equal(t, "20240320-101500-anonymous-a1b2c3-all.ogg", buildFilename(now, "../", id, "", ".ogg"))
	assert.Equal(t, "20240320-101500-a_b-a1b2c3-1Cor_13_4.webm", buildFilename(now, "a/b", id, "1Cor 13:4", ".webm"))
}
