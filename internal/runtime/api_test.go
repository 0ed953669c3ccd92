package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/history"
	"github.com/jesuslovei/memory-check-drive/internal/ledger"
	"github.com/jesuslovei/memory-check-drive/internal/submission"
	"github.com/jesuslovei/memory-check-drive/internal/transcribe"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(t *testing.T) *verdict.Engine {
	t.Helper()
	c := catalog.New([]catalog.Verse{
		{ID: "V1", Reference: "1 Cor 13:4", Text: map[string]string{"kr": "사랑은 오래 참고", "en": "love is patient"}},
		{ID: "V2", Text: map[string]string{"kr": "사랑은 온유하며", "en": "love is kind"}},
	}, catalog.Partition{ID: "2024-W12", Title: "Love"})
	engine, err := verdict.NewEngine(c, nil, 0.85, []string{"kr", "en"})
	require.NoError(t, err)
	return engine
}

func pipelineRouter(t *testing.T, transcript string, maxUpload int64) http.Handler {
	t.Helper()
	fs := afero.NewMemMapFs()
	engine := testEngine(t)
	ldg, err := ledger.New(fs, ledger.Options{Path: "data/submissions.csv"}, nil, quietLogger())
	require.NoError(t, err)
	svc, err := submission.NewService(submission.Deps{
		Engine:   engine,
		Provider: transcribe.NewMock(transcript),
		Ledger:   ldg,
		FS:       fs,
		Logger:   quietLogger(),
	}, submission.Options{})
	require.NoError(t, err)
	return NewRouter(APIOptions{
		Engine:         engine,
		Submitter:      svc,
		MaxUploadBytes: maxUpload,
		Logger:         quietLogger(),
	})
}

type stubSubmitter struct {
	out submission.Outcome
	err error
}

func (s stubSubmitter) Submit(context.Context, submission.Input) (submission.Outcome, error) {
	return s.out, s.err
}

type stubLister struct {
	entries []history.Entry
	err     error
	limit   int
}

func (s *stubLister) ListRecent(_ context.Context, limit int) ([]history.Entry, error) {
	s.limit = limit
	return s.entries, s.err
}

func multipartRequest(t *testing.T, fields map[string]string, audio []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if audio != nil {
		part, err := mw.CreateFormFile("audio", "take.webm")
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/submit", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestSubmitEndpointPasses(t *testing.T) {
	t.Parallel()
	router := pipelineRouter(t, "사랑은 오래참고", 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartRequest(t, map[string]string{
		"name": "kim", "verse": "0", "mime": "audio/webm", "week": "2024-W12",
	}, []byte("\x1a\x45\xdf\xa3 fake webm")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out submission.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "kim", out.Name)
	assert.Equal(t, "kr", out.Language, "language defaults to the primary")
	assert.Equal(t, "V1", out.VerseScope)
	assert.Equal(t, "2024-W12", out.PartitionKey)
	assert.True(t, out.Passed)
	assert.Equal(t, []verdict.ScoreResult{{VerseID: "V1", Score: 1}}, out.Scores)
	assert.Empty(t, out.File)
	assert.NotEmpty(t, out.SubmissionID)
}

func TestSubmitEndpointAllVersesFails(t *testing.T) {
	t.Parallel()
	router := pipelineRouter(t, "hello world", 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartRequest(t, map[string]string{"name": "kim", "lang": "en"}, []byte("audio")))

	require.Equal(t, http.StatusOK, rec.Code)
	var out submission.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.False(t, out.Passed)
	assert.Len(t, out.Scores, 2)
	assert.Equal(t, "all", out.VerseScope)
}

func TestSubmitEndpointRejectsInput(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fields  map[string]string
		audio   []byte
		message string
	}{
		"unknown language": {map[string]string{"name": "kim", "lang": "fr"}, []byte("a"), "lang"},
		"missing name":     {map[string]string{"lang": "kr"}, []byte("a"), "name"},
		"missing audio":    {map[string]string{"name": "kim"}, nil, "audio"},
		"verse not int":    {map[string]string{"name": "kim", "verse": "first"}, []byte("a"), "verse"},
		"verse too large":  {map[string]string{"name": "kim", "verse": "2"}, []byte("a"), "verse"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			router := pipelineRouter(t, "사랑은 오래 참고", 0)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, multipartRequest(t, tc.fields, tc.audio))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "Bad Request", body.Error)
			assert.Contains(t, body.Message, tc.message)
		})
	}
}

func TestSubmitEndpointRejectsNonMultipart(t *testing.T) {
	t.Parallel()
	router := pipelineRouter(t, "", 0)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{"name":"kim"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEndpointUploadLimit(t *testing.T) {
	t.Parallel()
	router := pipelineRouter(t, "", 512)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartRequest(t, map[string]string{"name": "kim"}, bytes.Repeat([]byte("x"), 4096)))

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Request Entity Too Large", decodeError(t, rec).Error)
}

func TestSubmitEndpointErrorMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err    error
		status int
	}{
		"provider failure": {&transcribe.Error{Provider: "openai", Err: errors.New("status 500")}, http.StatusBadGateway},
		"provider timeout": {&transcribe.Error{Provider: "openai", Timeout: true, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		"ledger failure":   {errors.New("record submission: disk full"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			router := NewRouter(APIOptions{
				Engine:    testEngine(t),
				Submitter: stubSubmitter{err: tc.err},
				Logger:    quietLogger(),
			})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, multipartRequest(t, map[string]string{"name": "kim"}, []byte("a")))

			require.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, http.StatusText(tc.status), body.Error)
			assert.NotContains(t, body.Message, "disk full")
		})
	}
}

func TestVersesEndpoint(t *testing.T) {
	t.Parallel()
	router := NewRouter(APIOptions{Engine: testEngine(t), Logger: quietLogger()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verses", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Verses    []map[string]string `json:"verses"`
		Partition catalog.Partition   `json:"partition"`
		Languages []string            `json:"languages"`
		Threshold float64             `json:"threshold"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Verses, 2)
	assert.Equal(t, "V1", body.Verses[0]["verse_id"])
	assert.Equal(t, "love is patient", body.Verses[0]["en"])
	assert.Equal(t, "1 Cor 13:4", body.Verses[0]["reference"])
	assert.Equal(t, catalog.Partition{ID: "2024-W12", Title: "Love"}, body.Partition)
	assert.Equal(t, []string{"kr", "en"}, body.Languages)
	assert.InDelta(t, 0.85, body.Threshold, 1e-9)
}

func TestSubmissionsEndpoint(t *testing.T) {
	t.Parallel()

	lister := &stubLister{entries: []history.Entry{{SubmissionID: "a1", SubmitterName: "kim", Passed: true}}}
	router := NewRouter(APIOptions{Engine: testEngine(t), History: lister, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions?limit=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, lister.limit)

	var body historyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Submissions, 1)
	assert.Equal(t, "a1", body.Submissions[0].SubmissionID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, lister.limit)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionsEndpointFailures(t *testing.T) {
	t.Parallel()

	router := NewRouter(APIOptions{
		Engine:  testEngine(t),
		History: &stubLister{err: errors.New("database is locked")},
		Logger:  quietLogger(),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// ephemeral history lists nothing rather than null
	router = NewRouter(APIOptions{Engine: testEngine(t), History: &stubLister{}, Logger: quietLogger()})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"submissions":[]}`, rec.Body.String())
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	ready := false
	router := NewRouter(APIOptions{
		Engine: testEngine(t),
		Ready:  func() bool { return ready },
		Logger: quietLogger(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestMetricsRouteMounted(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("memcheck_submissions_total 3\n"))
	})
	router := NewRouter(APIOptions{Engine: testEngine(t), Metrics: metrics, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memcheck_submissions_total")
}

func TestStaticAssets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>recite</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	router := NewRouter(APIOptions{Engine: testEngine(t), StaticDir: dir, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recite")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	// a missing directory disables static routes instead of failing
	router = NewRouter(APIOptions{Engine: testEngine(t), StaticDir: filepath.Join(dir, "absent"), Logger: quietLogger()})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
