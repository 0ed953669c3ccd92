package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/history"
	"github.com/jesuslovei/memory-check-drive/internal/submission"
	"github.com/jesuslovei/memory-check-drive/internal/transcribe"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	multipartMemory     = 8 << 20
)

// Submitter runs one submission through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, in submission.Input) (submission.Outcome, error)
}

// HistoryLister returns the most recent recorded submissions.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]history.Entry, error)
}

// APIOptions wires the HTTP surface to the pipeline.
type APIOptions struct {
	Engine         *verdict.Engine
	Submitter      Submitter
	History        HistoryLister
	Metrics        http.Handler
	StaticDir      string
	MaxUploadBytes int64
	Ready          func() bool
	Logger         *slog.Logger
}

type api struct {
	opts APIOptions
	log  *slog.Logger
}

type versesResponse struct {
	Verses    []catalog.Verse   `json:"verses"`
	Partition catalog.Partition `json:"partition"`
	Languages []string          `json:"languages"`
	Threshold float64           `json:"threshold"`
}

type historyResponse struct {
	Submissions []history.Entry `json:"submissions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewRouter builds the HTTP handler for the verification service.
func NewRouter(opts APIOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	a := &api{opts: opts, log: opts.Logger.With(slog.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/verses", a.handleVerses)
		r.Post("/submit", a.handleSubmit)
		r.Get("/submissions", a.handleSubmissions)
	})

	if dir := opts.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				http.ServeFile(w, req, filepath.Join(dir, "index.html"))
			})
		} else {
			a.log.Warn("static directory unavailable", slog.String("dir", dir))
		}
	}
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleVerses(w http.ResponseWriter, _ *http.Request) {
	c := a.opts.Engine.Catalog()
	writeJSON(w, http.StatusOK, versesResponse{
		Verses:    c.Verses(),
		Partition: c.Partition(),
		Languages: a.opts.Engine.Languages(),
		Threshold: a.opts.Engine.Threshold(),
	})
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if a.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in, err := a.decodeInput(r)
	if err != nil {
		a.writeSubmitError(w, err)
		return
	}

	out, err := a.opts.Submitter.Submit(r.Context(), in)
	if err != nil {
		a.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) decodeInput(r *http.Request) (submission.Input, error) {
	in := submission.Input{
		Name:         r.FormValue("name"),
		Language:     r.FormValue("lang"),
		MIMEType:     r.FormValue("mime"),
		PartitionKey: r.FormValue("week"),
	}
	if strings.TrimSpace(in.Language) == "" {
		if langs := a.opts.Engine.Languages(); len(langs) > 0 {
			in.Language = langs[0]
		}
	}
	if raw := strings.TrimSpace(r.FormValue("verse")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return in, &verdict.InvalidInputError{Field: "verse", Reason: fmt.Sprintf("%q is not an index", raw)}
		}
		in.Verse = &idx
	}

	file, header, err := r.FormFile("audio")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// left empty, the service reports the missing field
		return in, nil
	case err != nil:
		return in, fmt.Errorf("read audio part: %w", err)
	}
	defer file.Close()

	in.Audio, err = io.ReadAll(file)
	if err != nil {
		return in, fmt.Errorf("read audio part: %w", err)
	}
	in.Filename = header.Filename
	if in.MIMEType == "" {
		in.MIMEType = header.Header.Get("Content-Type")
	}
	return in, nil
}

func (a *api) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		invalid   *verdict.InvalidInputError
		transcErr *transcribe.Error
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &transcErr):
		status := http.StatusBadGateway
		if transcErr.Timeout {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, transcErr.Error())
	default:
		a.log.Error("submission failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "submission could not be recorded")
	}
}

func (a *api) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if a.opts.History == nil {
		writeJSON(w, http.StatusOK, historyResponse{Submissions: []history.Entry{}})
		return
	}
	entries, err := a.opts.History.ListRecent(r.Context(), limit)
	if err != nil {
		a.log.Error("history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Submissions: entries})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}
