// Package submission runs one recitation through the verification pipeline.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jesuslovei/memory-check-drive/internal/archive"
	"github.com/jesuslovei/memory-check-drive/internal/history"
	"github.com/jesuslovei/memory-check-drive/internal/ledger"
	"github.com/jesuslovei/memory-check-drive/internal/protocol"
	"github.com/jesuslovei/memory-check-drive/internal/transcribe"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

// Input is one submission as received from a client.
type Input struct {
	Name         string `form:"name" validate:"required,max=64"`
	Language     string `form:"lang" validate:"required,max=16"`
	Verse        *int   `form:"verse"`
	MIMEType     string `form:"mime" validate:"max=128"`
	PartitionKey string `form:"week" validate:"max=64"`
	Filename     string `form:"filename"`
	Audio        []byte `form:"audio" validate:"required,min=1"`
}

// Outcome is the verdict returned to the client plus what was recorded.
type Outcome struct {
	SubmissionID string                `json:"submission_id"`
	Name         string                `json:"name"`
	Language     string                `json:"lang"`
	VerseScope   string                `json:"verse_scope"`
	PartitionKey string                `json:"week,omitempty"`
	Transcript   string                `json:"transcript"`
	Scores       []verdict.ScoreResult `json:"scores"`
	Passed       bool                  `json:"passed"`
	File         string                `json:"file"`

	LocalPath string               `json:"-"`
	Archive   archive.Result       `json:"-"`
	Mirror    ledger.MirrorOutcome `json:"-"`
	Timestamp time.Time            `json:"-"`
}

// HistoryRecorder stores a queryable copy of each submission.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Publisher announces recorded submissions.
type Publisher interface {
	PublishSubmission(ctx context.Context, evt protocol.SubmissionRecorded) error
}

type Options struct {
	UploadDir     string
	AudioCategory string
}

type Deps struct {
	Engine    *verdict.Engine
	Provider  transcribe.Provider
	Archiver  *archive.Archiver
	Ledger    *ledger.Ledger
	History   HistoryRecorder
	Publisher Publisher
	FS        afero.Fs
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

type Service struct {
	engine    *verdict.Engine
	provider  transcribe.Provider
	archiver  *archive.Archiver
	ledger    *ledger.Ledger
	history   HistoryRecorder
	publisher Publisher
	fs        afero.Fs
	clock     clockwork.Clock
	log       *slog.Logger
	validate  *validator.Validate
	opts      Options

	tracer      trace.Tracer
	submissions metric.Int64Counter
	failures    metric.Int64Counter
	scores      metric.Float64Histogram
}

func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Engine == nil || deps.Provider == nil || deps.Ledger == nil {
		return nil, errors.New("submission service requires an engine, a transcription provider and a ledger")
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.NewArchiver(nil, "", false, deps.Logger)
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.AudioCategory == "" {
		opts.AudioCategory = archive.CategoryAudio
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("form"); name != "" {
			return name
		}
		return f.Name
	})

	s := &Service{
		engine:    deps.Engine,
		provider:  deps.Provider,
		archiver:  deps.Archiver,
		ledger:    deps.Ledger,
		history:   deps.History,
		publisher: deps.Publisher,
		fs:        deps.FS,
		clock:     deps.Clock,
		log:       deps.Logger.With(slog.String("component", "submission")),
		validate:  v,
		opts:      opts,
		tracer:    otel.Tracer("github.com/jesuslovei/memory-check-drive/submission"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Service) Engine() *verdict.Engine { return s.engine }

// Submit validates, persists, transcribes, grades, archives and records one
// submission, in that order. Invalid input and transcription failures abort
// before anything is recorded. Archival and mirroring never fail the call.
func (s *Service) Submit(ctx context.Context, in Input) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "submission.submit")
	defer span.End()

	in.Name = strings.TrimSpace(in.Name)
	in.Language = strings.TrimSpace(in.Language)
	if err := s.checkInput(in); err != nil {
		s.fail(ctx, span, "invalid_input", err)
		return Outcome{}, err
	}

	now := s.clock.Now().UTC()
	id := uuid.New()
	label := s.engine.Label(in.Verse)
	mimeType, ext := resolveMIME(in.MIMEType, in.Audio)
	filename := buildFilename(now, in.Name, id, label, ext)

	out := Outcome{
		SubmissionID: id.String(),
		Name:         in.Name,
		Language:     in.Language,
		VerseScope:   label,
		PartitionKey: in.PartitionKey,
		Timestamp:    now,
	}

	localPath, err := s.persist(ctx, filename, in.Audio)
	if err != nil {
		s.fail(ctx, span, "persist", err)
		return Outcome{}, err
	}
	out.LocalPath = localPath
	s.log.Info("stored submission audio",
		slog.String("submission_id", out.SubmissionID),
		slog.String("path", localPath),
		slog.String("size", humanize.Bytes(uint64(len(in.Audio)))),
		slog.String("mime", mimeType),
	)

	transcript, err := s.transcribe(ctx, in, mimeType, filename)
	if err != nil {
		s.fail(ctx, span, "transcription", err)
		return Outcome{}, err
	}
	out.Transcript = transcript

	v, err := s.engine.Grade(transcript, in.Language, in.Verse)
	if err != nil {
		s.fail(ctx, span, "invalid_input", err)
		return Outcome{}, err
	}
	out.Scores = v.Scores
	out.Passed = v.Passed
	for _, sc := range v.Scores {
		s.observeScore(ctx, sc.Score, in.Language)
	}

	out.Archive = s.archive(ctx, in, filename, mimeType)
	out.File = out.Archive.Link

	mirror, err := s.ledger.Append(ctx, ledger.Record{
		Timestamp:     now,
		SubmitterName: in.Name,
		Language:      in.Language,
		VerseScope:    label,
		Transcript:    transcript,
		Scores:        v.Scores,
		Passed:        v.Passed,
		LocalPath:     localPath,
		RemoteLink:    out.File,
		PartitionKey:  in.PartitionKey,
	})
	if err != nil {
		err = fmt.Errorf("record submission: %w", err)
		s.fail(ctx, span, "ledger", err)
		return Outcome{}, err
	}
	out.Mirror = mirror

	s.recordHistory(ctx, out)
	s.publish(ctx, out)

	s.count(ctx, s.submissions, attribute.Bool("passed", out.Passed))
	span.SetAttributes(
		attribute.String("submission.id", out.SubmissionID),
		attribute.Bool("submission.passed", out.Passed),
		attribute.Bool("submission.archived", out.Archive.OK()),
	)
	s.log.Info("submission graded",
		slog.String("submission_id", out.SubmissionID),
		slog.String("lang", out.Language),
		slog.String("verse_scope", out.VerseScope),
		slog.Bool("passed", out.Passed),
		slog.String("scores", ledger.FormatScores(out.Scores)),
	)
	return out, nil
}

func (s *Service) checkInput(in Input) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &verdict.InvalidInputError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &verdict.InvalidInputError{Field: "form", Reason: err.Error()}
	}
	return s.engine.Validate(in.Language, in.Verse)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func (s *Service) persist(ctx context.Context, filename string, audio []byte) (string, error) {
	_, span := s.tracer.Start(ctx, "submission.persist")
	defer span.End()

	if err := s.fs.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.opts.UploadDir, filename)
	if err := afero.WriteFile(s.fs, path, audio, 0o644); err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}
	return path, nil
}

func (s *Service) transcribe(ctx context.Context, in Input, mimeType, filename string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "submission.transcribe")
	defer span.End()

	res, err := s.provider.Transcribe(ctx, transcribe.Request{
		Audio:    in.Audio,
		Language: in.Language,
		MIMEType: mimeType,
		Filename: filename,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		var terr *transcribe.Error
		if !errors.As(err, &terr) {
			err = &transcribe.Error{Provider: "unknown", Err: err}
		}
		return "", err
	}
	return res.Text, nil
}

func (s *Service) archive(ctx context.Context, in Input, filename, mimeType string) archive.Result {
	ctx, span := s.tracer.Start(ctx, "submission.archive")
	defer span.End()

	res := s.archiver.Archive(ctx, s.opts.AudioCategory, in.PartitionKey, archive.Object{
		Name:     filename,
		MIMEType: mimeType,
		Body:     bytes.NewReader(in.Audio),
	})
	if res.Err != nil {
		span.RecordError(res.Err)
		s.count(ctx, s.failures, attribute.String("stage", "archive"))
		s.log.Warn("archival failed; continuing without link",
			slog.String("file", filename),
			slog.String("error", res.Err.Error()),
		)
	}
	return res
}

func (s *Service) recordHistory(ctx context.Context, out Outcome) {
	if s.history == nil {
		return
	}
	err := s.history.Record(ctx, history.Entry{
		SubmissionID:  out.SubmissionID,
		SubmitterName: out.Name,
		Language:      out.Language,
		VerseScope:    out.VerseScope,
		PartitionKey:  out.PartitionKey,
		Transcript:    out.Transcript,
		Scores:        out.Scores,
		Passed:        out.Passed,
		LocalPath:     out.LocalPath,
		RemoteLink:    out.File,
		CreatedAt:     out.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to record submission history", slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, out Outcome) {
	if s.publisher == nil {
		return
	}
	scores := make([]protocol.VerseScore, 0, len(out.Scores))
	for _, sc := range out.Scores {
		scores = append(scores, protocol.VerseScore{VerseID: sc.VerseID, Score: sc.Score})
	}
	err := s.publisher.PublishSubmission(ctx, protocol.SubmissionRecorded{
		SubmissionID:  out.SubmissionID,
		SubmitterName: out.Name,
		Language:      out.Language,
		VerseScope:    out.VerseScope,
		PartitionKey:  out.PartitionKey,
		Transcript:    out.Transcript,
		Scores:        scores,
		Passed:        out.Passed,
		Threshold:     s.engine.Threshold(),
		RemoteLink:    out.File,
		Archived:      out.Archive.OK(),
		Timestamp:     out.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to publish submission event", slog.String("error", err.Error()))
	}
}

func (s *Service) fail(ctx context.Context, span trace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	s.count(ctx, s.failures, attribute.String("stage", stage))
	level := slog.LevelError
	if stage == "invalid_input" {
		level = slog.LevelInfo
	}
	s.log.Log(ctx, level, "submission rejected", slog.String("stage", stage), slog.String("error", err.Error()))
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/jesuslovei/memory-check-drive/submission")
	var err error
	if s.submissions, err = meter.Int64Counter("memcheck.submissions", metric.WithDescription("Graded submissions")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("memcheck.submission.failures", metric.WithDescription("Submission pipeline failures by stage")); err != nil {
		return err
	}
	s.scores, err = meter.Float64Histogram("memcheck.submission.score",
		metric.WithDescription("Per-verse similarity scores"),
		metric.WithExplicitBucketBoundaries(0.1, 0.3, 0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 1),
	)
	return err
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (s *Service) observeScore(ctx context.Context, score float64, language string) {
	if s.scores == nil {
		return
	}
	s.scores.Record(ctx, score, metric.WithAttributes(attribute.String("lang", language)))
}
