// Package ledger appends submission outcomes to a CSV file and mirrors the
// whole file to the archive after every write.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/jesuslovei/memory-check-drive/internal/archive"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

// Columns is the ledger header, in file order.
var Columns = []string{
	"timestamp",
	"submitter_name",
	"language",
	"verse_scope",
	"transcript",
	"scores",
	"passed",
	"local_path",
	"remote_link",
}

// Record is one submission outcome. PartitionKey only selects the mirror folder.
type Record struct {
	Timestamp     time.Time
	SubmitterName string
	Language      string
	VerseScope    string
	Transcript    string
	Scores        []verdict.ScoreResult
	Passed        bool
	LocalPath     string
	RemoteLink    string
	PartitionKey  string
}

// Row is the serialized form of a Record. Field order is the column order.
type Row struct {
	Timestamp     string `csv:"timestamp"`
	SubmitterName string `csv:"submitter_name"`
	Language      string `csv:"language"`
	VerseScope    string `csv:"verse_scope"`
	Transcript    string `csv:"transcript"`
	Scores        string `csv:"scores"`
	Passed        string `csv:"passed"`
	LocalPath     string `csv:"local_path"`
	RemoteLink    string `csv:"remote_link"`
}

func (r Record) Row() Row {
	return Row{
		Timestamp:     r.Timestamp.UTC().Format(time.RFC3339),
		SubmitterName: r.SubmitterName,
		Language:      r.Language,
		VerseScope:    r.VerseScope,
		Transcript:    r.Transcript,
		Scores:        FormatScores(r.Scores),
		Passed:        strconv.FormatBool(r.Passed),
		LocalPath:     r.LocalPath,
		RemoteLink:    r.RemoteLink,
	}
}

// FormatScores renders scores as "V1:1.000;V2:0.853".
func FormatScores(scores []verdict.ScoreResult) string {
	parts := make([]string, 0, len(scores))
	for _, s := range scores {
		parts = append(parts, s.VerseID+":"+strconv.FormatFloat(s.Score, 'f', 3, 64))
	}
	return strings.Join(parts, ";")
}

// MirrorError is a failed mirror upload. It is reported, never returned.
type MirrorError struct {
	Err error
}

func (e *MirrorError) Error() string { return "ledger mirror: " + e.Err.Error() }

func (e *MirrorError) Unwrap() error { return e.Err }

// MirrorOutcome reports what happened to the remote copy after an append.
type MirrorOutcome struct {
	Link    string
	Skipped bool
	Err     *MirrorError
}

func (m MirrorOutcome) OK() bool { return m.Err == nil && !m.Skipped }

// Mirrorer uploads a snapshot of the ledger, replacing the previous one.
type Mirrorer interface {
	Mirror(ctx context.Context, category, partition string, obj archive.Object) archive.Result
}

type Options struct {
	Path         string
	Mirror       bool
	LogsCategory string
}

// Ledger serializes appends. The header check and the row write happen under
// one lock so concurrent first writes cannot emit two headers.
type Ledger struct {
	fs       afero.Fs
	path     string
	mirror   Mirrorer
	category string
	log      *slog.Logger

	mu       sync.Mutex
	mirrorMu sync.Mutex

	appends  metric.Int64Counter
	failures metric.Int64Counter
}

func New(fs afero.Fs, opts Options, mirror Mirrorer, log *slog.Logger) (*Ledger, error) {
	if opts.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.LogsCategory == "" {
		opts.LogsCategory = archive.CategoryLogs
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	l := &Ledger{
		fs:       fs,
		path:     opts.Path,
		category: opts.LogsCategory,
		log:      log.With(slog.String("component", "ledger")),
	}
	if opts.Mirror {
		l.mirror = mirror
	}
	if err := l.initMetrics(); err != nil {
		l.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Append writes rec, then mirrors the ledger under the logs category. Only
// a local write failure is returned as an error.
func (l *Ledger) Append(ctx context.Context, rec Record) (MirrorOutcome, error) {
	if err := l.write(rec); err != nil {
		return MirrorOutcome{Skipped: true}, err
	}
	if l.appends != nil {
		l.appends.Add(ctx, 1)
	}
	return l.mirrorSnapshot(ctx, rec.PartitionKey), nil
}

func (l *Ledger) write(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	needHeader := true
	if info, err := l.fs.Stat(l.path); err == nil {
		needHeader = info.Size() == 0
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat ledger: %w", err)
	}

	var buf bytes.Buffer
	rows := []Row{rec.Row()}
	var err error
	if needHeader {
		err = gocsv.Marshal(rows, &buf)
	} else {
		err = gocsv.MarshalWithoutHeaders(rows, &buf)
	}
	if err != nil {
		return fmt.Errorf("encode ledger row: %w", err)
	}

	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func (l *Ledger) snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return afero.ReadFile(l.fs, l.path)
}

// mirrorSnapshot reads the file inside mirrorMu so the last upload always
// carries the newest rows.
func (l *Ledger) mirrorSnapshot(ctx context.Context, partition string) MirrorOutcome {
	if l.mirror == nil {
		return MirrorOutcome{Skipped: true}
	}
	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()

	data, err := l.snapshot()
	if err != nil {
		return l.mirrorFailed(ctx, err)
	}
	res := l.mirror.Mirror(ctx, l.category, partition, archive.Object{
		Name:     filepath.Base(l.path),
		MIMEType: "text/csv",
		Body:     bytes.NewReader(data),
	})
	switch {
	case res.Err != nil:
		return l.mirrorFailed(ctx, res.Err)
	case res.Skipped:
		return MirrorOutcome{Skipped: true}
	}
	return MirrorOutcome{Link: res.Link}
}

func (l *Ledger) mirrorFailed(ctx context.Context, err error) MirrorOutcome {
	if l.failures != nil {
		l.failures.Add(ctx, 1)
	}
	l.log.Warn("ledger mirror failed", slog.String("error", err.Error()))
	return MirrorOutcome{Err: &MirrorError{Err: err}}
}

// ReadAll parses a ledger written by Append.
func ReadAll(r io.Reader) ([]Row, error) {
	var rows []Row
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	return rows, nil
}

// Rows reads back the ledger file.
func (l *Ledger) Rows() ([]Row, error) {
	data, err := l.snapshot()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ReadAll(bytes.NewReader(data))
}

func (l *Ledger) initMetrics() error {
	meter := otel.Meter("github.com/jesuslovei/memory-check-drive/ledger")
	var err error
	if l.appends, err = meter.Int64Counter("memcheck.ledger.appends", metric.WithDescription("Rows appended to the ledger")); err != nil {
		return err
	}
	l.failures, err = meter.Int64Counter("memcheck.ledger.mirror_failures", metric.WithDescription("Failed ledger mirror uploads"))
	return err
}
