package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/jesuslovei/memory-check-drive/internal/config"
)

const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderDrive = "drive"
)

// Object is an artifact to archive.
type Object struct {
	Name     string
	MIMEType string
	Body     io.Reader
}

// Result is the outcome of one archival attempt. Skipped is set when
// archival is disabled; Err is set on failure. Link is empty in both cases.
type Result struct {
	ID      string
	Link    string
	Skipped bool
	Err     error
}

func (r Result) OK() bool { return r.Err == nil && !r.Skipped }

// Archiver uploads artifacts into resolved folders. A nil store disables archival.
type Archiver struct {
	store      Store
	resolver   *Resolver
	publicLink bool
	timeout    time.Duration
	log        *slog.Logger
}

type Option func(*Archiver)

// WithTimeout bounds each Archive or Mirror call, folder resolution
// included. Zero leaves calls bounded only by the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(a *Archiver) { a.timeout = d }
}

func NewArchiver(store Store, rootID string, publicLink bool, log *slog.Logger, opts ...Option) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	a := &Archiver{
		store:      store,
		publicLink: publicLink,
		log:        log.With(slog.String("component", "archiver")),
	}
	for _, opt := range opts {
		opt(a)
	}
	if store != nil {
		a.resolver = NewResolver(store, rootID, log)
		a.resolver.timeout = a.timeout
	}
	return a
}

// New builds the archiver selected by cfg.Provider. Drive credentials are not
// checked here; a missing credential fails the first upload.
func New(cfg config.ArchiveConfig, log *slog.Logger) (*Archiver, error) {
	timeout := WithTimeout(time.Duration(cfg.TimeoutMS) * time.Millisecond)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return NewArchiver(nil, "", false, log), nil
	case ProviderLocal:
		store := NewLocalStore(afero.NewOsFs(), cfg.LocalRoot, cfg.LinkBaseURL)
		return NewArchiver(store, "", false, log, timeout), nil
	case ProviderDrive:
		store := NewDriveStore(cfg, log)
		return NewArchiver(store, cfg.RootFolderID, cfg.PublicLink, log, timeout), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

func (a *Archiver) Enabled() bool { return a != nil && a.store != nil }

func (a *Archiver) Resolver() *Resolver {
	if a == nil {
		return nil
	}
	return a.resolver
}

// Archive uploads obj under category/partition as a new file.
func (a *Archiver) Archive(ctx context.Context, category, partition string, obj Object) Result {
	return a.put(ctx, category, partition, obj, false)
}

// Mirror uploads obj under category/partition, replacing a previous copy of the same name.
func (a *Archiver) Mirror(ctx context.Context, category, partition string, obj Object) Result {
	return a.put(ctx, category, partition, obj, true)
}

func (a *Archiver) put(ctx context.Context, category, partition string, obj Object, replace bool) Result {
	if !a.Enabled() {
		return Result{Skipped: true}
	}
	partition = PartitionKey(partition)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	// a store that ignores ctx is abandoned, not waited on
	done := make(chan Result, 1)
	go func() {
		done <- a.upload(ctx, category, partition, obj, replace)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{Err: &Error{Op: "upload", Category: category, Partition: partition, Err: ctx.Err()}}
	}
}

func (a *Archiver) upload(ctx context.Context, category, partition string, obj Object, replace bool) Result {
	folder, err := a.resolver.ResolveFolder(ctx, category, partition)
	if err != nil {
		return Result{Err: err}
	}

	file, err := a.store.Upload(ctx, UploadRequest{
		Name:     obj.Name,
		ParentID: folder.RemoteID,
		MIMEType: obj.MIMEType,
		Body:     obj.Body,
		Replace:  replace,
	})
	if err != nil {
		return Result{Err: &Error{Op: "upload", Category: category, Partition: partition, Err: err}}
	}

	if a.publicLink {
		if err := a.store.SetPublicReadable(ctx, file.ID); err != nil {
			a.log.Warn("failed to share archived file",
				slog.String("file", obj.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return Result{ID: file.ID, Link: file.Link}
}
