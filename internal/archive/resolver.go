package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Resolver maps (category, partition) pairs to remote folders. Concurrent
// resolutions of the same key share one lookup, so a key is created at most
// once per process. Another process resolving the same key at the same
// moment can still create a duplicate folder.
//
// Entries are never invalidated. A folder renamed or deleted remotely keeps
// failing uploads until restart.
type Resolver struct {
	store   Store
	rootID  string
	timeout time.Duration
	log     *slog.Logger

	mu      sync.RWMutex
	folders map[string]Handle
	group   singleflight.Group

	hits    metric.Int64Counter
	misses  metric.Int64Counter
	creates metric.Int64Counter
}

func NewResolver(store Store, rootID string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		store:   store,
		rootID:  rootID,
		log:     log.With(slog.String("component", "archive-resolver")),
		folders: make(map[string]Handle),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// ResolveFolder returns the folder for category/partition, creating missing
// levels. The partition key is sanitized with PartitionKey.
func (r *Resolver) ResolveFolder(ctx context.Context, category, partition string) (Handle, error) {
	partition = PartitionKey(partition)

	parent, err := r.resolveChild(ctx, cacheKey(category, ""), r.rootID, category)
	if err != nil {
		return Handle{}, &Error{Op: "resolve", Category: category, Partition: partition, Err: err}
	}
	h, err := r.resolveChild(ctx, cacheKey(category, partition), parent.RemoteID, partition)
	if err != nil {
		return Handle{}, &Error{Op: "resolve", Category: category, Partition: partition, Err: err}
	}
	return h, nil
}

// Cached reports how many folders are held in the cache.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.folders)
}

func (r *Resolver) resolveChild(ctx context.Context, key, parentID, name string) (Handle, error) {
	if h, ok := r.lookup(key); ok {
		r.count(ctx, r.hits, name)
		return h, nil
	}

	// The shared lookup is detached from every caller's cancellation and
	// bounded by the resolver timeout. Each caller only stops waiting.
	ch := r.group.DoChan(key, func() (any, error) {
		if h, ok := r.lookup(key); ok {
			return h, nil
		}
		ctx := context.WithoutCancel(ctx)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		r.count(ctx, r.misses, name)

		id, found, err := r.store.FindFolder(ctx, name, parentID)
		if err != nil {
			return Handle{}, err
		}
		if !found {
			id, err = r.store.CreateFolder(ctx, name, parentID)
			if err != nil {
				return Handle{}, err
			}
			r.count(ctx, r.creates, name)
			r.log.Info("created archive folder", slog.String("name", name), slog.String("id", id))
		}

		h := Handle{RemoteID: id}
		r.mu.Lock()
		r.folders[key] = h
		r.mu.Unlock()
		return h, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

func (r *Resolver) lookup(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.folders[key]
	return h, ok
}

func (r *Resolver) initMetrics() error {
	meter := otel.Meter("github.com/jesuslovei/memory-check-drive/archive")
	var err error
	if r.hits, err = meter.Int64Counter("memcheck.archive.folder_cache.hits", metric.WithDescription("Folder resolutions served from cache")); err != nil {
		return err
	}
	if r.misses, err = meter.Int64Counter("memcheck.archive.folder_cache.misses", metric.WithDescription("Folder resolutions that queried the store")); err != nil {
		return err
	}
	r.creates, err = meter.Int64Counter("memcheck.archive.folders.created", metric.WithDescription("Folders created in the store"))
	return err
}

func (r *Resolver) count(ctx context.Context, c metric.Int64Counter, name string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("folder", name)))
}

func cacheKey(category, partition string) string {
	return category + "\x00" + partition
}
