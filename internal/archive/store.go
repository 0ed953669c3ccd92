// Package archive places submission artifacts into a hierarchical remote store.
//
// The layout is fixed: root / category / partition. Folders are resolved by
// lookup-then-create and cached for the life of the process.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	CategoryAudio = "audio"
	CategoryLogs  = "logs"

	// UnsortedPartition holds artifacts submitted without a partition key.
	UnsortedPartition = "unsorted"
)

// Store is the folder/file capability of an object store.
type Store interface {
	// FindFolder reports the id of the folder called name directly under parentID.
	FindFolder(ctx context.Context, name, parentID string) (id string, found bool, err error)
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	Upload(ctx context.Context, req UploadRequest) (File, error)
	SetPublicReadable(ctx context.Context, id string) error
}

// UploadRequest writes Body as Name under ParentID. With Replace set, an
// existing file of the same name is overwritten instead of duplicated.
type UploadRequest struct {
	Name     string
	ParentID string
	MIMEType string
	Body     io.Reader
	Replace  bool
}

type File struct {
	ID   string
	Link string
}

// Handle identifies a resolved folder.
type Handle struct {
	RemoteID string
}

// Error is an archival failure. It never fails a submission.
type Error struct {
	Op        string
	Category  string
	Partition string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archive %s %s/%s: %v", e.Op, e.Category, e.Partition, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PartitionKey makes a partition key safe to use as a folder name.
func PartitionKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.NewReplacer("/", "-", "\\", "-").Replace(key)
	if key == "" {
		return UnsortedPartition
	}
	return key
}
