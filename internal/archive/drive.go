package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jesuslovei/memory-check-drive/internal/config"
)

const folderMIMEType = "application/vnd.google-apps.folder"

// ErrMissingCredentials is returned on first use when no service account is configured.
var ErrMissingCredentials = errors.New("google drive credentials are not configured")

// DriveStore archives into Google Drive with a service account. The client is
// built on first use.
type DriveStore struct {
	cfg config.ArchiveConfig
	log *slog.Logger

	mu  sync.Mutex
	svc *drive.Service
}

func NewDriveStore(cfg config.ArchiveConfig, log *slog.Logger) *DriveStore {
	if log == nil {
		log = slog.Default()
	}
	return &DriveStore{cfg: cfg, log: log.With(slog.String("component", "drive-store"))}
}

// service builds the client once. It is not tied to the request that
// triggered construction.
func (s *DriveStore) service() (*drive.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc != nil {
		return s.svc, nil
	}

	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.cfg.RootFolderID) == "" {
		return nil, errors.New("google drive root folder id is not configured")
	}
	svc, err := drive.NewService(context.Background(),
		option.WithCredentialsJSON(creds),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	s.log.Info("google drive client ready", slog.String("root_folder", s.cfg.RootFolderID))
	s.svc = svc
	return svc, nil
}

func (s *DriveStore) credentials() ([]byte, error) {
	if raw := strings.TrimSpace(s.cfg.CredentialsJSON); raw != "" {
		return []byte(raw), nil
	}
	if s.cfg.CredentialsFile != "" {
		data, err := os.ReadFile(s.cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read drive credentials: %w", err)
		}
		return data, nil
	}
	return nil, ErrMissingCredentials
}

func (s *DriveStore) FindFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	svc, err := s.service()
	if err != nil {
		return "", false, err
	}
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), escapeQuery(parentID), folderMIMEType)
	list, err := svc.Files.List().
		Q(q).
		Fields("files(id, name)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", false, fmt.Errorf("list folders: %w", err)
	}
	if len(list.Files) == 0 {
		return "", false, nil
	}
	return list.Files[0].Id, true, nil
}

func (s *DriveStore) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	svc, err := s.service()
	if err != nil {
		return "", err
	}
	f, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMIMEType,
		Parents:  []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	return f.Id, nil
}

func (s *DriveStore) Upload(ctx context.Context, req UploadRequest) (File, error) {
	svc, err := s.service()
	if err != nil {
		return File{}, err
	}

	if req.Replace {
		existing, err := s.findFile(ctx, svc, req.Name, req.ParentID)
		if err != nil {
			return File{}, err
		}
		if existing != "" {
			f, err := svc.Files.Update(existing, &drive.File{}).
				Media(req.Body, googleapi.ContentType(req.MIMEType)).
				Fields("id, webViewLink").
				SupportsAllDrives(true).
				Context(ctx).
				Do()
			if err != nil {
				return File{}, fmt.Errorf("update file: %w", err)
			}
			return File{ID: f.Id, Link: f.WebViewLink}, nil
		}
	}

	f, err := svc.Files.Create(&drive.File{
		Name:     req.Name,
		MimeType: req.MIMEType,
		Parents:  []string{req.ParentID},
	}).
		Media(req.Body, googleapi.ContentType(req.MIMEType)).
		Fields("id, webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return File{}, fmt.Errorf("upload file: %w", err)
	}
	return File{ID: f.Id, Link: f.WebViewLink}, nil
}

func (s *DriveStore) SetPublicReadable(ctx context.Context, id string) error {
	svc, err := s.service()
	if err != nil {
		return err
	}
	_, err = svc.Permissions.Create(id, &drive.Permission{Type: "anyone", Role: "reader"}).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("share file: %w", err)
	}
	return nil
}

func (s *DriveStore) findFile(ctx context.Context, svc *drive.Service, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType != '%s' and trashed = false",
		escapeQuery(name), escapeQuery(parentID), folderMIMEType)
	list, err := svc.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("list files: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
