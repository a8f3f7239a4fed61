package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pwproxy/pwproxy/pkg/log"
)

const (
	sessionFile = ".pwproxy.auth"
	siteFile    = ".pwproxy.site"
)

// FileStore persists sessions as JSON files. Files are written atomically and
// with owner-only permissions since they hold credentials.
type FileStore struct {
	sessionPath string
	sitePath    string
}

// NewFileStore returns a FileStore rooted at dir. sessionName overrides the
// default session file name when non-empty (the local gateway historically
// uses a different file than the cloud auth).
func NewFileStore(dir, sessionName string) *FileStore {
	if sessionName == "" {
		sessionName = sessionFile
	}
	return &FileStore{
		sessionPath: filepath.Join(dir, sessionName),
		sitePath:    filepath.Join(dir, siteFile),
	}
}

// LoadSession reads the persisted session. A missing file is reported as
// ErrNoSession, not a failure.
func (f *FileStore) LoadSession(ctx context.Context) (Session, error) {
	data, err := os.ReadFile(f.sessionPath)
	if os.IsNotExist(err) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "corrupt session file, ignoring",
			slog.String("path", f.sessionPath), slog.Any("error", err))
		return Session{}, ErrNoSession
	}
	return s, nil
}

// SaveSession writes the session to disk.
func (f *FileStore) SaveSession(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := writeFileAtomic(f.sessionPath, data); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "session persisted", slog.String("path", f.sessionPath))
	return nil
}

// LoadSiteID reads the persisted cloud site id.
func (f *FileStore) LoadSiteID(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.sitePath)
	if os.IsNotExist(err) {
		return "", ErrNoSite
	}
	if err != nil {
		return "", fmt.Errorf("read site file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveSiteID writes the cloud site id.
func (f *FileStore) SaveSiteID(ctx context.Context, siteID string) error {
	if err := writeFileAtomic(f.sitePath, []byte(siteID)); err != nil {
		return fmt.Errorf("write site file: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "site id persisted", slog.String("siteID", siteID))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
