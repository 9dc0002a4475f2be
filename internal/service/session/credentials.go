package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MouTaaz/TazMou-ChatApp/internal/model/chat"
)

// FileCredentials persists the single auth credential blob the restore
// path reads at startup. Nothing else is kept on disk client-side.
type FileCredentials struct {
	path string
}

// NewFileCredentials stores the credential blob under dir.
func NewFileCredentials(dir string) *FileCredentials {
	return &FileCredentials{path: filepath.Join(dir, "credentials.json")}
}

// Load reads the persisted session. The second return is false when no
// credential has been saved.
func (c *FileCredentials) Load() (chat.Session, bool, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("read credentials: %w", err)
	}

	var session chat.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return chat.Session{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	return session, true, nil
}

// Save overwrites the persisted credential.
func (c *FileCredentials) Save(session chat.Session) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the persisted credential, if any.
func (c *FileCredentials) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
