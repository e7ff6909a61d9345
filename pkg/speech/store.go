package speech

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidHandle is returned for handles this store did not issue.
	ErrInvalidHandle = errors.New("invalid audio handle")
	// ErrAudioNotFound is returned for handles whose audio is gone.
	ErrAudioNotFound = errors.New("audio not found")
)

// FileStore keeps synthesized audio as files named tts_<uuid>.<ext>.
// The file name is the handle.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "scoop-audio")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory audio is stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save copies r into a new file and returns its handle.
func (s *FileStore) Save(r io.Reader, ext string) (string, error) {
	if ext == "" {
		ext = "mp3"
	}
	handle := fmt.Sprintf("tts_%s.%s", uuid.New().String(), strings.TrimPrefix(ext, "."))

	tmp, err := os.CreateTemp(s.dir, ".tts-*")
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, handle)); err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}
	return handle, nil
}

// Path resolves handle to its file path.
func (s *FileStore) Path(handle string) (string, error) {
	if filepath.Base(handle) != handle || !strings.HasPrefix(handle, "tts_") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	id := strings.TrimPrefix(handle, "tts_")
	if ext := filepath.Ext(id); ext != "" {
		id = strings.TrimSuffix(id, ext)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return filepath.Join(s.dir, handle), nil
}

// Open returns the audio stored under handle.
func (s *FileStore) Open(handle string) (io.ReadCloser, error) {
	path, err := s.Path(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrAudioNotFound, handle)
	}
	return f, err
}

// Remove deletes the audio stored under handle.
func (s *FileStore) Remove(handle string) error {
	path, err := s.Path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAudioNotFound, handle)
		}
		return err
	}
	return nil
}
