package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage persists the encrypted vault record and the public-key
// sidecar. Implementations report a missing record as ErrNoRecordFound.
type Storage interface {
	ReadRecord() ([]byte, error)
	WriteRecord(data []byte) error
	DeleteRecord() error
	ReadPublicKey() (string, error)
	WritePublicKey(npub string) error
}

const (
	recordFilename    = ".ncrypt"
	publicKeyFilename = "npub"
)

// FileStorage keeps the vault files under a single directory, the
// record hex-encoded in a mode-0600 file.
type FileStorage struct {
	Dir string
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{Dir: dir}
}

func (fs *FileStorage) ReadRecord() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(fs.Dir, recordFilename))
	if os.IsNotExist(err) {
		return nil, ErrNoRecordFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault record: %w", err)
	}
	return data, nil
}

func (fs *FileStorage) WriteRecord(data []byte) error {
	if err := os.MkdirAll(fs.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}
	path := filepath.Join(fs.Dir, recordFilename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault record: %w", err)
	}
	// WriteFile only applies the mode on creation
	return os.Chmod(path, 0o600)
}

func (fs *FileStorage) DeleteRecord() error {
	err := os.Remove(filepath.Join(fs.Dir, recordFilename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *FileStorage) ReadPublicKey() (string, error) {
	data, err := os.ReadFile(filepath.Join(fs.Dir, publicKeyFilename))
	if os.IsNotExist(err) {
		return "", ErrNoRecordFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read public key file: %w", err)
	}
	return string(data), nil
}

func (fs *FileStorage) WritePublicKey(npub string) error {
	if err := os.MkdirAll(fs.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}
	return os.WriteFile(filepath.Join(fs.Dir, publicKeyFilename), []byte(npub), 0o644)
}
