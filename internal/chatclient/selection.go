package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SelectionStore remembers which chat was active across client runs.
type SelectionStore interface {
	Load() (string, error)
	Save(chatID string) error
}

type memorySelectionStore struct {
	mu     sync.Mutex
	chatID string
}

func NewMemorySelectionStore() SelectionStore {
	return &memorySelectionStore{}
}

func (s *memorySelectionStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID, nil
}

func (s *memorySelectionStore) Save(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatID = chatID
	return nil
}

type fileSelectionStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSelectionStore persists the selection as a small JSON file, created
// on first save.
func NewFileSelectionStore(path string) (SelectionStore, error) {
	if path == "" {
		return nil, errors.New("selection file path is required")
	}
	return &fileSelectionStore{path: path}, nil
}

type selectionFile struct {
	ActiveChatID string `json:"activeChatId"`
}

func (s *fileSelectionStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read selection file: %w", err)
	}

	var stored selectionFile
	if err := json.Unmarshal(raw, &stored); err != nil {
		// a corrupt file behaves like no selection; the next save rewrites it
		return "", nil
	}
	return stored.ActiveChatID, nil
}

func (s *fileSelectionStore) Save(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(selectionFile{ActiveChatID: chatID})
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create selection dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write selection file: %w", err)
	}
	return nil
}
