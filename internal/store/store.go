package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

// Store keeps the latest controller snapshot in a JSON file for tools that
// cannot reach the REST API. The controller never reads it back.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*model.ControllerStatus, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var status model.ControllerStatus
	if err := json.NewDecoder(file).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Store) Save(status model.ControllerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(status); err != nil {
		file.Close()
		return err
	}
	file.Sync()
	file.Close()

	return os.Rename(tmpPath, s.path)
}
