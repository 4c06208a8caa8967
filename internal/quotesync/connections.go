package quotesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type MemoryConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewMemoryConnectionStore(conns ...Connection) *MemoryConnectionStore {
	store := &MemoryConnectionStore{conns: map[string]Connection{}}
	for _, conn := range conns {
		store.conns[conn.UserID] = conn
	}
	return store
}

func (s *MemoryConnectionStore) GetConnection(ctx context.Context, userID string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[userID]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryConnectionStore) SaveConnection(ctx context.Context, conn Connection) error {
	if strings.TrimSpace(conn.UserID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.UserID] = conn
	return nil
}

func (s *MemoryConnectionStore) DeleteConnection(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[userID]; !ok {
		return ErrNotFound
	}
	delete(s.conns, userID)
	return nil
}

// FileConnectionStore keeps connections in a JSON file, rewritten atomically
// on every change. The file holds access tokens and is written 0600.
type FileConnectionStore struct {
	path  string
	mu    sync.Mutex
	conns map[string]fileConnection
}

type fileConnection struct {
	Connection
	AccessToken string `json:"accessToken"`
}

type fileConnectionState struct {
	Connections []fileConnection `json:"connections"`
}

func NewFileConnectionStore(path string) (*FileConnectionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &FileConnectionStore{path: path, conns: map[string]fileConnection{}}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileConnectionStore) GetConnection(ctx context.Context, userID string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conns[userID]
	if !ok {
		return Connection{}, ErrNotFound
	}
	conn := record.Connection
	conn.AccessToken = record.AccessToken
	return conn, nil
}

func (s *FileConnectionStore) SaveConnection(ctx context.Context, conn Connection) error {
	if strings.TrimSpace(conn.UserID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.conns[conn.UserID]
	s.conns[conn.UserID] = fileConnection{Connection: conn, AccessToken: conn.AccessToken}
	if err := s.saveLocked(); err != nil {
		if existed {
			s.conns[conn.UserID] = prev
		} else {
			delete(s.conns, conn.UserID)
		}
		return err
	}
	return nil
}

func (s *FileConnectionStore) DeleteConnection(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.conns[userID]
	if !ok {
		return ErrNotFound
	}
	delete(s.conns, userID)
	if err := s.saveLocked(); err != nil {
		s.conns[userID] = prev
		return err
	}
	return nil
}

func (s *FileConnectionStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileConnectionState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, record := range state.Connections {
		s.conns[record.UserID] = record
	}
	return nil
}

func (s *FileConnectionStore) saveLocked() error {
	state := fileConnectionState{Connections: make([]fileConnection, 0, len(s.conns))}
	for _, record := range s.conns {
		state.Connections = append(state.Connections, record)
	}
	sort.Slice(state.Connections, func(i, j int) bool {
		return state.Connections[i].UserID < state.Connections[j].UserID
	})
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
