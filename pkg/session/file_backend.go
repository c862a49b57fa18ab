package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend using JSONL files.
// Storage layout:
//
//	~/.autoyou/sessions/
//	  ├── sessions.json          # Session index
//	  └── <session-id>.jsonl     # Session turns
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.autoyou/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".autoyou", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

func (f *FileBackend) indexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileBackend) turnsPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".jsonl")
}

// loadIndex reads the session index. Missing index means no sessions yet.
func (f *FileBackend) loadIndex() (map[string]*Metadata, error) {
	index := make(map[string]*Metadata)

	data, err := os.ReadFile(f.indexPath()) // #nosec G304 - base dir is from trusted config input
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}

	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

func (f *FileBackend) saveIndex(index map[string]*Metadata) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	if err := os.WriteFile(f.indexPath(), data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

// SaveSession creates or updates session metadata.
func (f *FileBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	if err := validatePathComponent(meta.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}

	index[meta.ID] = meta
	return f.saveIndex(index)
}

// LoadSession retrieves session metadata by ID.
func (f *FileBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}

	meta, ok := index[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return meta, nil
}

// DeleteSession removes a session and all its turns.
func (f *FileBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.loadIndex()
	if err != nil {
		return err
	}

	if _, ok := index[sessionID]; !ok {
		return ErrUnknownSession
	}

	delete(index, sessionID)
	if err := f.saveIndex(index); err != nil {
		return err
	}

	_ = os.Remove(f.turnsPath(sessionID)) // Ignore if doesn't exist
	return nil
}

// ListSessions returns session metadata matching the filter options.
func (f *FileBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	index, err := f.loadIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Metadata, 0, len(index))
	for _, meta := range index {
		if meta.Expired && !opts.IncludeExpired {
			continue
		}
		sessions = append(sessions, meta)
	}

	// Sort by last activity (most recent first)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(sessions) {
			return []*Metadata{}, nil
		}
		sessions = sessions[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(sessions) {
		sessions = sessions[:opts.Limit]
	}

	return sessions, nil
}

// AppendTurn adds a turn to a session (append-only).
func (f *FileBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.OpenFile(f.turnsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session ID validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open turns file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}

	return nil
}

// LoadTurns retrieves all turns for a session in order.
func (f *FileBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.turnsPath(sessionID)) // #nosec G304 - session ID validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*Turn{}, nil
		}
		return nil, fmt.Errorf("open turns file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var turns []*Turn
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var turn Turn
		if err := json.Unmarshal(line, &turn); err != nil {
			return nil, fmt.Errorf("parse turn: %w", err)
		}
		turns = append(turns, &turn)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read turns file: %w", err)
	}

	return turns, nil
}

// Close releases resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
