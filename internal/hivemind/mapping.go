package hivemind

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mapping links a stable document identifier to this user's local path and
// the sync state recorded for it. Exactly one mapping exists per document
// identifier per user; the identifier never changes after creation.
type Mapping struct {
	DocumentID     string    `json:"documentId"`
	LocalPath      string    `json:"localPath"`
	TeamID         string    `json:"teamId"`
	LastSyncedHash string    `json:"lastSyncedHash"`
	LastKnownPath  string    `json:"lastKnownPath,omitempty"`
	SharedAt       time.Time `json:"sharedAt"`
	SharedBy       string    `json:"sharedBy,omitempty"`
}

// DocumentMetadata is the read-only team-shared record describing a
// document. It is owned by the remote store; the core consumes it as input
// and never mutates it.
type DocumentMetadata struct {
	DocumentID    string    `json:"documentId"`
	SuggestedName string    `json:"suggestedName"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Description   string    `json:"description,omitempty"`
}

// FileReader reads file content from the local vault.
type FileReader interface {
	Read(path string) ([]byte, error)
}

// FileTree is the local vault surface the core depends on. Paths are
// vault-relative, slash-separated.
type FileTree interface {
	FileReader
	Write(path string, data []byte) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	List() ([]string, error)
	Exists(path string) bool
}

type persistedMappings struct {
	Mappings []Mapping `json:"mappings"`
}

// MappingStore owns the documentId -> mapping table. Every mutation
// persists the full table through the configured StateBackend before
// returning; persistence failures surface as IOError and roll the
// in-memory change back.
type MappingStore struct {
	mu       sync.Mutex
	mappings map[string]Mapping
	files    FileReader
	backend  StateBackend
	user     string
	now      func() time.Time
}

type MappingStoreOptions struct {
	Files   FileReader
	Backend StateBackend
	// User is the identity recorded as SharedBy on mappings this user
	// creates. Optional; joined mappings never carry it.
	User string
}

func NewMappingStore(opts MappingStoreOptions) (*MappingStore, error) {
	if opts.Files == nil {
		return nil, ErrInvalidInput
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	s := &MappingStore{
		mappings: map[string]Mapping{},
		files:    opts.Files,
		backend:  backend,
		user:     strings.TrimSpace(opts.User),
		now:      time.Now,
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, &IOError{Op: "load mappings", Err: err}
	}
	if snapshot != nil {
		for _, m := range snapshot.Mappings {
			if strings.TrimSpace(m.DocumentID) == "" {
				continue
			}
			s.mappings[m.DocumentID] = m
		}
	}
	return s, nil
}

// Create mints a new document identifier for the file at path, records a
// fresh mapping with the file's current content hash, and persists it.
func (s *MappingStore) Create(path, teamID string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || strings.TrimSpace(teamID) == "" {
		return "", ErrInvalidInput
	}
	content, err := s.files.Read(path)
	if err != nil {
		return "", &IOError{Op: "read", Path: path, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.mappings[id] = Mapping{
		DocumentID:     id,
		LocalPath:      path,
		TeamID:         strings.TrimSpace(teamID),
		LastSyncedHash: hashBytes(content),
		SharedAt:       s.now().UTC(),
		SharedBy:       s.user,
	}
	if err := s.persistLocked(); err != nil {
		delete(s.mappings, id)
		return "", err
	}
	return id, nil
}

// Join records a mapping for a document that already exists remotely. The
// caller supplies the desired local path; the content hash starts empty and
// is recorded by the first pull.
func (s *MappingStore) Join(documentID, teamID, localPath string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(localPath) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[documentID]; ok {
		return &ConflictError{DocumentID: documentID, LocalPath: existing.LocalPath}
	}
	s.mappings[documentID] = Mapping{
		DocumentID: documentID,
		LocalPath:  strings.TrimSpace(localPath),
		TeamID:     strings.TrimSpace(teamID),
		SharedAt:   s.now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		delete(s.mappings, documentID)
		return err
	}
	return nil
}

// FindByPath scans for the mapping whose LocalPath equals path.
func (s *MappingStore) FindByPath(path string) (Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.LocalPath == path {
			return m, true
		}
	}
	return Mapping{}, false
}

func (s *MappingStore) FindByID(documentID string) (Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[documentID]
	return m, ok
}

// UpdatePath moves a mapping to newPath, remembering the previous path in
// LastKnownPath for recovery.
func (s *MappingStore) UpdatePath(documentID, newPath string) error {
	if strings.TrimSpace(newPath) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[documentID]
	if !ok {
		return ErrNotFound
	}
	prev := m
	m.LastKnownPath = m.LocalPath
	m.LocalPath = newPath
	s.mappings[documentID] = m
	if err := s.persistLocked(); err != nil {
		s.mappings[documentID] = prev
		return err
	}
	return nil
}

// UpdateHash records the content hash of the most recent successful sync.
// Unknown identifiers are ignored; a hash update racing a removal is not
// an error.
func (s *MappingStore) UpdateHash(documentID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[documentID]
	if !ok {
		return nil
	}
	prev := m
	m.LastSyncedHash = hash
	s.mappings[documentID] = m
	if err := s.persistLocked(); err != nil {
		s.mappings[documentID] = prev
		return err
	}
	return nil
}

// Remove deletes the mapping. Removing an unknown identifier is a no-op.
func (s *MappingStore) Remove(documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[documentID]
	if !ok {
		return nil
	}
	delete(s.mappings, documentID)
	if err := s.persistLocked(); err != nil {
		s.mappings[documentID] = m
		return err
	}
	return nil
}

// All returns every mapping, ordered by document identifier.
func (s *MappingStore) All() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func (s *MappingStore) persistLocked() error {
	snapshot := &persistedMappings{Mappings: make([]Mapping, 0, len(s.mappings))}
	for _, m := range s.mappings {
		snapshot.Mappings = append(snapshot.Mappings, m)
	}
	sort.Slice(snapshot.Mappings, func(i, j int) bool {
		return snapshot.Mappings[i].DocumentID < snapshot.Mappings[j].DocumentID
	})
	if err := s.backend.Save(snapshot); err != nil {
		return &IOError{Op: "save mappings", Err: err}
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
