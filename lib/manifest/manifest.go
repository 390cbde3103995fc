package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v3"
)

var Logger = logger.GetLogger("manifest")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Entry describes one database known to the server
type Entry struct {
	Name      string         `yaml:"name" json:"name"`
	UID       string         `yaml:"uid" json:"uid"`
	Path      string         `yaml:"path" json:"path"`
	Engine    storage.Engine `yaml:"engine,omitempty" json:"engine,omitempty"`
	CreatedAt time.Time      `yaml:"created_at" json:"created_at"`
}

// fileFormat is the on-disk layout of the manifest
type fileFormat struct {
	Version   int     `yaml:"version"`
	Databases []Entry `yaml:"databases"`
}

const formatVersion = 1

// snapshot is an immutable view of the manifest. It is replaced, never mutated.
type snapshot struct {
	entries map[string]Entry
}

// Store is the durable mapping of database names to their location on disk.
// Writers are serialized by a mutex, readers load the current snapshot
// without locking.
type Store struct {
	path    string
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// --------------------------------------------------------------------------
// Construction
// --------------------------------------------------------------------------

// Load reads the manifest file at path. A missing file yields an empty
// manifest; malformed content fails with errs.CodeManifestCorrupt.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		Logger.Infof("manifest %s does not exist yet, starting empty", path)
		s.current.Store(&snapshot{entries: map[string]Entry{}})
		return s, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeManifestCorrupt, err, "failed to read manifest %s", path)
	}

	snap, err := decode(data)
	if err != nil {
		return nil, errs.Wrap(errs.CodeManifestCorrupt, err, "manifest %s is not well-formed", path)
	}
	s.current.Store(snap)

	Logger.Infof("loaded manifest %s with %d databases", path, len(snap.entries))
	return s, nil
}

// decode parses and validates the file content
func decode(data []byte) (*snapshot, error) {
	snap := &snapshot{entries: map[string]Entry{}}

	// an empty file is an empty manifest
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}

	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", f.Version)
	}

	for i, e := range f.Databases {
		if err := ValidateName(e.Name); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if !filepath.IsAbs(e.Path) {
			return nil, fmt.Errorf("entry %q: path %q is not absolute", e.Name, e.Path)
		}
		if _, dup := snap.entries[e.Name]; dup {
			return nil, fmt.Errorf("entry %q: duplicate name", e.Name)
		}
		snap.entries[e.Name] = e
	}
	return snap, nil
}

// --------------------------------------------------------------------------
// Read Operations (lock free)
// --------------------------------------------------------------------------

// Get returns the entry for name.
func (s *Store) Get(name string) (Entry, error) {
	e, ok := s.current.Load().entries[name]
	if !ok {
		return Entry{}, errs.New(errs.CodeNotFound, "database %q does not exist", name)
	}
	return e, nil
}

// Has reports whether name is in the manifest
func (s *Store) Has(name string) bool {
	_, ok := s.current.Load().entries[name]
	return ok
}

// List returns a copy of all entries sorted by name.
func (s *Store) List() []Entry {
	snap := s.current.Load()
	list := make([]Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Path returns the location of the manifest file
func (s *Store) Path() string {
	return s.path
}

// --------------------------------------------------------------------------
// Write Operations (serialized)
// --------------------------------------------------------------------------

// Add appends a new entry and persists the manifest.
// The path must be absolute. Fails with errs.CodeAlreadyExists if name is taken.
func (s *Store) Add(name, path string, engine storage.Engine) (Entry, error) {
	if err := ValidateName(name); err != nil {
		return Entry{}, err
	}
	if !filepath.IsAbs(path) {
		return Entry{}, errs.New(errs.CodeInvalidArgument, "database path %q is not absolute", path)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	if _, ok := old.entries[name]; ok {
		return Entry{}, errs.New(errs.CodeAlreadyExists, "database %q already exists", name)
	}
	for _, other := range old.entries {
		if pathsOverlap(other.Path, path) {
			return Entry{}, errs.New(errs.CodeAlreadyExists, "path %s overlaps the data of database %q", path, other.Name)
		}
	}

	entry := Entry{
		Name:      name,
		UID:       uuid.NewString(),
		Path:      filepath.Clean(path),
		Engine:    engine,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	next := old.clone()
	next.entries[name] = entry
	if err := s.persist(next); err != nil {
		return Entry{}, err
	}
	s.current.Store(next)

	Logger.Infof("added database %q at %s", name, entry.Path)
	return entry, nil
}

// Remove deletes the entry for name and persists the manifest.
// Fails with errs.CodeNotFound (leaving the file untouched) if name is absent.
func (s *Store) Remove(name string) (Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	entry, ok := old.entries[name]
	if !ok {
		return Entry{}, errs.New(errs.CodeNotFound, "database %q does not exist", name)
	}

	next := old.clone()
	delete(next.entries, name)
	if err := s.persist(next); err != nil {
		return Entry{}, err
	}
	s.current.Store(next)

	Logger.Infof("removed database %q", name)
	return entry, nil
}

// Flush writes the current snapshot to disk again.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persist(s.current.Load())
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (snap *snapshot) clone() *snapshot {
	entries := make(map[string]Entry, len(snap.entries)+1)
	for k, v := range snap.entries {
		entries[k] = v
	}
	return &snapshot{entries: entries}
}

// persist atomically replaces the manifest file: the content is written to a
// temp file in the same directory, synced and renamed over the old file.
func (s *Store) persist(snap *snapshot) error {
	f := fileFormat{Version: formatVersion, Databases: make([]Entry, 0, len(snap.entries))}
	for _, e := range snap.entries {
		f.Databases = append(f.Databases, e)
	}
	sort.Slice(f.Databases, func(i, j int) bool { return f.Databases[i].Name < f.Databases[j].Name })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	// make the rename itself durable
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
