// Package grammar loads named recognition grammars once and shares them
// read-only between sessions.
package grammar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FileExtension is appended to a grammar name to find its file.
const FileExtension = ".gram"

var ErrInvalidName = errors.New("invalid grammar name")

// Grammar is an immutable, named constraint set. The content is opaque to
// this service and handed to the decoding engine as-is.
type Grammar struct {
	name   string
	path   string
	data   []byte
	digest string
}

func New(name, path string, data []byte) *Grammar {
	sum := sha256.Sum256(data)
	return &Grammar{
		name:   name,
		path:   path,
		data:   append([]byte(nil), data...),
		digest: hex.EncodeToString(sum[:]),
	}
}

func (g *Grammar) Name() string   { return g.name }
func (g *Grammar) Path() string   { return g.path }
func (g *Grammar) Digest() string { return g.digest }

// Bytes returns a copy of the grammar source.
func (g *Grammar) Bytes() []byte { return append([]byte(nil), g.data...) }

// Store caches grammars loaded from a directory. Each distinct name is read
// from disk at most once; concurrent first loads share a single read.
type Store struct {
	dir   string
	log   *slog.Logger
	mu    sync.RWMutex
	cache map[string]*Grammar
	group singleflight.Group
	loads int
}

func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{
		dir:   dir,
		log:   log.With(slog.String("component", "grammar-store")),
		cache: make(map[string]*Grammar),
	}
}

// Load returns the cached grammar for name, reading <dir>/<name>.gram on first use.
func (s *Store) Load(ctx context.Context, name string) (*Grammar, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	g, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	ch := s.group.DoChan(name, func() (any, error) {
		s.mu.RLock()
		cached, ok := s.cache[name]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
		path := filepath.Join(s.dir, name+FileExtension)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read grammar %q: %w", name, err)
		}
		loaded := New(name, path, data)
		s.mu.Lock()
		s.cache[name] = loaded
		s.loads++
		s.mu.Unlock()
		s.log.Info("grammar loaded", slog.String("grammar", name), slog.String("digest", loaded.digest))
		return loaded, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Grammar), nil
	}
}

// Names lists the grammars loaded so far.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cache))
	for name := range s.cache {
		names = append(names, name)
	}
	return names
}

// Loads reports how many disk reads the store has performed.
func (s *Store) Loads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
