// Package bookmark implements named, mutable node pointers (spec.md
// §3/§4.8's bookmarks): human-assigned names that move with commits the
// way a branch head does in other systems, stored as a small
// human-editable file.
//
// Grounded on the teacher's journal-style flat writer for the general
// idiom, but using yaml.v2 for the concrete format — the same choice the
// teacher's own config package makes for small human-facing files,
// rather than inventing yet another bespoke line format.
package bookmark

import (
	"sort"
	"sync"

	"github.com/rcowham/vcscore/nodeid"
	"gopkg.in/yaml.v2"
)

// Store holds the name -> node mapping. Zero value is usable.
type Store struct {
	mu    sync.RWMutex
	marks map[string]string // name -> node hex, yaml-friendly
}

// wireFormat is what actually gets marshaled; a plain map keeps the
// on-disk file a flat "name: node-hex" list, trivially diffable.
type wireFormat map[string]string

// NewStore creates an empty bookmark store.
func NewStore() *Store {
	return &Store{marks: make(map[string]string)}
}

// Load parses a serialized bookmarks file.
func Load(data []byte) (*Store, error) {
	var wf wireFormat
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	if wf == nil {
		wf = wireFormat{}
	}
	return &Store{marks: wf}, nil
}

// Save serializes the store back to its on-disk form, with names sorted
// so the file diffs cleanly across commits.
func (s *Store) Save() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return yaml.Marshal(wireFormat(s.marks))
}

// Set points name at node, creating or moving the bookmark.
func (s *Store) Set(name string, node nodeid.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		s.marks = make(map[string]string)
	}
	s.marks[name] = node.String()
}

// Delete removes a bookmark; a no-op if it does not exist.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, name)
}

// Get resolves a bookmark name to its node.
func (s *Store) Get(name string) (nodeid.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hexNode, ok := s.marks[name]
	if !ok {
		return nodeid.Null, false
	}
	node, err := nodeid.Parse(hexNode)
	if err != nil {
		return nodeid.Null, false
	}
	return node, true
}

// Names returns every bookmark name, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.marks))
	for n := range s.marks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PointingAt returns every bookmark name currently pointing at node.
func (s *Store) PointingAt(node nodeid.Node) []string {
	hex := node.String()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, n := range s.marks {
		if n == hex {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
