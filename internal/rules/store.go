package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/grpcmock/internal/logging"
)

// LoadError records one rule file that failed to parse.
type LoadError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Index is an immutable snapshot of all loaded rule documents, keyed by
// lower-cased "package.service.method".
type Index struct {
	docs   map[string]*RuleDoc
	keys   []string
	errors []LoadError
}

// Get returns the rule document for a rule key.
func (i *Index) Get(ruleKey string) (*RuleDoc, bool) {
	d, ok := i.docs[ruleKey]
	return d, ok
}

// Keys returns the sorted rule keys.
func (i *Index) Keys() []string {
	return i.keys
}

// Errors returns load errors for files that were skipped.
func (i *Index) Errors() []LoadError {
	return i.errors
}

// Len returns the number of loaded rule documents.
func (i *Index) Len() int {
	return len(i.docs)
}

// LoadAll reads every *.yaml, *.yml and *.json file in ruleDir. The rule
// key derives from the filename with the extension stripped and
// lower-cased. Invalid files are recorded as errors and do not abort the
// rest; duplicate keys keep the first file and record the second as an
// error. A missing directory yields an empty index.
func LoadAll(ruleDir string) *Index {
	idx := &Index{docs: make(map[string]*RuleDoc)}

	entries, err := os.ReadDir(ruleDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("cannot read rule directory", zap.String("dir", ruleDir), zap.Error(err))
		}
		return idx
	}

	// Deterministic iteration so duplicate handling is stable.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(ruleDir, name)
		key := keyFromFilename(name)

		doc, err := loadFile(path)
		if err != nil {
			idx.errors = append(idx.errors, LoadError{File: name, Error: err.Error()})
			logging.Warn("skipping rule file", zap.String("file", name), zap.Error(err))
			continue
		}
		if _, dup := idx.docs[key]; dup {
			idx.errors = append(idx.errors, LoadError{File: name, Error: fmt.Sprintf("duplicate rule key %q", key)})
			logging.Warn("duplicate rule key", zap.String("file", name), zap.String("key", key))
			continue
		}
		idx.docs[key] = doc
	}

	idx.keys = make([]string, 0, len(idx.docs))
	for k := range idx.docs {
		idx.keys = append(idx.keys, k)
	}
	sort.Strings(idx.keys)
	return idx
}

// keyFromFilename strips the extension and lower-cases the rest. This is
// the file-side half of the rule key convention; the registry side is
// schema.RuleKey.
func keyFromFilename(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
}

func loadFile(path string) (*RuleDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw any
	// YAML is a JSON superset, so one decoder covers both extensions.
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return parseDoc(raw)
}

// Store holds the current rule index. Readers take a snapshot pointer;
// Replace swaps it atomically so a reader never observes a partial
// reload.
type Store struct {
	current atomic.Pointer[Index]
}

// NewStore creates a store with an empty index.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Index{docs: make(map[string]*RuleDoc)})
	return s
}

// Snapshot returns the index in effect right now.
func (s *Store) Snapshot() *Index {
	return s.current.Load()
}

// Replace atomically publishes a new index.
func (s *Store) Replace(idx *Index) {
	s.current.Store(idx)
}
