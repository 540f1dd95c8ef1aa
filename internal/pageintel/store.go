package pageintel

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shopnerd/internal/logging"
)

// cacheCapacity bounds the in-memory understanding cache.
const cacheCapacity = 128

// schemaRecord is one line of a domain's JSONL file. Either field may
// be set; the newest line per (domain, page type) wins on load.
type schemaRecord struct {
	At            time.Time          `json:"at"`
	Understanding *PageUnderstanding `json:"understanding,omitempty"`
	Schema        *ExtractionSchema  `json:"schema,omitempty"`
}

// lruCache is a small bounded LRU for calibrated understandings.
type lruCache struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key   string
	value *PageUnderstanding
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (*PageUnderstanding, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value *PageUnderstanding) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) remove(key string) {
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// SchemaStore persists understandings and schemas append-only, one
// JSONL file per domain under the schemas directory. Appending is the
// only write; history survives for inspection and the latest record per
// page type is authoritative.
type SchemaStore struct {
	dir string
	mu  sync.Mutex
}

// NewSchemaStore creates a store rooted at dir.
func NewSchemaStore(dir string) *SchemaStore {
	return &SchemaStore{dir: dir}
}

func (s *SchemaStore) fileFor(domain string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, domain)
	return filepath.Join(s.dir, safe+".jsonl")
}

func (s *SchemaStore) append(domain string, rec schemaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create schemas dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal schema record: %w", err)
	}
	f, err := os.OpenFile(s.fileFor(domain), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append schema record: %w", err)
	}
	return nil
}

// SaveUnderstanding appends a calibrated understanding.
func (s *SchemaStore) SaveUnderstanding(u *PageUnderstanding) error {
	return s.append(u.Domain, schemaRecord{At: time.Now().UTC(), Understanding: u})
}

// SaveSchema appends a flat schema snapshot.
func (s *SchemaStore) SaveSchema(sc *ExtractionSchema) error {
	return s.append(sc.Domain, schemaRecord{At: time.Now().UTC(), Schema: sc})
}

// load replays a domain's JSONL file and returns the newest records.
// Corrupt lines are skipped; an append interrupted mid-line must not
// poison the rest of the history.
func (s *SchemaStore) load(domain string) (map[PageType]*PageUnderstanding, map[PageType]*ExtractionSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.fileFor(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()

	understandings := make(map[PageType]*PageUnderstanding)
	schemas := make(map[PageType]*ExtractionSchema)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec schemaRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logging.PageIntelDebug("skipping corrupt schema line %s:%d: %v", domain, line, err)
			continue
		}
		if rec.Understanding != nil {
			understandings[rec.Understanding.PageType] = rec.Understanding
		}
		if rec.Schema != nil {
			schemas[rec.Schema.PageType] = rec.Schema
		}
	}
	if err := scanner.Err(); err != nil {
		return understandings, schemas, fmt.Errorf("scan schema file: %w", err)
	}
	return understandings, schemas, nil
}

// LoadUnderstanding returns the newest persisted understanding for a
// (domain, page type), or nil.
func (s *SchemaStore) LoadUnderstanding(domain string, pt PageType) (*PageUnderstanding, error) {
	us, _, err := s.load(domain)
	if err != nil {
		return nil, err
	}
	return us[pt], nil
}

// LoadSchema returns the newest persisted flat schema, or nil.
func (s *SchemaStore) LoadSchema(domain string, pt PageType) (*ExtractionSchema, error) {
	_, scs, err := s.load(domain)
	if err != nil {
		return nil, err
	}
	return scs[pt], nil
}
