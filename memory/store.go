// ABOUTME: Per-session memory store backed by SQLite, with ULID record IDs.
// ABOUTME: Keyword search scored by relevance, importance, and recency; consolidation and forgetting policies.
package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Kind classifies a memory record.
type Kind string

const (
	KindShortTerm Kind = "short_term"
	KindLongTerm  Kind = "long_term"
	KindEpisodic  Kind = "episodic"
	KindSemantic  Kind = "semantic"
)

// ValidKind reports whether k is one of the four memory kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindShortTerm, KindLongTerm, KindEpisodic, KindSemantic:
		return true
	}
	return false
}

// ErrNotFound is returned for lookups of unknown record IDs.
var ErrNotFound = errors.New("memory record not found")

// Record is one stored memory.
type Record struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Content        string            `json:"content"`
	Importance     float64           `json:"importance"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	AccessCount    int               `json:"access_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Promotion and eviction policy constants.
const (
	promoteAccessCount   = 3
	promoteImportance    = 0.8
	protectedImportance  = 0.9
	DefaultMaxRecords    = 1000
	DefaultSearchResults = 5
)

// Store persists memory records in one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the store at path. The schema is applied on open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL,
			created_at TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Save stores a new record. Kind defaults to short_term; importance is
// clamped to [0,1]. Saving triggers the forgetting pass when the store is
// over DefaultMaxRecords.
func (s *Store) Save(kind Kind, content string, importance float64, metadata map[string]string) (*Record, error) {
	if content == "" {
		return nil, errors.New("content required")
	}
	if kind == "" {
		kind = KindShortTerm
	}
	if !ValidKind(kind) {
		return nil, fmt.Errorf("invalid memory kind %q", kind)
	}
	importance = math.Max(0, math.Min(1, importance))

	now := s.now().UTC()
	rec := &Record{
		ID:             ulid.Make().String(),
		Kind:           kind,
		Content:        content,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		Metadata:       metadata,
	}

	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO memories (id, kind, content, importance, created_at, last_accessed_at, access_count, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, string(rec.Kind), rec.Content, rec.Importance,
		now.Format(timeLayout), now.Format(timeLayout), string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if _, err := s.Forget(DefaultMaxRecords); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads one record and bumps its access statistics.
func (s *Store) Get(id string) (*Record, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := s.touch(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) load(id string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, content, importance, created_at, last_accessed_at, access_count, metadata
		 FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind, createdAt, lastAccessed string
	var meta sql.NullString
	if err := row.Scan(&rec.ID, &kind, &rec.Content, &rec.Importance, &createdAt, &lastAccessed, &rec.AccessCount, &meta); err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.LastAccessedAt, err = time.Parse(timeLayout, lastAccessed); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &rec, nil
}

// touch bumps access count and last access time.
func (s *Store) touch(rec *Record) error {
	now := s.now().UTC()
	_, err := s.db.Exec(
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		now.Format(timeLayout), rec.ID)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	rec.AccessCount++
	rec.LastAccessedAt = now
	return nil
}

// Update changes content, importance, or metadata of an existing record.
// Nil arguments leave the field untouched.
func (s *Store) Update(id string, content *string, importance *float64, metadata map[string]string) (*Record, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if content != nil {
		rec.Content = *content
	}
	if importance != nil {
		rec.Importance = math.Max(0, math.Min(1, *importance))
	}
	if metadata != nil {
		rec.Metadata = metadata
	}

	var meta []byte
	if len(rec.Metadata) > 0 {
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err = s.db.Exec(
		`UPDATE memories SET content = ?, importance = ?, metadata = ? WHERE id = ?`,
		rec.Content, rec.Importance, string(meta), id)
	if err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SearchOptions filter and bound a search.
type SearchOptions struct {
	Kind          Kind
	MinImportance float64
	Limit         int
}

// SearchResult pairs a record with its score.
type SearchResult struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// Search ranks records against a keyword query. The score is
// relevance x importance x recency; matched records get their access
// statistics bumped.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchResults
	}

	where := "WHERE importance >= ?"
	args := []any{opts.MinImportance}
	if opts.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}

	rows, err := s.db.Query(
		`SELECT id, kind, content, importance, created_at, last_accessed_at, access_count, metadata
		 FROM memories `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var results []SearchResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		relevance := relevanceOf(query, rec.Content)
		if relevance <= 0 {
			continue
		}
		score := relevance * rec.Importance * recencyWeight(now, rec.LastAccessedAt)
		results = append(results, SearchResult{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	for _, r := range results {
		if err := s.touch(r.Record); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// relevanceOf scores content against a query: 1.0 for a substring match,
// otherwise the fraction of query words present in the content.
func relevanceOf(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(content)
	if q == "" {
		return 1.0
	}
	if strings.Contains(c, q) {
		return 1.0
	}
	words := strings.Fields(q)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if strings.Contains(c, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

// recencyWeight decays with time since last access; half weight after 30 days.
func recencyWeight(now, lastAccess time.Time) float64 {
	days := now.Sub(lastAccess).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1.0 / (1.0 + days/30)
}

// GetRecent returns the most recently created records.
func (s *Store) GetRecent(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultSearchResults
	}
	return s.list(`ORDER BY created_at DESC LIMIT ?`, limit)
}

// GetImportant returns records ranked by importance blended with access
// frequency: importance x 0.7 + min(access/100, 0.3).
func (s *Store) GetImportant(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultSearchResults
	}
	all, err := s.list(`ORDER BY created_at DESC`, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return importanceRank(all[i]) > importanceRank(all[j])
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func importanceRank(rec *Record) float64 {
	return rec.Importance*0.7 + math.Min(float64(rec.AccessCount)/100, 0.3)
}

func (s *Store) list(tail string, limit any) ([]*Record, error) {
	q := `SELECT id, kind, content, importance, created_at, last_accessed_at, access_count, metadata FROM memories ` + tail
	var rows *sql.Rows
	var err error
	if limit != nil {
		rows, err = s.db.Query(q, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Consolidate promotes short-term records to long-term when they have been
// accessed at least three times or carry importance of 0.8 and above.
// Returns the number of promoted records.
func (s *Store) Consolidate() (int, error) {
	res, err := s.db.Exec(
		`UPDATE memories SET kind = ? WHERE kind = ? AND (access_count >= ? OR importance >= ?)`,
		string(KindLongTerm), string(KindShortTerm), promoteAccessCount, promoteImportance)
	if err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Forget evicts the lowest-scoring records until the store holds at most
// maxRecords. Records with importance >= 0.9 are never evicted. The
// eviction score is importance x 0.4 + min(access/100, 0.3) + recency x 0.3.
func (s *Store) Forget(maxRecords int) (int, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	all, err := s.list("", nil)
	if err != nil {
		return 0, err
	}
	if len(all) <= maxRecords {
		return 0, nil
	}

	now := s.now().UTC()
	type scored struct {
		rec   *Record
		score float64
	}
	var candidates []scored
	for _, rec := range all {
		if rec.Importance >= protectedImportance {
			continue
		}
		ageDays := now.Sub(rec.CreatedAt).Hours() / 24
		recency := math.Max(0, 1-ageDays/365)
		score := rec.Importance*0.4 + math.Min(float64(rec.AccessCount)/100, 0.3) + recency*0.3
		candidates = append(candidates, scored{rec, score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	toEvict := len(all) - maxRecords
	evicted := 0
	for _, c := range candidates {
		if evicted >= toEvict {
			break
		}
		if err := s.Delete(c.rec.ID); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	Total             int            `json:"total"`
	ByKind            map[string]int `json:"by_kind"`
	AverageImportance float64        `json:"average_importance"`
	TotalAccessCount  int            `json:"total_access_count"`
	UsageBytes        int            `json:"memory_usage_bytes"`
}

// Stats computes counts, average importance, and content size.
func (s *Store) Stats() (*Stats, error) {
	all, err := s.list("", nil)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByKind: make(map[string]int)}
	var importanceSum float64
	for _, rec := range all {
		stats.Total++
		stats.ByKind[string(rec.Kind)]++
		stats.TotalAccessCount += rec.AccessCount
		stats.UsageBytes += len(rec.Content)
		importanceSum += rec.Importance
	}
	if stats.Total > 0 {
		stats.AverageImportance = importanceSum / float64(stats.Total)
	}
	return stats, nil
}
