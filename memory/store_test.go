// ABOUTME: Tests for the SQLite memory store.
// ABOUTME: Covers CRUD, search scoring, consolidation promotion, forgetting eviction, and stats.
package memory

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newStore(t)

	rec, err := s.Save(KindSemantic, "the capital of France is Paris", 0.7, map[string]string{"topic": "geo"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("missing id")
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != rec.Content || got.Kind != KindSemantic {
		t.Errorf("got %+v", got)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count = %d, want 1 after Get", got.AccessCount)
	}
	if got.Metadata["topic"] != "geo" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestSaveDefaultsAndValidation(t *testing.T) {
	s := newStore(t)

	rec, err := s.Save("", "default kind", 1.5, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.Kind != KindShortTerm {
		t.Errorf("kind = %s, want short_term default", rec.Kind)
	}
	if rec.Importance != 1.0 {
		t.Errorf("importance = %v, want clamped to 1", rec.Importance)
	}

	if _, err := s.Save("bogus", "x", 0.5, nil); err == nil {
		t.Error("invalid kind should be rejected")
	}
	if _, err := s.Save(KindShortTerm, "", 0.5, nil); err == nil {
		t.Error("empty content should be rejected")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get("01JUNKJUNKJUNKJUNKJUNKJUNK"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := newStore(t)
	rec, _ := s.Save(KindShortTerm, "draft", 0.2, nil)

	content := "final"
	importance := 0.9
	updated, err := s.Update(rec.ID, &content, &importance, map[string]string{"rev": "2"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "final" || updated.Importance != 0.9 || updated.Metadata["rev"] != "2" {
		t.Errorf("updated = %+v", updated)
	}

	if err := s.Delete(rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSearchScoring(t *testing.T) {
	s := newStore(t)
	s.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	lowRec, _ := s.Save(KindSemantic, "deploy pipeline broke on friday", 0.3, nil)
	highRec, _ := s.Save(KindSemantic, "deploy pipeline needs manual approval", 0.9, nil)
	s.Save(KindSemantic, "lunch menu", 0.9, nil)

	results, err := s.Search("deploy pipeline", SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Record.ID != highRec.ID || results[1].Record.ID != lowRec.ID {
		t.Errorf("ordering wrong: %s then %s", results[0].Record.ID, results[1].Record.ID)
	}
	if results[0].Record.AccessCount != 1 {
		t.Errorf("search should bump access count, got %d", results[0].Record.AccessCount)
	}
}

func TestSearchPartialWordMatch(t *testing.T) {
	if got := relevanceOf("alpha beta gamma", "contains beta only"); got < 0.32 || got > 0.35 {
		t.Errorf("partial relevance = %v, want 1/3", got)
	}
	if relevanceOf("absent", "nothing here") != 0 {
		t.Error("no match should score 0")
	}
	if relevanceOf("Exact Phrase", "an exact phrase indeed") != 1.0 {
		t.Error("substring match should score 1")
	}
}

func TestSearchFilters(t *testing.T) {
	s := newStore(t)
	s.Save(KindShortTerm, "shared term short", 0.5, nil)
	s.Save(KindEpisodic, "shared term episodic", 0.5, nil)
	s.Save(KindEpisodic, "shared term faint", 0.1, nil)

	results, err := s.Search("shared term", SearchOptions{Kind: KindEpisodic, MinImportance: 0.3, Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Record.Content != "shared term episodic" {
		t.Fatalf("results = %+v", results)
	}
}

func TestConsolidate(t *testing.T) {
	s := newStore(t)

	important, _ := s.Save(KindShortTerm, "important fact", 0.85, nil)
	accessed, _ := s.Save(KindShortTerm, "frequently used fact", 0.2, nil)
	sleeper, _ := s.Save(KindShortTerm, "barely used fact", 0.2, nil)
	episodic, _ := s.Save(KindEpisodic, "an event", 0.95, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.Get(accessed.ID); err != nil {
			t.Fatalf("get: %v", err)
		}
	}

	promoted, err := s.Consolidate()
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if promoted != 2 {
		t.Errorf("promoted = %d, want 2", promoted)
	}

	for _, tc := range []struct {
		id   string
		want Kind
	}{
		{important.ID, KindLongTerm},
		{accessed.ID, KindLongTerm},
		{sleeper.ID, KindShortTerm},
		{episodic.ID, KindEpisodic},
	} {
		rec, err := s.load(tc.id)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if rec.Kind != tc.want {
			t.Errorf("%s kind = %s, want %s", tc.id, rec.Kind, tc.want)
		}
	}
}

func TestForgetEvictsLowestScoring(t *testing.T) {
	s := newStore(t)

	doomed, _ := s.Save(KindShortTerm, "forgettable", 0.05, nil)
	s.Save(KindShortTerm, "ordinary", 0.5, nil)
	protected, _ := s.Save(KindShortTerm, "critical", 0.95, nil)

	evicted, err := s.Forget(2)
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if _, err := s.load(doomed.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("lowest-scoring record should be gone, got %v", err)
	}
	if _, err := s.load(protected.ID); err != nil {
		t.Errorf("high-importance record must survive: %v", err)
	}
}

func TestForgetUnderCapIsNoop(t *testing.T) {
	s := newStore(t)
	s.Save(KindShortTerm, "a", 0.5, nil)
	evicted, err := s.Forget(10)
	if err != nil || evicted != 0 {
		t.Fatalf("evicted=%d err=%v", evicted, err)
	}
}

func TestGetRecentAndImportant(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []struct {
		content    string
		importance float64
	}{
		{"oldest", 0.9},
		{"middle", 0.1},
		{"newest", 0.5},
	} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		if _, err := s.Save(KindShortTerm, c.content, c.importance, nil); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	recent, err := s.GetRecent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "newest" || recent[1].Content != "middle" {
		t.Errorf("recent = %+v", recent)
	}

	important, err := s.GetImportant(1)
	if err != nil {
		t.Fatalf("important: %v", err)
	}
	if len(important) != 1 || important[0].Content != "oldest" {
		t.Errorf("important = %+v", important)
	}
}

func TestStats(t *testing.T) {
	s := newStore(t)
	s.Save(KindShortTerm, "abcd", 0.2, nil)
	s.Save(KindLongTerm, "efgh", 0.8, nil)

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.ByKind["short_term"] != 1 || stats.ByKind["long_term"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AverageImportance != 0.5 {
		t.Errorf("avg importance = %v", stats.AverageImportance)
	}
	if stats.UsageBytes != 8 {
		t.Errorf("usage = %d", stats.UsageBytes)
	}
}
