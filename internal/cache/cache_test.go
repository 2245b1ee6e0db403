package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/lectern/internal/decision"
)

func sampleDecision(lectureID int64, conf float64) decision.Validated {
	return decision.Validated{
		LectureID:  &lectureID,
		Confidence: conf,
		Reason:     "covers ATP synthesis",
		StudyHint:  "review oxidative phosphorylation",
		ParseMode:  decision.ModeStructured,
		Evidence: []decision.Evidence{
			{LectureID: lectureID, ChunkID: 11, PageStart: 5, PageEnd: 6, Quote: "produce ATP"},
		},
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	c := Open("", nil)
	k := Key{QuestionID: 1, ConfigHash: "abc", ModelName: "google/gemini-2.5-flash"}

	_, ok := c.Get(k)
	assert.False(t, ok)

	v := sampleDecision(3, 0.9)
	c.Set(k, v)
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, v, got)
	assert.Equal(t, 1, c.Len())
}

func TestConfigHashChangeMisses(t *testing.T) {
	c := Open("", nil)
	k := Key{QuestionID: 1, ConfigHash: "old", ModelName: "m"}
	c.Set(k, sampleDecision(3, 0.9))

	_, ok := c.Get(Key{QuestionID: 1, ConfigHash: "new", ModelName: "m"})
	assert.False(t, ok, "a different config hash must miss")
	_, ok = c.Get(Key{QuestionID: 1, ConfigHash: "old", ModelName: "other"})
	assert.False(t, ok, "a different model must miss")
	_, ok = c.Get(Key{QuestionID: 2, ConfigHash: "old", ModelName: "m"})
	assert.False(t, ok, "a different question must miss")
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	c := Open(path, nil)

	noMatch := decision.Validated{NoMatch: true, ParseFailed: true, ParseMode: decision.ModeUnparsable, Evidence: []decision.Evidence{}}
	c.Set(Key{QuestionID: 2, ConfigHash: "h", ModelName: "m"}, sampleDecision(4, 0.81))
	c.Set(Key{QuestionID: 1, ConfigHash: "h", ModelName: "m"}, noMatch)
	assert.True(t, c.Dirty())
	require.NoError(t, c.Save())
	assert.False(t, c.Dirty())

	reloaded := Open(path, nil)
	assert.Equal(t, 2, reloaded.Len())

	got, ok := reloaded.Get(Key{QuestionID: 2, ConfigHash: "h", ModelName: "m"})
	require.True(t, ok)
	assert.Equal(t, sampleDecision(4, 0.81), got)

	got, ok = reloaded.Get(Key{QuestionID: 1, ConfigHash: "h", ModelName: "m"})
	require.True(t, ok)
	assert.True(t, got.NoMatch)
	assert.True(t, got.ParseFailed)
	assert.Nil(t, got.LectureID)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must not be left behind")
}

func TestSaveReplacesPreviousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Open(path, nil)
	for i := int64(1); i <= 20; i++ {
		c.Set(Key{QuestionID: i, ConfigHash: "h", ModelName: "m"}, sampleDecision(i, 0.5))
	}
	require.NoError(t, c.Save())

	removed := c.Prune(func(k Key) bool { return k.QuestionID == 1 })
	assert.Equal(t, 19, removed)
	require.NoError(t, c.Save())

	assert.Equal(t, 1, Open(path, nil).Len())
}

func TestCorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "entries": [{"question_id": `), 0o644))

	c := Open(path, nil)
	assert.Equal(t, 0, c.Len())

	c.Set(Key{QuestionID: 1, ConfigHash: "h", ModelName: "m"}, sampleDecision(1, 0.9))
	require.NoError(t, c.Save())
	assert.Equal(t, 1, Open(path, nil).Len(), "saving over a corrupt file recovers it")
}

func TestVersionMismatchLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "entries": []}`), 0o644))
	assert.Equal(t, 0, Open(path, nil).Len())
}

func TestMissingFileLoadsEmpty(t *testing.T) {
	c := Open(filepath.Join(t.TempDir(), "absent.json"), nil)
	assert.Equal(t, 0, c.Len())
}

func TestPruneAndKeys(t *testing.T) {
	c := Open("", nil)
	c.Set(Key{QuestionID: 2, ConfigHash: "current", ModelName: "m"}, sampleDecision(1, 0.9))
	c.Set(Key{QuestionID: 1, ConfigHash: "stale", ModelName: "m"}, sampleDecision(1, 0.9))
	c.Set(Key{QuestionID: 1, ConfigHash: "current", ModelName: "m"}, sampleDecision(1, 0.9))

	keys := c.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, Key{QuestionID: 1, ConfigHash: "current", ModelName: "m"}, keys[0])

	removed := c.Prune(func(k Key) bool { return k.ConfigHash == "current" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Open(path, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := Key{QuestionID: int64(i), ConfigHash: fmt.Sprintf("h%d", w%2), ModelName: "m"}
				c.Set(k, sampleDecision(int64(i), 0.7))
				c.Get(k)
				if i%10 == 0 {
					assert.NoError(t, c.Save())
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 100, c.Len())
	require.NoError(t, c.Save())
	assert.Equal(t, 100, Open(path, nil).Len())
}
