package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/nzbparse"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

func seg(n int, id string) nzbparse.Segment {
	return nzbparse.Segment{Number: n, Bytes: 500, MessageID: id}
}

func TestClassify_GroupsMultiVolumeRarSetsByBaseName(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "movie.rar", Segments: []nzbparse.Segment{seg(1, "a")}},
		{Filename: "movie.r00", Segments: []nzbparse.Segment{seg(1, "b")}},
		{Filename: "sample.mkv", Segments: []nzbparse.Segment{seg(1, "c")}},
	}
	out := classify(files)
	require.Len(t, out.rarSets, 1)
	assert.Equal(t, "movie", out.rarSets[0].base)
	assert.Len(t, out.rarSets[0].files, 2)
	require.Len(t, out.plain, 1)
	assert.Equal(t, "sample.mkv", out.plain[0].Filename)
}

func TestClassify_LoneRarLikeFileStaysPlain(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "single.rar", Segments: []nzbparse.Segment{seg(1, "a")}},
	}
	out := classify(files)
	assert.Empty(t, out.rarSets)
	require.Len(t, out.plain, 1)
}

func TestClassify_Par2FilesPassThroughAsPlain(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "movie.vol003+04.par2", Segments: []nzbparse.Segment{seg(1, "a")}},
	}
	out := classify(files)
	assert.Empty(t, out.rarSets)
	require.Len(t, out.plain, 1)
}

func TestOrderedInnerNames_PreservesFirstSeenOrder(t *testing.T) {
	entries := database.RarOffsetMap{
		{InnerFileName: "movie.mkv"},
		{InnerFileName: "movie.nfo"},
		{InnerFileName: "movie.mkv"},
	}
	assert.Equal(t, []string{"movie.mkv", "movie.nfo"}, orderedInnerNames(entries))
}

func TestEntriesFor_FiltersToMatchingInnerFileOnly(t *testing.T) {
	entries := database.RarOffsetMap{
		{InnerFileName: "movie.mkv", InnerByteStart: 0, InnerByteEnd: 10},
		{InnerFileName: "movie.nfo", InnerByteStart: 0, InnerByteEnd: 2},
		{InnerFileName: "movie.mkv", InnerByteStart: 10, InnerByteEnd: 20},
	}
	got := entriesFor(entries, "movie.mkv")
	require.Len(t, got, 2)
	assert.Equal(t, int64(20), got[1].InnerByteEnd)
}

type stubFetcher struct{}

func (stubFetcher) FetchArticle(context.Context, string, string, []string, pool.UsageContext) (*yenc.Article, error) {
	return &yenc.Article{Payload: []byte("x")}, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const plainNzb = `<?xml version="1.0" encoding="iso-8859-1"?>
<nzb>
  <file subject="movie.mkv" poster="x" date="1700000000">
    <groups><group>alt.binaries.test</group></groups>
    <segments>
      <segment number="1" bytes="500">msg1@example</segment>
    </segments>
  </file>
</nzb>`

func TestManager_ProcessOneImportsPlainFileAndPromotesToHistory(t *testing.T) {
	db := newTestDB(t)
	mgr := New(db, stubFetcher{}, time.Minute, nil)

	require.NoError(t, db.Queue.Add(context.Background(), &database.QueueItem{
		ID:        NewQueueItemID(),
		FileName:  "movie.nzb",
		JobName:   "movie",
		CreatedAt: time.Now(),
		Category:  "movies",
		Priority:  database.PriorityNormal,
		Status:    database.QueueStatusQueued,
	}, plainNzb))

	processed, err := mgr.processOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	queued, err := db.Queue.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)

	history, err := db.History.List(context.Background(), database.HistoryFilter{}, time.Now())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, database.HistoryStatusCompleted, history[0].Status)

	root, err := db.Items.GetItemByPath(context.Background(), "/downloads/movies/movie")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, database.ItemKindDirectory, root.Kind)

	children, err := db.Items.ListChildren(context.Background(), &root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "movie.mkv", children[0].Name)
}

func TestManager_ProcessOneWithEmptyQueueIsNoop(t *testing.T) {
	db := newTestDB(t)
	mgr := New(db, stubFetcher{}, time.Minute, nil)
	processed, err := mgr.processOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}
