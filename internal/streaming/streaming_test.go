package streaming

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/database"
	apperrors "github.com/nzbcore/nzbcore/internal/errors"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

// fakeFetcher serves fixed payloads keyed by message id, so tests can
// assert on exactly which bytes a Read call assembled without a real
// NNTP connection, the same style segment_file_test.go uses.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	offsets map[string]int64
	missing map[string]bool
	calls   []string
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	b := make(map[string][]byte, len(bodies))
	for k, v := range bodies {
		b[k] = []byte(v)
	}
	return &fakeFetcher{bodies: b, offsets: map[string]int64{}, missing: map[string]bool{}}
}

func (f *fakeFetcher) FetchArticle(_ context.Context, _, messageID string, _ []string, _ pool.UsageContext) (*yenc.Article, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messageID)
	f.mu.Unlock()

	if f.missing[messageID] {
		return nil, apperrors.ErrArticleMissing
	}
	body, ok := f.bodies[messageID]
	if !ok {
		return nil, fmt.Errorf("fakeFetcher: no body for %s", messageID)
	}
	art := &yenc.Article{Payload: body}
	if off, ok := f.offsets[messageID]; ok {
		art.PartOffset = &off
	}
	return art, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertNzbFile(t *testing.T, db *database.DB, ids []string, sizes []int64) string {
	t.Helper()
	id := "item-" + ids[0]
	err := db.Items.InsertItemTree(context.Background(), database.ItemTree{
		Items: []*database.Item{{ID: id, Name: "movie.mkv", Path: "/downloads/movie.mkv", Kind: database.ItemKindNzbFile}},
		NzbFiles: []*database.NzbFile{{
			ItemID:       id,
			SegmentIDs:   database.StringSlice(ids),
			SegmentSizes: database.Int64Slice(sizes),
		}},
	})
	require.NoError(t, err)
	return id
}

func TestReader_ReadSingleSegmentFile(t *testing.T) {
	db := newTestDB(t)
	fetcher := newFakeFetcher(map[string]string{"a": "hello world"})
	id := insertNzbFile(t, db, []string{"a"}, []int64{11})

	svc := New(db, fetcher, 4)
	r, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestReader_ReadSpansMultipleSegmentsInOrder(t *testing.T) {
	db := newTestDB(t)
	fetcher := newFakeFetcher(map[string]string{"a": "aaaaa", "b": "bbbbb", "c": "ccccc"})
	id := insertNzbFile(t, db, []string{"a", "b", "c"}, []int64{5, 5, 5})

	svc := New(db, fetcher, 2)
	r, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(3, 9)
	require.NoError(t, err)
	assert.Equal(t, "aabbbbbcc", string(got))
}

func TestReader_ReadPastEndIsTrimmed(t *testing.T) {
	db := newTestDB(t)
	fetcher := newFakeFetcher(map[string]string{"a": "hello"})
	id := insertNzbFile(t, db, []string{"a"}, []int64{5})

	svc := New(db, fetcher, 4)
	r, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(2, 100)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(got))
}

func TestReader_MissingSegmentSurfacesArticleMissing(t *testing.T) {
	db := newTestDB(t)
	fetcher := newFakeFetcher(map[string]string{"a": "hello"})
	fetcher.missing["a"] = true
	id := insertNzbFile(t, db, []string{"a"}, []int64{5})

	svc := New(db, fetcher, 4)
	r, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Read(0, 5)
	assert.ErrorIs(t, err, apperrors.ErrArticleMissing)
}

func TestReader_RarFileTranslatesInnerOffsetsAcrossVolumes(t *testing.T) {
	db := newTestDB(t)
	fetcher := newFakeFetcher(map[string]string{
		"vol0seg0": "HEADERXXXX", // 10 bytes, payload for inner file starts at offset 6
		"vol1seg0": "YYtrailer",  // 9 bytes, inner file continues at the start of volume 1
	})

	itemID := "rar-item"
	err := db.Items.InsertItemTree(context.Background(), database.ItemTree{
		Items: []*database.Item{{ID: itemID, Name: "movie.mkv", Path: "/downloads/movie/movie.mkv", Kind: database.ItemKindRarFile}},
		RarFiles: []*database.RarFile{{
			ItemID: itemID,
			RarParts: database.RarParts{
				{Segments: []database.SegmentRef{{MessageID: "vol0seg0", Bytes: 10}}},
				{Segments: []database.SegmentRef{{MessageID: "vol1seg0", Bytes: 9}}},
			},
			InnerOffsetMap: database.RarOffsetMap{
				{InnerFileName: "movie.mkv", OuterVolumeIdx: 0, OuterByteStart: 6, OuterByteEnd: 10, InnerByteStart: 0, InnerByteEnd: 4},
				{InnerFileName: "movie.mkv", OuterVolumeIdx: 1, OuterByteStart: 0, OuterByteEnd: 2, InnerByteStart: 4, InnerByteEnd: 6},
			},
		}},
	})
	require.NoError(t, err)

	svc := New(db, fetcher, 4)
	r, err := svc.Open(context.Background(), itemID)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(6), r.Size())

	got, err := r.Read(0, 6)
	require.NoError(t, err)
	assert.Equal(t, "XXXXYY", string(got))
}

func TestReader_ReadWithPrefetchBelowSegmentCountFetchesEverySegment(t *testing.T) {
	db := newTestDB(t)
	bodies := map[string]string{}
	ids := make([]string, 5)
	sizes := make([]int64, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("seg%d", i)
		bodies[ids[i]] = "xx"
		sizes[i] = 2
	}
	fetcher := newFakeFetcher(bodies)
	id := insertNzbFile(t, db, ids, sizes)

	svc := New(db, fetcher, 2)
	r, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxxxx", string(got))
	assert.Len(t, fetcher.calls, 5)
}
