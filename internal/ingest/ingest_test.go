package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/database"
)

const sampleNzb = `<?xml version="1.0" encoding="iso-8859-1"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file subject="[1/1] - &quot;movie.mkv&quot; yEnc (1/3)" poster="poster@example.com" date="1700000000">
    <groups>
      <group>alt.binaries.test</group>
    </groups>
    <segments>
      <segment bytes="700000" number="1">part1@example</segment>
      <segment bytes="700000" number="2">part2@example</segment>
      <segment bytes="200000" number="3">part3@example</segment>
    </segments>
  </file>
</nzb>`

type fakeWaker struct{ woken int }

func (w *fakeWaker) Wake() { w.woken++ }

type recordingPublisher struct {
	added           []string
	removed         []string
	priorityChanged []string
	historyAdded    []string
	historyRemoved  []string
}

func (p *recordingPublisher) PublishQueueItemAdded(id string)   { p.added = append(p.added, id) }
func (p *recordingPublisher) PublishQueueItemRemoved(id string) { p.removed = append(p.removed, id) }
func (p *recordingPublisher) PublishQueueItemPriorityChanged(id string) {
	p.priorityChanged = append(p.priorityChanged, id)
}
func (p *recordingPublisher) PublishHistoryItemAdded(id string) {
	p.historyAdded = append(p.historyAdded, id)
}
func (p *recordingPublisher) PublishHistoryItemRemoved(id string) {
	p.historyRemoved = append(p.historyRemoved, id)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{DatabasePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// promoteDirect moves item straight to history without going through
// ClaimNext, so tests can set up history fixtures without caring which
// job ClaimNext would pick next.
func promoteDirect(t *testing.T, db *database.DB, item *database.QueueItem) {
	t.Helper()
	require.NoError(t, db.History.Promote(context.Background(), db.Queue, item, sampleNzb,
		database.PromoteResult{Status: database.HistoryStatusCompleted, Bytes: item.TotalSegmentBytes}, time.Now()))
}

func TestAddFile_CreatesQueueItemAndWakesAndPublishes(t *testing.T) {
	db := newTestDB(t)
	waker := &fakeWaker{}
	pub := &recordingPublisher{}
	svc := New(db, waker, pub)

	item, err := svc.AddFile(context.Background(), "movie.nzb", "movies", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)

	assert.Equal(t, "movie.nzb", item.FileName)
	assert.Equal(t, "movie", item.JobName)
	assert.Equal(t, int64(1600000), item.TotalSegmentBytes)
	assert.Equal(t, database.QueueStatusQueued, item.Status)
	assert.Equal(t, 1, waker.woken)
	assert.Equal(t, []string{item.ID}, pub.added)

	stored, err := db.Queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.FileName, stored.FileName)
}

func TestAddFile_RejectsMalformedNzb(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, nil, nil)

	_, err := svc.AddFile(context.Background(), "bad.nzb", "", database.PriorityNormal, []byte("not xml"))
	assert.Error(t, err)
}

func TestAddURL_DownloadsThenAddsFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleNzb))
	}))
	defer server.Close()

	db := newTestDB(t)
	waker := &fakeWaker{}
	svc := New(db, waker, nil)

	item, err := svc.AddURL(context.Background(), server.URL+"/release.nzb", "movies", database.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "release.nzb", item.FileName)
	assert.Equal(t, database.PriorityHigh, item.Priority)
	assert.Equal(t, 1, waker.woken)
}

func TestQueueDelete_RemovesAndPublishes(t *testing.T) {
	db := newTestDB(t)
	pub := &recordingPublisher{}
	svc := New(db, nil, pub)

	item, err := svc.AddFile(context.Background(), "movie.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)

	require.NoError(t, svc.QueueDelete(context.Background(), []string{item.ID}))
	assert.Equal(t, []string{item.ID}, pub.removed)

	_, err = db.Queue.Get(context.Background(), item.ID)
	assert.Error(t, err)
}

func TestQueuePriority_AppliesActionAndPublishes(t *testing.T) {
	db := newTestDB(t)
	pub := &recordingPublisher{}
	svc := New(db, nil, pub)

	item, err := svc.AddFile(context.Background(), "movie.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)

	require.NoError(t, svc.QueuePriority(context.Background(), item.ID, database.ActionHigh))
	assert.Equal(t, []string{item.ID}, pub.priorityChanged)

	updated, err := db.Queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, database.PriorityHigh, updated.Priority)
}

func TestHistoryDelete_UIOriginHardDeletesExternalOriginArchives(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, nil, nil)

	item, err := svc.AddFile(context.Background(), "a.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)
	promoteDirect(t, db, item)

	require.NoError(t, svc.HistoryDelete(context.Background(), []string{item.ID}, OriginExternal))
	archived, err := db.History.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)

	require.NoError(t, svc.HistoryDelete(context.Background(), []string{item.ID}, OriginUI))
	_, err = db.History.Get(context.Background(), item.ID)
	assert.Error(t, err)
}

func TestRetry_RequeuesHistoryItemAndRemovesHistoryRow(t *testing.T) {
	db := newTestDB(t)
	pub := &recordingPublisher{}
	waker := &fakeWaker{}
	svc := New(db, waker, pub)

	item, err := svc.AddFile(context.Background(), "a.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)
	promoteDirect(t, db, item)

	requeued, err := svc.Retry(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.nzb", requeued.FileName)
	assert.Equal(t, 1, waker.woken)
	assert.Contains(t, pub.historyRemoved, item.ID)
	assert.Contains(t, pub.added, requeued.ID)

	_, err = db.History.Get(context.Background(), item.ID)
	assert.Error(t, err, "history row should be gone after retry")
}

func TestRetry_SuffixesFileNameOnConflict(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, nil, nil)

	// an earlier job named "a.nzb" has already been promoted to history.
	conflicting, err := svc.AddFile(context.Background(), "a.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)
	promoteDirect(t, db, conflicting)

	// a newer job under the same file name now occupies "a.nzb" in the
	// live queue, so retrying the older one collides with it.
	live, err := svc.AddFile(context.Background(), "a.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)
	_ = live

	again, err := svc.Retry(context.Background(), conflicting.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.nzb.requeue1", again.FileName)
}

func TestExportNzb_RoundTripsStoredContents(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, nil, nil)

	item, err := svc.AddFile(context.Background(), "a.nzb", "", database.PriorityNormal, []byte(sampleNzb))
	require.NoError(t, err)

	out, err := svc.ExportQueueNzb(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Contains(t, string(out), "part1@example")
	assert.Contains(t, string(out), "movie.mkv")
}
