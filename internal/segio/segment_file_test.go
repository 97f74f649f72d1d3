package segio

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

type fakeFetcher struct {
	payloads map[string][]byte
	calls    int
}

func (f *fakeFetcher) FetchArticle(_ context.Context, _ string, messageID string, _ []string, _ pool.UsageContext) (*yenc.Article, error) {
	f.calls++
	p, ok := f.payloads[messageID]
	if !ok {
		return nil, assertNotFound(messageID)
	}
	return &yenc.Article{Payload: p}, nil
}

func assertNotFound(id string) error { return &notFoundErr{id} }

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "not found: " + e.id }

func TestSegmentFile_ReadsAcrossSegmentBoundaries(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"seg1": []byte("hello "),
		"seg2": []byte("world!"),
	}}
	sf := New(context.Background(), fetcher, "job", nil, pool.UsageStreaming, []Segment{
		{MessageID: "seg1", DeclaredBytes: 6},
		{MessageID: "seg2", DeclaredBytes: 6},
	})

	out := make([]byte, 12)
	n, err := io.ReadFull(sf, out)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "hello world!", string(out))
}

func TestSegmentFile_SeekReusesCachedSegmentWithoutRefetch(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"seg1": []byte("0123456789"),
	}}
	sf := New(context.Background(), fetcher, "job", nil, pool.UsageStreaming, []Segment{
		{MessageID: "seg1", DeclaredBytes: 10},
	})

	buf := make([]byte, 1)
	_, err := sf.Read(buf)
	require.NoError(t, err)
	_, err = sf.Seek(5, io.SeekStart)
	require.NoError(t, err)
	_, err = sf.Read(buf)
	require.NoError(t, err)

	assert.Equal(t, "5", string(buf))
	assert.Equal(t, 1, fetcher.calls, "both reads hit the same cached segment")
}

func TestSegmentFile_EOFAtDeclaredSize(t *testing.T) {
	fetcher := &fakeFetcher{payloads: map[string][]byte{"seg1": []byte("ab")}}
	sf := New(context.Background(), fetcher, "job", nil, pool.UsageStreaming, []Segment{
		{MessageID: "seg1", DeclaredBytes: 2},
	})
	_, err := sf.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = sf.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
