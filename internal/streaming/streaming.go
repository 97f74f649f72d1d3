// Package streaming implements StreamingReader: open(item_id) -> Reader,
// Reader.read(offset, length) -> bytes, Reader.close(). Reads fan out into
// bounded-concurrency article fetches covering only the segment range a
// given read touches, rather than downloading a file in the background
// ahead of any request for it.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/nzbcore/nzbcore/internal/database"
	apperrors "github.com/nzbcore/nzbcore/internal/errors"
	segpool "github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/segio"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

// outerSegment is one physical article backing a range of the outer byte
// stream a Reader fetches from: the RarFile/MultipartFile's concatenated
// volume or part segments, or an NzbFile's own segment list directly.
type outerSegment struct {
	segio.Segment
}

// translation maps a contiguous range of the logical (inner) file to a
// range of the outer byte stream built from outerSegment. NzbFile readers
// carry no translation table since outer and inner coincide.
type translation struct {
	innerStart int64
	innerEnd   int64
	outerStart int64
}

// Service opens logical Items for on-demand reading.
type Service struct {
	db       *database.DB
	fetcher  segio.ArticleFetcher
	prefetch int
}

// New builds a Service. prefetch is the upper bound on in-flight article
// fetches per Reader.
func New(db *database.DB, fetcher segio.ArticleFetcher, prefetch int) *Service {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Service{db: db, fetcher: fetcher, prefetch: prefetch}
}

// Reader is a per-open-file cursor over an Item's decoded bytes.
type Reader struct {
	fetcher  segio.ArticleFetcher
	jobName  string
	groups   []string
	prefetch int

	segments   []outerSegment
	cumulative []int64 // cumulative[i] = outer byte offset where segments[i] starts
	size       int64

	translations []translation // nil for NzbFile/MultipartFile: outer == inner

	ctx    context.Context
	cancel context.CancelFunc
}

// Open resolves itemID's descriptor row and builds the segment index
// StreamingReader needs to answer Read calls, dispatching per item kind
// (NzbFile/MultipartFile direct, RarFile translated).
func (s *Service) Open(ctx context.Context, itemID string) (*Reader, error) {
	item, err := s.db.Items.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("streaming: open %s: %w", itemID, err)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Reader{
		fetcher:  s.fetcher,
		jobName:  item.Path,
		groups:   item.Groups,
		prefetch: s.prefetch,
		ctx:      rctx,
		cancel:   cancel,
	}

	switch item.Kind {
	case database.ItemKindNzbFile:
		nf, err := s.db.Items.GetNzbFile(ctx, itemID)
		if err != nil {
			cancel()
			return nil, err
		}
		r.setDirectSegments(nf.SegmentIDs, nf.SegmentSizes)

	case database.ItemKindMultipartFile:
		mf, err := s.db.Items.GetMultipartFile(ctx, itemID)
		if err != nil {
			cancel()
			return nil, err
		}
		var ids []string
		var sizes []int64
		for _, part := range mf.FileParts {
			for _, seg := range part.Segments {
				ids = append(ids, seg.MessageID)
				sizes = append(sizes, seg.Bytes)
			}
		}
		r.setDirectSegments(ids, sizes)

	case database.ItemKindRarFile:
		rf, err := s.db.Items.GetRarFile(ctx, itemID)
		if err != nil {
			cancel()
			return nil, err
		}
		r.setTranslatedSegments(rf)

	default:
		cancel()
		return nil, fmt.Errorf("streaming: item %s is a %s, not a readable file", itemID, item.Kind)
	}

	return r, nil
}

func (r *Reader) setDirectSegments(ids []string, sizes []int64) {
	r.segments = make([]outerSegment, len(ids))
	r.cumulative = make([]int64, len(ids)+1)
	for i, id := range ids {
		r.segments[i] = outerSegment{segio.Segment{MessageID: id, DeclaredBytes: sizes[i]}}
		r.cumulative[i+1] = r.cumulative[i] + sizes[i]
	}
	r.size = r.cumulative[len(ids)]
}

// setTranslatedSegments flattens every RAR volume's segments into one
// outer stream (volume 0's segments, then volume 1's, ...), exactly the
// order their declared bytes appear in on the wire, then rebuilds
// InnerOffsetMap's per-volume OuterByteStart/End into absolute offsets
// within that flat stream.
func (r *Reader) setTranslatedSegments(rf *database.RarFile) {
	volumeStart := make([]int64, len(rf.RarParts)+1)
	for i, part := range rf.RarParts {
		for _, seg := range part.Segments {
			r.segments = append(r.segments, outerSegment{segio.Segment{MessageID: seg.MessageID, DeclaredBytes: seg.Bytes}})
		}
		var volSize int64
		for _, seg := range part.Segments {
			volSize += seg.Bytes
		}
		volumeStart[i+1] = volumeStart[i] + volSize
	}

	r.cumulative = make([]int64, len(r.segments)+1)
	for i, seg := range r.segments {
		r.cumulative[i+1] = r.cumulative[i] + seg.DeclaredBytes
	}

	entries := make(database.RarOffsetMap, len(rf.InnerOffsetMap))
	copy(entries, rf.InnerOffsetMap)
	sort.Slice(entries, func(i, j int) bool { return entries[i].InnerByteStart < entries[j].InnerByteStart })

	r.translations = make([]translation, len(entries))
	for i, e := range entries {
		r.translations[i] = translation{
			innerStart: e.InnerByteStart,
			innerEnd:   e.InnerByteEnd,
			outerStart: volumeStart[e.OuterVolumeIdx] + e.OuterByteStart,
		}
		if e.InnerByteEnd > r.size {
			r.size = e.InnerByteEnd
		}
	}
}

// Size returns the logical byte size of the opened file.
func (r *Reader) Size() int64 { return r.size }

// Close cancels any outstanding fetches.
func (r *Reader) Close() error {
	r.cancel()
	return nil
}

// Read returns the decoded bytes of [offset, offset+length) from the
// opened file, fetching only the articles that range touches.
func (r *Reader) Read(offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	if offset < 0 || offset >= r.size {
		return nil, fmt.Errorf("streaming: offset %d out of range [0,%d)", offset, r.size)
	}
	if offset+length > r.size {
		length = r.size - offset
	}

	if r.translations == nil {
		return r.readOuterRange(offset, offset+length)
	}

	out := make([]byte, 0, length)
	want := offset + length
	for _, t := range r.translations {
		if t.innerEnd <= offset || t.innerStart >= want {
			continue
		}
		segStart := max(offset, t.innerStart)
		segEnd := min(want, t.innerEnd)
		outerStart := t.outerStart + (segStart - t.innerStart)
		outerEnd := outerStart + (segEnd - segStart)
		chunk, err := r.readOuterRange(outerStart, outerEnd)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// readOuterRange resolves [start,end) against r.segments, prefetches the
// covering segments concurrently (bounded by r.prefetch), and returns
// their payload trimmed to exactly [start,end).
func (r *Reader) readOuterRange(start, end int64) ([]byte, error) {
	i := r.segmentForOffset(start)
	j := r.segmentForOffset(end - 1)

	articles, err := r.fetchRange(i, j)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, end-start)
	for idx := i; idx <= j; idx++ {
		art := articles[idx-i]
		segStart := r.cumulative[idx]
		if art.PartOffset != nil {
			segStart = *art.PartOffset
		}
		segEnd := segStart + int64(len(art.Payload))

		lo := max(start, segStart)
		hi := min(end, segEnd)
		if lo >= hi {
			continue
		}
		out = append(out, art.Payload[lo-segStart:hi-segStart]...)
	}
	return out, nil
}

// fetchRange concurrently fetches segments [i..j], bounded by r.prefetch
// in-flight fetches at once, and returns them in ascending segment order.
// A slow consumer applies backpressure by simply not calling Read again;
// fetchRange itself always runs its whole window to completion once
// started, and Close cancels it via r.ctx.
func (r *Reader) fetchRange(i, j int) ([]*yenc.Article, error) {
	n := j - i + 1
	articles := make([]*yenc.Article, n)

	p := pool.New().WithContext(r.ctx).WithMaxGoroutines(min(r.prefetch, n))
	for k := 0; k < n; k++ {
		idx := i + k
		p.Go(func(ctx context.Context) error {
			art, err := r.fetcher.FetchArticle(ctx, r.jobName, r.segments[idx].MessageID, r.groups, segpool.UsageStreaming)
			if err != nil {
				return fmt.Errorf("streaming: segment %d: %w", idx, err)
			}
			articles[idx-i] = art
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if errors.Is(err, apperrors.ErrArticleMissing) {
			return nil, apperrors.ErrArticleMissing
		}
		return nil, err
	}
	return articles, nil
}

// segmentForOffset finds the last segment whose declared outer start is
// <= pos, mirroring segio.SegmentFile's own binary search.
func (r *Reader) segmentForOffset(pos int64) int {
	idx := sort.Search(len(r.segments), func(i int) bool {
		return r.cumulative[i+1] > pos
	})
	if idx >= len(r.segments) {
		idx = len(r.segments) - 1
	}
	return idx
}
