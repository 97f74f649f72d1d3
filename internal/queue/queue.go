// Package queue implements the single-writer import worker: claim the
// next QueueItem, parse its NZB, classify and index its files, insert
// the resulting logical file tree, and promote the job to history.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/multipart"
	"github.com/nzbcore/nzbcore/internal/nzbparse"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/rarindex"
	"github.com/nzbcore/nzbcore/internal/segio"
	"github.com/nzbcore/nzbcore/internal/slogutil"
	"github.com/nzbcore/nzbcore/internal/yenc"
)

// Progress is one header-inspection progress sample, reported while
// RarInspector/segment counting runs so a subscriber can show "N of M
// header segments fetched" without waiting for the whole job.
type Progress struct {
	JobID     string
	Fetched   int
	Total     int
}

// Publisher is the subset of eventbus.Bus the worker needs, kept as an
// interface here so internal/queue has no dependency on internal/eventbus.
type Publisher interface {
	PublishProgress(Progress)
}

type noopPublisher struct{}

func (noopPublisher) PublishProgress(Progress) {}

// Manager is the QueueManager worker: single goroutine, woken by Wake, that
// claims and processes one job at a time.
type Manager struct {
	db        *database.DB
	fetcher   segio.ArticleFetcher
	pub       Publisher
	jobBudget time.Duration
	wake      chan struct{}
	log       *slog.Logger
}

// New builds a Manager. fetcher is used by RarInspector (header-only,
// pool.UsageQueue); each file's total byte count is summed from its
// segment list's declared bytes without fetching.
func New(db *database.DB, fetcher segio.ArticleFetcher, jobBudget time.Duration, pub Publisher) *Manager {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Manager{
		db:        db,
		fetcher:   fetcher,
		pub:       pub,
		jobBudget: jobBudget,
		wake:      make(chan struct{}, 1),
		log:       slog.Default().With("component", "queue-manager"),
	}
}

// Wake signals the worker to check for newly eligible work without
// waiting for its next poll interval.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs until ctx is cancelled, polling on a timer as a
// fallback against a missed Wake (e.g. an item added through an
// ingest.Service built without a Waker, or a restart with items already
// queued).
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.drain(ctx)
	}
}

// drain processes every currently eligible job before returning to wait
// for the next wake, since a burst of submissions should not each wait
// out a full poll interval.
func (m *Manager) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := m.processOne(ctx)
		if err != nil {
			m.log.ErrorContext(ctx, "queue job failed", "error", err)
		}
		if !processed {
			return
		}
	}
}

func (m *Manager) processOne(ctx context.Context) (bool, error) {
	item, nzbContents, err := m.db.Queue.ClaimNext(ctx, time.Now())
	if err != nil {
		return false, nil // ErrQueueEmpty is the expected steady state
	}

	jobCtx, cancel := context.WithTimeout(ctx, m.jobBudget)
	defer cancel()
	jobCtx = slogutil.WithAttrs(jobCtx, slog.String("job_id", item.ID), slog.String("job_name", item.JobName))

	if err := m.process(jobCtx, item, nzbContents); err != nil {
		reason := err.Error()
		promoteErr := m.db.History.Promote(ctx, m.db.Queue, item, nzbContents, database.PromoteResult{
			Status:        database.HistoryStatusFailed,
			FailureReason: &reason,
		}, time.Now())
		if promoteErr != nil {
			return true, fmt.Errorf("promote failed job %s: %w", item.ID, promoteErr)
		}
		return true, nil
	}
	return true, nil
}

func (m *Manager) process(ctx context.Context, item *database.QueueItem, nzbContents string) error {
	if err := m.db.Queue.UpdateStatus(ctx, item.ID, database.QueueStatusParsing); err != nil {
		return err
	}
	if err := m.checkCancelled(ctx, item.ID); err != nil {
		return err
	}

	parsed, err := nzbparse.Parse(strings.NewReader(nzbContents))
	if err != nil {
		return fmt.Errorf("parse nzb: %w", err)
	}

	if err := m.db.Queue.UpdateStatus(ctx, item.ID, database.QueueStatusImporting); err != nil {
		return err
	}
	if err := m.checkCancelled(ctx, item.ID); err != nil {
		return err
	}

	groups := classify(parsed.Files)

	tree := database.ItemTree{}
	rootPath := path.Join("/downloads", item.Category, item.JobName)
	rootID := uuid.NewString()
	tree.Items = append(tree.Items, &database.Item{
		ID:   rootID,
		Name: item.JobName,
		Path: rootPath,
		Kind: database.ItemKindDirectory,
	})

	var totalBytes int64

	for _, rg := range groups.rarSets {
		if err := m.checkCancelled(ctx, item.ID); err != nil {
			return err
		}
		size, err := m.addRarSet(ctx, item, &tree, rootID, rootPath, rg)
		if err != nil {
			m.log.WarnContext(ctx, "rar set failed to index, falling back to plain files",
				"job", item.JobName, "base", rg.base, "error", err)
			for _, f := range rg.files {
				addPlainFile(&tree, rootID, rootPath, f)
				totalBytes += fileSize(f)
			}
			continue
		}
		totalBytes += size
	}

	assembled := multipart.Assemble(groups.plain)
	for _, g := range assembled.Groups {
		id := uuid.NewString()
		size := g.Size
		tree.Items = append(tree.Items, &database.Item{
			ID: id, ParentID: &rootID, Name: g.Name,
			Path: path.Join(rootPath, g.Name), Kind: database.ItemKindMultipartFile,
			FileSize: &size, Groups: g.Groups,
		})
		tree.MultipartFiles = append(tree.MultipartFiles, &database.MultipartFile{ItemID: id, FileParts: g.Parts})
		totalBytes += size
	}
	for _, f := range assembled.Ungrouped {
		addPlainFile(&tree, rootID, rootPath, f)
		totalBytes += fileSize(f)
	}

	if err := m.db.Queue.UpdateStatus(ctx, item.ID, database.QueueStatusVerifying); err != nil {
		return err
	}
	if err := m.checkCancelled(ctx, item.ID); err != nil {
		return err
	}

	if err := m.db.Items.InsertItemTree(ctx, tree); err != nil {
		return fmt.Errorf("insert item tree: %w", err)
	}

	return m.db.History.Promote(ctx, m.db.Queue, item, nzbContents, database.PromoteResult{
		Status: database.HistoryStatusCompleted,
		Bytes:  totalBytes,
	}, time.Now())
}

func (m *Manager) checkCancelled(ctx context.Context, id string) error {
	cancelled, err := m.db.Queue.IsCancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return fmt.Errorf("job cancelled")
	}
	return nil
}

// addRarSet synchronously fetches the header segments of rg's first volume
// and builds its offset index. Progress is reported as segments actually
// fetched against the set's total declared segment count, an upper bound
// since rardecode only reads as far into each volume as the directory
// blocks require.
//
// A RarFile row is 1:1 with an Item (RarFile.id = Item.id), but one RAR
// set can contain more than one inner
// file (a video plus a .nfo, say). addRarSet therefore splits res.Entries
// by InnerFileName and inserts one Item+RarFile pair per inner file, all
// sharing the same rg.base directory and the same outer RarParts volume
// list, since InnerByteStart/End are only meaningful within a single
// inner file's own range. The opaque (corrupted) case already indexes
// under a single InnerFileName, so it falls out of the same loop as a
// one-entry group.
func (m *Manager) addRarSet(ctx context.Context, item *database.QueueItem, tree *database.ItemTree, parentID, parentPath string, rg rarSet) (int64, error) {
	volumes := make([]rarindex.Volume, len(rg.files))
	var totalSegments int
	for i, f := range rg.files {
		volumes[i] = rarindex.Volume{Name: f.Filename, Segments: toSegments(f)}
		totalSegments += len(f.Segments)
	}
	setGroups := rg.files[0].Groups

	counted := &countingFetcher{ArticleFetcher: m.fetcher, pub: m.pub, jobID: item.ID, total: totalSegments}
	inspector := rarindex.New(counted, setGroups)
	res, err := inspector.Inspect(ctx, item.JobName, volumes)
	if err != nil {
		return 0, err
	}

	setID := uuid.NewString()
	tree.Items = append(tree.Items, &database.Item{
		ID: setID, ParentID: &parentID, Name: rg.base,
		Path: path.Join(parentPath, rg.base), Kind: database.ItemKindDirectory,
	})

	var totalSize int64
	for _, innerName := range orderedInnerNames(res.Entries) {
		entries := entriesFor(res.Entries, innerName)
		var size int64
		for _, e := range entries {
			if e.InnerByteEnd > size {
				size = e.InnerByteEnd
			}
		}

		name := path.Base(innerName)
		id := uuid.NewString()
		tree.Items = append(tree.Items, &database.Item{
			ID: id, ParentID: &setID, Name: name,
			Path: path.Join(parentPath, rg.base, name), Kind: database.ItemKindRarFile,
			FileSize:         &size,
			Groups:           setGroups,
			IsCorrupted:      res.Corrupted,
			CorruptionReason: nonEmpty(res.CorruptionReason),
		})
		tree.RarFiles = append(tree.RarFiles, &database.RarFile{ItemID: id, RarParts: res.Parts, InnerOffsetMap: entries})
		totalSize += size
	}
	return totalSize, nil
}

// orderedInnerNames returns the distinct InnerFileName values in entries,
// in first-seen order, so the resulting Items come out in the archive's
// own directory order rather than a randomized one.
func orderedInnerNames(entries database.RarOffsetMap) []string {
	seen := make(map[string]bool, len(entries))
	var names []string
	for _, e := range entries {
		if !seen[e.InnerFileName] {
			seen[e.InnerFileName] = true
			names = append(names, e.InnerFileName)
		}
	}
	return names
}

func entriesFor(entries database.RarOffsetMap, innerName string) database.RarOffsetMap {
	out := make(database.RarOffsetMap, 0, len(entries))
	for _, e := range entries {
		if e.InnerFileName == innerName {
			out = append(out, e)
		}
	}
	return out
}

func addPlainFile(tree *database.ItemTree, parentID, parentPath string, f nzbparse.ParsedFile) {
	id := uuid.NewString()
	size := fileSize(f)
	tree.Items = append(tree.Items, &database.Item{
		ID: id, ParentID: &parentID, Name: path.Base(f.Filename),
		Path: path.Join(parentPath, path.Base(f.Filename)), Kind: database.ItemKindNzbFile,
		FileSize: &size, Groups: f.Groups,
	})
	ids := make([]string, len(f.Segments))
	sizes := make([]int64, len(f.Segments))
	for i, s := range f.Segments {
		ids[i] = s.MessageID
		sizes[i] = s.Bytes
	}
	tree.NzbFiles = append(tree.NzbFiles, &database.NzbFile{ItemID: id, SegmentIDs: ids, SegmentSizes: sizes})
}

func toSegments(f nzbparse.ParsedFile) []segio.Segment {
	out := make([]segio.Segment, len(f.Segments))
	for i, s := range f.Segments {
		out[i] = segio.Segment{MessageID: s.MessageID, DeclaredBytes: s.Bytes}
	}
	return out
}

func fileSize(f nzbparse.ParsedFile) int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Bytes
	}
	return total
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// rarSet is one candidate RAR volume group awaiting inspection.
type rarSet struct {
	base  string
	files []nzbparse.ParsedFile
}

type classified struct {
	rarSets []rarSet
	plain   []nzbparse.ParsedFile // includes multipart candidates, par2, and anything else
}

var rarVolumePattern = regexp.MustCompile(`(?i)^(.+?)(\.part\d+\.rar|\.r\d+|\.rar)$`)

// classify splits a job's files into RAR volume groups (two or more files
// sharing a RAR-style name) and everything else. Multipart grouping and
// par2 retention both happen downstream of this split: par2 files simply
// never match rarVolumePattern and pass through as plain items.
func classify(files []nzbparse.ParsedFile) classified {
	byBase := make(map[string][]nzbparse.ParsedFile)
	var order []string

	var out classified
	for _, f := range files {
		m := rarVolumePattern.FindStringSubmatch(f.Filename)
		if m == nil {
			out.plain = append(out.plain, f)
			continue
		}
		base := strings.ToLower(m[1])
		if _, seen := byBase[base]; !seen {
			order = append(order, base)
		}
		byBase[base] = append(byBase[base], f)
	}

	for _, base := range order {
		group := byBase[base]
		if len(group) < 2 {
			out.plain = append(out.plain, group...)
			continue
		}
		out.rarSets = append(out.rarSets, rarSet{base: base, files: group})
	}
	return out
}

// NewQueueItemID generates a time-ordered ksuid job identifier.
// ingest.Service does not use it: it assigns QueueItem ids with
// uuid.NewString().
func NewQueueItemID() string { return ksuid.New().String() }

// countingFetcher wraps an ArticleFetcher to publish header-inspection
// progress as each segment resolves, counting segments fetched during
// header inspection against the total header segment count, without
// RarInspector itself needing to know about Publisher.
type countingFetcher struct {
	segio.ArticleFetcher
	pub     Publisher
	jobID   string
	total   int
	fetched int
}

func (c *countingFetcher) FetchArticle(ctx context.Context, jobName, messageID string, groups []string, usage pool.UsageContext) (*yenc.Article, error) {
	art, err := c.ArticleFetcher.FetchArticle(ctx, jobName, messageID, groups, usage)
	if err != nil {
		return nil, err
	}
	c.fetched++
	c.pub.PublishProgress(Progress{JobID: c.jobID, Fetched: c.fetched, Total: c.total})
	return art, nil
}
