// Package ingest implements the SAB-compatible operation set —
// addfile/addurl, queue, history, delete, priority, retry — as plain Go
// methods on Service, with no HTTP transport of its own: a future HTTP
// layer would just translate form values into these calls.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nzbcore/nzbcore/internal/database"
	apperrors "github.com/nzbcore/nzbcore/internal/errors"
	"github.com/nzbcore/nzbcore/internal/nzbparse"
)

// Waker is the subset of *queue.Manager Service needs, kept narrow so
// this package doesn't import internal/queue just to call Wake.
type Waker interface {
	Wake()
}

// Publisher is the subset of *eventbus.Bus Service needs to announce the
// five QueueItem/HistoryItem lifecycle topics.
type Publisher interface {
	PublishQueueItemAdded(id string)
	PublishQueueItemRemoved(id string)
	PublishQueueItemPriorityChanged(id string)
	PublishHistoryItemAdded(id string)
	PublishHistoryItemRemoved(id string)
}

type noopPublisher struct{}

func (noopPublisher) PublishQueueItemAdded(string)           {}
func (noopPublisher) PublishQueueItemRemoved(string)         {}
func (noopPublisher) PublishQueueItemPriorityChanged(string) {}
func (noopPublisher) PublishHistoryItemAdded(string)         {}
func (noopPublisher) PublishHistoryItemRemoved(string)       {}

// Service is the ingest API surface: add NZBs to the queue, list queue
// and history, mutate priority, delete, retry, and export.
type Service struct {
	db   *database.DB
	wake Waker
	pub  Publisher

	// httpClient fetches addurl's remote NZB. Overridable in tests.
	httpClient *http.Client
}

// New builds a Service. wake and pub may be nil; pub defaults to a no-op
// so a Service can be exercised before an EventBus exists.
func New(db *database.DB, wake Waker, pub Publisher) *Service {
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Service{db: db, wake: wake, pub: pub, httpClient: http.DefaultClient}
}

// AddFile is `mode=addfile`: creates a QueueItem + QueueNzbContents from
// already-read NZB bytes and wakes QueueManager. fileName is used
// verbatim as QueueItem.FileName; the job name (used for the
// /downloads/<category>/<job> output path) is fileName with its .nzb
// extension stripped.
func (s *Service) AddFile(ctx context.Context, fileName string, category string, priority database.QueuePriority, nzbContents []byte) (*database.QueueItem, error) {
	parsed, err := nzbparse.Parse(bytes.NewReader(nzbContents))
	if err != nil {
		return nil, err
	}

	var totalBytes int64
	for _, f := range parsed.Files {
		for _, seg := range f.Segments {
			totalBytes += seg.Bytes
		}
	}

	item := &database.QueueItem{
		ID:                uuid.NewString(),
		FileName:          fileName,
		JobName:           jobNameFromFileName(fileName),
		CreatedAt:         time.Now(),
		Category:          category,
		Priority:          priority,
		Status:            database.QueueStatusQueued,
		TotalSegmentBytes: totalBytes,
	}

	if err := s.db.Queue.Add(ctx, item, string(nzbContents)); err != nil {
		return nil, fmt.Errorf("ingest: add queue item: %w", err)
	}

	s.pub.PublishQueueItemAdded(item.ID)
	if s.wake != nil {
		s.wake.Wake()
	}
	return item, nil
}

// AddURL is `mode=addurl`: downloads the NZB at nzbURL, then behaves like
// AddFile.
func (s *Service) AddURL(ctx context.Context, nzbURL string, category string, priority database.QueuePriority) (*database.QueueItem, error) {
	if nzbURL == "" {
		return nil, fmt.Errorf("%w: url required", apperrors.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nzbURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", apperrors.ErrValidation, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: download nzb: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest: download nzb: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ingest: read nzb body: %w", err)
	}

	fileName := "downloaded.nzb"
	if u, err := url.Parse(nzbURL); err == nil && u.Path != "" {
		if base := filepath.Base(u.Path); base != "" && base != "." {
			fileName = base
		}
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".nzb") {
		fileName += ".nzb"
	}

	return s.AddFile(ctx, fileName, category, priority, body)
}

// Queue is `mode=queue` with no `name` operation: the ordered queue
// slots, in dequeue order.
func (s *Service) Queue(ctx context.Context) ([]*database.QueueItem, error) {
	return s.db.Queue.List(ctx)
}

// QueueDelete is `mode=queue&name=delete&value=ids`.
func (s *Service) QueueDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.db.Queue.Remove(ctx, s.db.Connection(), id); err != nil {
			return fmt.Errorf("ingest: delete queue item %s: %w", id, err)
		}
		s.pub.PublishQueueItemRemoved(id)
	}
	return nil
}

// QueuePriority is `mode=queue&name=priority&value=id&value2=action`.
func (s *Service) QueuePriority(ctx context.Context, id string, action database.PriorityAction) error {
	if err := s.db.Queue.ApplyPriorityAction(ctx, id, action, time.Now()); err != nil {
		return fmt.Errorf("ingest: apply priority action: %w", err)
	}
	s.pub.PublishQueueItemPriorityChanged(id)
	if s.wake != nil {
		s.wake.Wake()
	}
	return nil
}

// HistoryFilter narrows History the way the `mode=history` query flags
// do: show_archived, search, category, failure_reason, start, limit.
type HistoryFilter = database.HistoryFilter

// History is `mode=history`.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]*database.HistoryItem, error) {
	return s.db.History.List(ctx, filter, time.Now())
}

// Origin distinguishes a UI-originated delete (always hard-deletes) from
// an external *arr-originated one, which archives instead so the client
// gets a grace window before the row actually disappears.
type Origin int

const (
	OriginUI Origin = iota
	OriginExternal
)

// HistoryDelete is `mode=history&name=delete&value=ids`. External
// callers (Sonarr/Radarr) archive instead of hard-deleting, giving the
// client a 24h grace window before the row actually disappears.
func (s *Service) HistoryDelete(ctx context.Context, ids []string, origin Origin) error {
	switch origin {
	case OriginExternal:
		if err := s.db.History.Archive(ctx, ids, time.Now()); err != nil {
			return fmt.Errorf("ingest: archive history items: %w", err)
		}
	default:
		if err := s.db.History.Delete(ctx, ids); err != nil {
			return fmt.Errorf("ingest: delete history items: %w", err)
		}
	}
	for _, id := range ids {
		s.pub.PublishHistoryItemRemoved(id)
	}
	return nil
}

// Retry is `mode=retry`: requeues a history item's stored NZB as a new
// QueueItem, suffixing file_name with `.requeueN` on a name collision,
// and removes the history row.
func (s *Service) Retry(ctx context.Context, historyID string) (*database.QueueItem, error) {
	h, err := s.db.History.Get(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("ingest: get history item: %w", err)
	}

	fileName, err := s.uniqueFileName(ctx, h.FileName)
	if err != nil {
		return nil, err
	}

	item, err := s.db.History.Retry(ctx, s.db.Queue, h, uuid.NewString(), fileName, time.Now())
	if err != nil {
		return nil, fmt.Errorf("ingest: retry history item: %w", err)
	}

	s.pub.PublishHistoryItemRemoved(h.ID)
	s.pub.PublishQueueItemAdded(item.ID)
	if s.wake != nil {
		s.wake.Wake()
	}
	return item, nil
}

// uniqueFileName returns fileName unchanged if it's free, otherwise
// fileName.requeueN for the smallest N >= 1 that is.
func (s *Service) uniqueFileName(ctx context.Context, fileName string) (string, error) {
	taken, err := s.db.Queue.IsFileNameTaken(ctx, fileName)
	if err != nil {
		return "", fmt.Errorf("ingest: check file name: %w", err)
	}
	if !taken {
		return fileName, nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.requeue%d", fileName, n)
		taken, err := s.db.Queue.IsFileNameTaken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("ingest: check file name: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
}

// ExportNzb reparses a stored QueueItem's or HistoryItem's nzb_contents
// and reserializes it, so the download-nzb/retry-NZB round trip is
// checkable without relying on byte-for-byte XML equality.
func (s *Service) ExportNzb(ctx context.Context, nzbContents string) ([]byte, error) {
	parsed, err := nzbparse.Parse(strings.NewReader(nzbContents))
	if err != nil {
		return nil, err
	}
	return nzbparse.Serialize(parsed)
}

// ExportQueueNzb fetches and re-serializes the NZB backing a live
// QueueItem.
func (s *Service) ExportQueueNzb(ctx context.Context, queueItemID string) ([]byte, error) {
	contents, err := s.db.Queue.GetNzbContents(ctx, queueItemID)
	if err != nil {
		return nil, fmt.Errorf("ingest: get queue nzb contents: %w", err)
	}
	return s.ExportNzb(ctx, contents)
}

// ExportHistoryNzb fetches and re-serializes the NZB backing a
// HistoryItem.
func (s *Service) ExportHistoryNzb(ctx context.Context, historyID string) ([]byte, error) {
	h, err := s.db.History.Get(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("ingest: get history item: %w", err)
	}
	return s.ExportNzb(ctx, h.NzbContents)
}

func jobNameFromFileName(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
