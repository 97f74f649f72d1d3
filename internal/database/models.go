package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ItemKind tags the variant a metadata Item carries.
type ItemKind string

const (
	ItemKindDirectory     ItemKind = "Directory"
	ItemKindNzbFile       ItemKind = "NzbFile"
	ItemKindRarFile       ItemKind = "RarFile"
	ItemKindMultipartFile ItemKind = "MultipartFile"
	ItemKindSymLink       ItemKind = "SymLink"
)

// Item is a node (directory or file variant) in the logical file tree.
type Item struct {
	ID               string     `db:"id"`
	ParentID         *string    `db:"parent_id"`
	Name             string     `db:"name"`
	Path             string     `db:"path"`
	Kind             ItemKind   `db:"kind"`
	FileSize         *int64     `db:"file_size"`
	Groups           StringSlice `db:"groups"`
	ReleaseDate      *time.Time `db:"release_date"`
	IsCorrupted      bool       `db:"is_corrupted"`
	CorruptionReason *string    `db:"corruption_reason"`
	LastHealthCheck  *time.Time `db:"last_health_check"`
	NextHealthCheck  *time.Time `db:"next_health_check"`
}

// StringSlice is a JSON-in-a-column slice of strings, used for segment ids.
type StringSlice []string

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	raw, err := scanBytes(value, "StringSlice")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, s)
}

func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	return json.Marshal(s)
}

// Int64Slice is a JSON-in-a-column slice of int64s, used for segment sizes.
type Int64Slice []int64

func (s *Int64Slice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	raw, err := scanBytes(value, "Int64Slice")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, s)
}

func (s Int64Slice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	return json.Marshal(s)
}

func scanBytes(value interface{}, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("cannot scan non-string value into " + typeName)
	}
}

// NzbFile is the immutable descriptor for a plain single NZB file: the
// ordered segment ids backing it and their decoded byte sizes.
type NzbFile struct {
	ItemID        string      `db:"item_id"`
	SegmentIDs    StringSlice `db:"segment_ids"`
	SegmentSizes  Int64Slice  `db:"segment_sizes"`
}

// SegmentRef names one outer segment by message id and byte size.
type SegmentRef struct {
	MessageID string `json:"message_id"`
	Bytes     int64  `json:"bytes"`
}

// RarPart is one volume of a RAR set as a list of outer segments, each
// carrying its declared byte size so StreamingReader can seek within the
// volume without re-reading the source NZB.
type RarPart struct {
	Segments []SegmentRef `json:"segments"`
}

// RarParts is a slice of RarPart for JSON marshaling into a column.
type RarParts []RarPart

func (rp *RarParts) Scan(value interface{}) error {
	if value == nil {
		*rp = nil
		return nil
	}
	raw, err := scanBytes(value, "RarParts")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, rp)
}

func (rp RarParts) Value() (driver.Value, error) {
	if len(rp) == 0 {
		return "[]", nil
	}
	return json.Marshal(rp)
}

// RarOffsetEntry maps one inner file's byte range to an outer volume range,
// as produced by RarInspector.
type RarOffsetEntry struct {
	InnerFileName   string `json:"inner_file_name"`
	OuterVolumeIdx  int    `json:"outer_volume_index"`
	OuterByteStart  int64  `json:"outer_byte_start"`
	OuterByteEnd    int64  `json:"outer_byte_end"`
	InnerByteStart  int64  `json:"inner_byte_start"`
	InnerByteEnd    int64  `json:"inner_byte_end"`
}

// RarOffsetMap is the full per-inner-file offset table for one archive.
type RarOffsetMap []RarOffsetEntry

func (m *RarOffsetMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	raw, err := scanBytes(value, "RarOffsetMap")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, m)
}

func (m RarOffsetMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "[]", nil
	}
	return json.Marshal(m)
}

// RarFile is the immutable descriptor for an inspected (not extracted) RAR
// archive: the outer volumes and the inner-to-outer offset translation.
type RarFile struct {
	ItemID         string       `db:"item_id"`
	RarParts       RarParts     `db:"rar_parts"`
	InnerOffsetMap RarOffsetMap `db:"inner_offset_map"`
}

// FilePart is one contiguous piece of a multipart set, as an ordered
// segment list with declared byte sizes.
type FilePart struct {
	Segments []SegmentRef `json:"segments"`
}

// FileParts is a slice of FilePart for JSON marshaling into a column.
type FileParts []FilePart

func (fp *FileParts) Scan(value interface{}) error {
	if value == nil {
		*fp = nil
		return nil
	}
	raw, err := scanBytes(value, "FileParts")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, fp)
}

func (fp FileParts) Value() (driver.Value, error) {
	if len(fp) == 0 {
		return "[]", nil
	}
	return json.Marshal(fp)
}

// MultipartFile is the immutable descriptor for a logical file assembled
// from several NZB files (name.001, name.002, ...).
type MultipartFile struct {
	ItemID    string    `db:"item_id"`
	FileParts FileParts `db:"file_parts"`
}

// QueuePriority orders QueueItem scheduling; higher sorts first.
type QueuePriority string

const (
	PriorityForce  QueuePriority = "Force"
	PriorityHigh   QueuePriority = "High"
	PriorityNormal QueuePriority = "Normal"
	PriorityLow    QueuePriority = "Low"
)

// priorityRank gives QueuePriority a numeric ordering for SQL ORDER BY
// clauses that need to sort on it alongside created_at.
var priorityRank = map[QueuePriority]int{
	PriorityForce:  3,
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// QueueStatus tracks a QueueItem through the import pipeline.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "Queued"
	QueueStatusParsing   QueueStatus = "Parsing"
	QueueStatusImporting QueueStatus = "Importing"
	QueueStatusVerifying QueueStatus = "Verifying"
)

// QueueItem is a submitted NZB job awaiting or undergoing processing.
type QueueItem struct {
	ID                 string        `db:"id"`
	FileName            string        `db:"file_name"`
	JobName             string        `db:"job_name"`
	CreatedAt           time.Time     `db:"created_at"`
	Category            string        `db:"category"`
	Priority            QueuePriority `db:"priority"`
	PauseUntil          *time.Time    `db:"pause_until"`
	PostProcessing      string        `db:"post_processing"`
	TotalSegmentBytes   int64         `db:"total_segment_bytes"`
	Status              QueueStatus   `db:"status"`
	Cancelled           bool          `db:"cancelled"`
}

// QueueNzbContents holds the raw NZB XML backing a QueueItem.
type QueueNzbContents struct {
	QueueItemID string `db:"queue_item_id"`
	NzbContents string `db:"nzb_contents"`
}

// HistoryStatus is the terminal outcome of a processed QueueItem.
type HistoryStatus string

const (
	HistoryStatusCompleted HistoryStatus = "Completed"
	HistoryStatusFailed    HistoryStatus = "Failed"
)

// HistoryItem is the record left behind once a QueueItem finishes.
type HistoryItem struct {
	ID            string        `db:"id"`
	JobName       string        `db:"job_name"`
	FileName      string        `db:"file_name"`
	Category      string        `db:"category"`
	Status        HistoryStatus `db:"status"`
	FailureReason *string       `db:"failure_reason"`
	NzbContents   string        `db:"nzb_contents"`
	Bytes         int64         `db:"bytes"`
	DownloadTime  int64         `db:"download_time"`
	CompletedAt   time.Time     `db:"completed_at"`
	IsArchived    bool          `db:"is_archived"`
	ArchivedAt    *time.Time    `db:"archived_at"`
}

// NzbProviderStat accumulates per-(job, provider) fetch accounting.
type NzbProviderStat struct {
	JobName            string     `db:"job_name"`
	ProviderIndex       int       `db:"provider_index"`
	SuccessfulSegments  int64     `db:"successful_segments"`
	FailedSegments      int64     `db:"failed_segments"`
	TotalBytes          int64     `db:"total_bytes"`
	TotalTimeMs         int64     `db:"total_time_ms"`
	LastUsed            *time.Time `db:"last_used"`
	RecentAvgSpeedBps   float64   `db:"recent_avg_speed_bps"`
}

// MissingArticleEvent is an append-only record of a permanently missing
// article observed by the UsenetClient.
type MissingArticleEvent struct {
	ID            int64     `db:"id"`
	Filename      string    `db:"filename"`
	MessageID     string    `db:"message_id"`
	ProviderIndex int       `db:"provider_index"`
	Timestamp     time.Time `db:"timestamp"`
	Operation     string    `db:"operation"`
}
