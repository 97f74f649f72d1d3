// Package rarindex builds the inner-to-outer byte offset table for a RAR
// volume set without extracting anything. It opens a github.com/javi11/rardecode/v2
// reader against a virtual fs.FS backed by internal/segio, so rardecode
// streams only the directory blocks it needs straight from Usenet.
package rarindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/rardecode/v2"

	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/segio"
)

// CorruptionReasonUnsupportedRar marks compressed or encrypted RAR sets,
// which this inspector cannot map byte-for-byte and instead indexes as
// one opaque file.
const CorruptionReasonUnsupportedRar = "unsupported rar"

// Volume is one outer RAR file (.rar, .r00, .partNNN.rar, ...) described as
// an ordered segment list, the same shape QueueManager already assembled
// for that file's NzbFile row.
type Volume struct {
	Name     string
	Segments []segio.Segment
}

// Result is what RarInspector hands back to QueueManager to persist as a
// database.RarFile.
type Result struct {
	Corrupted        bool
	CorruptionReason string
	Parts            database.RarParts
	Entries          database.RarOffsetMap
}

// Inspector opens RAR volumes backed by Usenet articles and extracts their
// directory structure without downloading file payloads.
type Inspector struct {
	fetcher segio.ArticleFetcher
	groups  []string
}

// New builds an Inspector that fetches segments through fetcher (normally
// *usenetclient.Client) against groups.
func New(fetcher segio.ArticleFetcher, groups []string) *Inspector {
	return &Inspector{fetcher: fetcher, groups: groups}
}

// Inspect orders volumes, opens the first one through rardecode, and
// returns either the inner/outer offset table or an opaque single-file
// result for compressed, encrypted, or otherwise unreadable archives.
// Every fetch performed for parsing uses pool.UsageQueue, so inspection
// never competes with an interactive stream for provider slots.
func (ins *Inspector) Inspect(ctx context.Context, jobName string, volumes []Volume) (*Result, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("rarindex: no volumes given")
	}

	ordered := make([]Volume, len(volumes))
	copy(ordered, volumes)
	sort.Slice(ordered, func(i, j int) bool {
		return compareRarFilenames(ordered[i].Name, ordered[j].Name)
	})

	vfs := newVolumeFS(ctx, ins.fetcher, jobName, ins.groups, ordered)
	volumeIndex := make(map[string]int, len(ordered))
	for i, v := range ordered {
		volumeIndex[path.Base(v.Name)] = i
	}

	opts := []rardecode.Option{rardecode.FileSystem(vfs), rardecode.SkipCheck}
	aggregated, err := rardecode.ListArchiveInfo(ordered[0].Name, opts...)
	if err != nil {
		if errors.Is(err, rardecode.ErrBadPassword) {
			return opaqueResult(ordered, CorruptionReasonUnsupportedRar), nil
		}
		return nil, fmt.Errorf("rarindex: parse directory: %w", err)
	}

	if hasUnsupportedContent(aggregated) {
		return opaqueResult(ordered, CorruptionReasonUnsupportedRar), nil
	}

	entries, err := buildOffsetEntries(aggregated, volumeIndex)
	if err != nil {
		return nil, err
	}

	return &Result{Parts: rarParts(ordered), Entries: entries}, nil
}

// hasUnsupportedContent reports whether any file in the archive is
// compressed or encrypted, the cases this package restricts to an opaque
// single-file index instead of a real offset table.
func hasUnsupportedContent(aggregated []rardecode.ArchiveFileInfo) bool {
	for _, af := range aggregated {
		if af.Compressed || af.AnyEncrypted {
			return true
		}
	}
	return false
}

// buildOffsetEntries translates rardecode's per-file part list into the
// inner/outer offset table database.RarOffsetMap stores, resolving each
// part's volume path against volumeIndex (0-based position in the
// ordered volume set).
func buildOffsetEntries(aggregated []rardecode.ArchiveFileInfo, volumeIndex map[string]int) (database.RarOffsetMap, error) {
	entries := make(database.RarOffsetMap, 0, len(aggregated))
	for _, af := range aggregated {
		innerName := strings.ReplaceAll(af.Name, "\\", "/")
		var innerPos int64
		for _, part := range af.Parts {
			if part.PackedSize <= 0 {
				continue
			}
			volIdx, ok := volumeIndex[path.Base(part.Path)]
			if !ok {
				return nil, fmt.Errorf("rarindex: part %q not among indexed volumes", part.Path)
			}
			entries = append(entries, database.RarOffsetEntry{
				InnerFileName:  innerName,
				OuterVolumeIdx: volIdx,
				OuterByteStart: part.DataOffset,
				OuterByteEnd:   part.DataOffset + part.PackedSize,
				InnerByteStart: innerPos,
				InnerByteEnd:   innerPos + part.UnpackedSize,
			})
			innerPos += part.UnpackedSize
		}
	}
	return entries, nil
}

func opaqueResult(volumes []Volume, reason string) *Result {
	entries := make(database.RarOffsetMap, 0, len(volumes))
	var innerPos int64
	name := path.Base(volumes[0].Name)
	for i, v := range volumes {
		size := declaredSize(v.Segments)
		entries = append(entries, database.RarOffsetEntry{
			InnerFileName:  name,
			OuterVolumeIdx: i,
			OuterByteStart: 0,
			OuterByteEnd:   size,
			InnerByteStart: innerPos,
			InnerByteEnd:   innerPos + size,
		})
		innerPos += size
	}
	return &Result{
		Corrupted:        true,
		CorruptionReason: reason,
		Parts:            rarParts(volumes),
		Entries:          entries,
	}
}

func rarParts(volumes []Volume) database.RarParts {
	parts := make(database.RarParts, len(volumes))
	for i, v := range volumes {
		refs := make([]database.SegmentRef, len(v.Segments))
		for j, s := range v.Segments {
			refs[j] = database.SegmentRef{MessageID: s.MessageID, Bytes: s.DeclaredBytes}
		}
		parts[i] = database.RarPart{Segments: refs}
	}
	return parts
}

func declaredSize(segments []segio.Segment) int64 {
	var total int64
	for _, s := range segments {
		total += s.DeclaredBytes
	}
	return total
}

// volumeFS implements fs.FS over a set of RAR volumes, each backed by a
// segio.SegmentFile, so rardecode can Open/Seek/Read volume contents
// without any local buffering.
type volumeFS struct {
	ctx     context.Context
	fetcher segio.ArticleFetcher
	jobName string
	groups  []string
	byName  map[string]Volume
}

func newVolumeFS(ctx context.Context, fetcher segio.ArticleFetcher, jobName string, groups []string, volumes []Volume) *volumeFS {
	byName := make(map[string]Volume, len(volumes))
	for _, v := range volumes {
		byName[path.Base(v.Name)] = v
	}
	return &volumeFS{ctx: ctx, fetcher: fetcher, jobName: jobName, groups: groups, byName: byName}
}

func (vfs *volumeFS) Open(name string) (fs.File, error) {
	v, ok := vfs.byName[path.Base(path.Clean(name))]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	sf := segio.New(vfs.ctx, vfs.fetcher, vfs.jobName, vfs.groups, pool.UsageQueue, v.Segments)
	return &volumeFile{name: path.Base(name), sf: sf}, nil
}

// volumeFile adapts segio.SegmentFile to fs.File, the Stat/Read/Seek shape
// rardecode.ListArchiveInfo needs to treat a Usenet-backed volume as a regular
// file.
type volumeFile struct {
	name string
	sf   *segio.SegmentFile
}

func (f *volumeFile) Stat() (fs.FileInfo, error) {
	return volumeFileInfo{name: f.name, size: f.sf.Size()}, nil
}

func (f *volumeFile) Read(p []byte) (int, error) { return f.sf.Read(p) }
func (f *volumeFile) Seek(offset int64, whence int) (int64, error) {
	return f.sf.Seek(offset, whence)
}
func (f *volumeFile) Close() error { return f.sf.Close() }

type volumeFileInfo struct {
	name string
	size int64
}

func (i volumeFileInfo) Name() string         { return i.name }
func (i volumeFileInfo) Size() int64          { return i.size }
func (i volumeFileInfo) Mode() fs.FileMode    { return 0 }
func (i volumeFileInfo) ModTime() time.Time   { return time.Time{} }
func (i volumeFileInfo) IsDir() bool          { return false }
func (i volumeFileInfo) Sys() interface{}     { return nil }

// compareRarFilenames orders RAR volume names the way a .rar/.r00/.r01 or
// .partNNN.rar set is meant to be read.
func compareRarFilenames(a, b string) bool {
	aBase, aExt := splitRarFilename(a)
	bBase, bExt := splitRarFilename(b)
	if aBase != bBase {
		return aBase < bBase
	}
	return extractRarPartNumber(aExt) < extractRarPartNumber(bExt)
}

var (
	partPattern = regexp.MustCompile(`^(.+)\.part(\d+)\.rar$`)
	rPattern    = regexp.MustCompile(`^(.+)\.r(\d+)$`)
)

// splitRarFilename splits a volume name into its base name and a tag
// identifying its place in the set: "rar" for the first volume,
// "r<digits>" for .r00/.r01-style continuations, or "part<digits>" for
// .partNNN.rar-style continuations. extractRarPartNumber turns that tag
// into a sort key.
func splitRarFilename(filename string) (base, ext string) {
	if m := partPattern.FindStringSubmatch(filename); len(m) > 2 {
		return m[1], "part" + m[2]
	}
	if strings.HasSuffix(strings.ToLower(filename), ".rar") {
		return strings.TrimSuffix(filename, path.Ext(filename)), "rar"
	}
	if m := rPattern.FindStringSubmatch(filename); len(m) > 2 {
		return m[1], "r" + m[2]
	}
	return filename, ""
}

func extractRarPartNumber(ext string) int {
	switch {
	case ext == "rar":
		return 0
	case strings.HasPrefix(ext, "r"):
		if n, err := strconv.Atoi(ext[1:]); err == nil {
			return n + 1
		}
	case strings.HasPrefix(ext, "part"):
		if n, err := strconv.Atoi(ext[len("part"):]); err == nil {
			return n
		}
	}
	return 999999
}
