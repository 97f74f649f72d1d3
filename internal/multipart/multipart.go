// Package multipart groups NZB files whose names follow a split-archive
// numbering convention (name.001, name.002, ... or name.partNN.rar) into a
// single logical MultipartFile, using the same filename-ordering idiom
// the RAR volume grouping in internal/queue applies.
package multipart

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/nzbparse"
)

// Group is one assembled multipart set: an ordered list of contiguous
// pieces (each piece's own segment list) and the filename the set should
// surface under the logical file tree.
type Group struct {
	Name   string
	Parts  database.FileParts
	Size   int64
	Groups []string
}

// Ungrouped is the files Assemble could not fit into a multipart set; the
// caller imports these as plain NzbFile items instead.
type Result struct {
	Groups    []Group
	Ungrouped []nzbparse.ParsedFile
}

var (
	numericExt = regexp.MustCompile(`^(.+)\.(\d{2,})$`)
	rarPartExt = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
)

// Assemble groups files matching a split-archive naming convention. A
// group only forms when at least two files share a base name and their
// part numbers are contiguous starting at the set's lowest part number;
// a lone numbered file (no sibling parts found) is left ungrouped, since
// assembly only makes sense across multiple files.
func Assemble(files []nzbparse.ParsedFile) Result {
	type candidate struct {
		file nzbparse.ParsedFile
		part int
	}

	byBase := make(map[string][]candidate)
	var order []string
	ungroupedIdx := make(map[int]bool)

	for i, f := range files {
		base, part, ok := splitMultipartName(f.Filename)
		if !ok {
			ungroupedIdx[i] = true
			continue
		}
		if _, seen := byBase[base]; !seen {
			order = append(order, base)
		}
		byBase[base] = append(byBase[base], candidate{file: f, part: part})
	}

	var res Result
	for _, base := range order {
		cands := byBase[base]
		if len(cands) < 2 {
			for _, c := range cands {
				res.Ungrouped = append(res.Ungrouped, c.file)
			}
			continue
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].part < cands[j].part })
		contiguous := true
		for k, c := range cands {
			if c.part != cands[0].part+k {
				contiguous = false
				break
			}
		}
		if !contiguous {
			for _, c := range cands {
				res.Ungrouped = append(res.Ungrouped, c.file)
			}
			continue
		}

		parts := make(database.FileParts, len(cands))
		var size int64
		for i, c := range cands {
			refs := make([]database.SegmentRef, len(c.file.Segments))
			for j, s := range c.file.Segments {
				refs[j] = database.SegmentRef{MessageID: s.MessageID, Bytes: s.Bytes}
				size += s.Bytes
			}
			parts[i] = database.FilePart{Segments: refs}
		}

		res.Groups = append(res.Groups, Group{Name: base, Parts: parts, Size: size, Groups: cands[0].file.Groups})
	}

	for i, f := range files {
		if ungroupedIdx[i] {
			res.Ungrouped = append(res.Ungrouped, f)
		}
	}

	return res
}

// splitMultipartName extracts a base name and the part number as written
// (1 for .001 or .part001.rar) from a
// name.NNN or name.partNN.rar filename. Returns ok=false for anything
// else, including plain .rar/.r00 volumes, which RarInspector owns.
func splitMultipartName(filename string) (base string, part int, ok bool) {
	if m := rarPartExt.FindStringSubmatch(filename); len(m) > 2 {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return strings.ToLower(m[1]), n, true
		}
	}
	if m := numericExt.FindStringSubmatch(filename); len(m) > 2 {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return m[1], n, true
		}
	}
	return "", 0, false
}
