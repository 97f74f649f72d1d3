// Package nzbparse parses NZB XML documents into an ordered list of
// logical files and their constituent article segments.
package nzbparse

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"

	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// document is the raw XML shape of an NZB file, decoded with stdlib
// encoding/xml rather than through a dedicated nzbparser dependency: the
// format is a handful of fixed elements, not worth a parser library.
type document struct {
	XMLName xml.Name   `xml:"nzb"`
	Files   []rawFile  `xml:"file"`
}

type rawFile struct {
	Subject  string       `xml:"subject,attr"`
	Poster   string       `xml:"poster,attr"`
	Date     int64        `xml:"date,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []rawSegment `xml:"segments>segment"`
}

type rawSegment struct {
	Number    int    `xml:"number,attr"`
	Bytes     int64  `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

// Segment is one article backing a contiguous byte range of a ParsedFile.
type Segment struct {
	Number    int
	Bytes     int64
	MessageID string
}

// ParsedFile is one `<file>` entry of an NZB document.
type ParsedFile struct {
	Subject  string
	Filename string
	Poster   string
	Date     int64
	Groups   []string
	Segments []Segment
}

// ParsedNzb is the full decoded document, in declaration order.
type ParsedNzb struct {
	Files []ParsedFile
}

// subjectFilename matches the common `"name" (a/b)` yEnc posting
// convention, e.g. `[1/20] - "movie.mkv.001" yEnc (1/734)`.
var subjectFilename = regexp.MustCompile(`"([^"]+)"`)

// Parse decodes r into a ParsedNzb, sorting each file's segments by number
// ascending. It fails with ErrMalformedNzb if the document is not
// well-formed XML or declares zero files.
func Parse(r io.Reader) (*ParsedNzb, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedNzb, err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("%w: document declares zero files", apperrors.ErrMalformedNzb)
	}

	parsed := &ParsedNzb{Files: make([]ParsedFile, 0, len(doc.Files))}
	for _, f := range doc.Files {
		segments := make([]Segment, 0, len(f.Segments))
		for _, s := range f.Segments {
			segments = append(segments, Segment{Number: s.Number, Bytes: s.Bytes, MessageID: s.MessageID})
		}
		sort.Slice(segments, func(i, j int) bool { return segments[i].Number < segments[j].Number })

		parsed.Files = append(parsed.Files, ParsedFile{
			Subject:  f.Subject,
			Filename: filenameFromSubject(f.Subject),
			Poster:   f.Poster,
			Date:     f.Date,
			Groups:   f.Groups,
			Segments: segments,
		})
	}
	return parsed, nil
}

// filenameFromSubject extracts the quoted filename from a posting subject.
// On failure to match, the raw subject is retained as-is.
func filenameFromSubject(subject string) string {
	m := subjectFilename.FindStringSubmatch(subject)
	if m == nil {
		return subject
	}
	return m[1]
}

// Serialize re-encodes parsed back into NZB XML, completing the round trip
// that ExportNzb exposes to the ingest API's download-nzb operation.
func Serialize(parsed *ParsedNzb) ([]byte, error) {
	doc := document{Files: make([]rawFile, 0, len(parsed.Files))}
	for _, f := range parsed.Files {
		segs := make([]rawSegment, 0, len(f.Segments))
		for _, s := range f.Segments {
			segs = append(segs, rawSegment{Number: s.Number, Bytes: s.Bytes, MessageID: s.MessageID})
		}
		doc.Files = append(doc.Files, rawFile{
			Subject:  f.Subject,
			Poster:   f.Poster,
			Date:     f.Date,
			Groups:   f.Groups,
			Segments: segs,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize nzb: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
