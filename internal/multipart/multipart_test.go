package multipart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/nzbparse"
)

func segs(ids ...string) []nzbparse.Segment {
	out := make([]nzbparse.Segment, len(ids))
	for i, id := range ids {
		out[i] = nzbparse.Segment{Number: i + 1, Bytes: 100, MessageID: id}
	}
	return out
}

func TestAssemble_GroupsNumericExtensionSiblings(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "movie.002", Segments: segs("b1")},
		{Filename: "movie.001", Segments: segs("a1", "a2")},
		{Filename: "movie.003", Segments: segs("c1")},
	}

	res := Assemble(files)
	require.Len(t, res.Groups, 1)
	require.Empty(t, res.Ungrouped)

	g := res.Groups[0]
	assert.Equal(t, "movie", g.Name)
	require.Len(t, g.Parts, 3)
	require.Len(t, g.Parts[0].Segments, 2)
	assert.Equal(t, "a1", g.Parts[0].Segments[0].MessageID)
	assert.Equal(t, "a2", g.Parts[0].Segments[1].MessageID)
	require.Len(t, g.Parts[1].Segments, 1)
	assert.Equal(t, "b1", g.Parts[1].Segments[0].MessageID)
	assert.Equal(t, int64(400), g.Size)
}

func TestAssemble_LoneNumberedFileStaysUngrouped(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "sample.001", Segments: segs("x1")},
	}
	res := Assemble(files)
	assert.Empty(t, res.Groups)
	require.Len(t, res.Ungrouped, 1)
	assert.Equal(t, "sample.001", res.Ungrouped[0].Filename)
}

func TestAssemble_PlainFilesAreUngrouped(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "readme.txt", Segments: segs("r1")},
		{Filename: "movie.mkv", Segments: segs("m1")},
	}
	res := Assemble(files)
	assert.Empty(t, res.Groups)
	require.Len(t, res.Ungrouped, 2)
}

func TestAssemble_RarPartPatternGroupsTogether(t *testing.T) {
	files := []nzbparse.ParsedFile{
		{Filename: "show.part002.rar", Segments: segs("p2")},
		{Filename: "show.part001.rar", Segments: segs("p1")},
	}
	res := Assemble(files)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "show", res.Groups[0].Name)
}
