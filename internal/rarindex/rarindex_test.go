package rarindex

import (
	"testing"

	"github.com/javi11/rardecode/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzbcore/nzbcore/internal/segio"
)

func TestCompareRarFilenames_OrdersDotRarBeforeContinuations(t *testing.T) {
	names := []string{"movie.r01", "movie.rar", "movie.r00"}
	assert.True(t, compareRarFilenames(names[1], names[2]))
	assert.True(t, compareRarFilenames(names[2], names[0]))
}

func TestCompareRarFilenames_OrdersPartNNNNumerically(t *testing.T) {
	assert.True(t, compareRarFilenames("movie.part001.rar", "movie.part002.rar"))
	assert.True(t, compareRarFilenames("movie.part009.rar", "movie.part010.rar"))
}

func TestBuildOffsetEntries_TranslatesPartsToInnerOuterRanges(t *testing.T) {
	volumeIndex := map[string]int{"vol1.rar": 0, "vol2.rar": 1}
	aggregated := []rardecode.ArchiveFileInfo{
		{
			Name: "movie.mkv",
			Parts: []rardecode.FilePartInfo{
				{Path: "vol1.rar", DataOffset: 100, PackedSize: 50, UnpackedSize: 50},
				{Path: "vol2.rar", DataOffset: 0, PackedSize: 30, UnpackedSize: 30},
			},
		},
	}

	entries, err := buildOffsetEntries(aggregated, volumeIndex)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, 0, entries[0].OuterVolumeIdx)
	assert.Equal(t, int64(100), entries[0].OuterByteStart)
	assert.Equal(t, int64(150), entries[0].OuterByteEnd)
	assert.Equal(t, int64(0), entries[0].InnerByteStart)
	assert.Equal(t, int64(50), entries[0].InnerByteEnd)

	assert.Equal(t, 1, entries[1].OuterVolumeIdx)
	assert.Equal(t, int64(50), entries[1].InnerByteStart)
	assert.Equal(t, int64(80), entries[1].InnerByteEnd)
}

func TestBuildOffsetEntries_UnknownVolumeIsError(t *testing.T) {
	aggregated := []rardecode.ArchiveFileInfo{
		{Name: "f", Parts: []rardecode.FilePartInfo{{Path: "missing.rar", PackedSize: 10}}},
	}
	_, err := buildOffsetEntries(aggregated, map[string]int{})
	assert.Error(t, err)
}

func TestHasUnsupportedContent_FlagsCompressedOrEncrypted(t *testing.T) {
	assert.True(t, hasUnsupportedContent([]rardecode.ArchiveFileInfo{{Compressed: true}}))
	assert.True(t, hasUnsupportedContent([]rardecode.ArchiveFileInfo{{AnyEncrypted: true}}))
	assert.False(t, hasUnsupportedContent([]rardecode.ArchiveFileInfo{{AllStored: true}}))
}

func TestOpaqueResult_IndexesEachVolumeAsOneOuterRange(t *testing.T) {
	volumes := []Volume{
		{Name: "movie.rar", Segments: []segio.Segment{{MessageID: "a", DeclaredBytes: 10}}},
		{Name: "movie.r00", Segments: []segio.Segment{{MessageID: "b", DeclaredBytes: 20}}},
	}
	res := opaqueResult(volumes, CorruptionReasonUnsupportedRar)
	require.True(t, res.Corrupted)
	assert.Equal(t, CorruptionReasonUnsupportedRar, res.CorruptionReason)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(0), res.Entries[0].InnerByteStart)
	assert.Equal(t, int64(10), res.Entries[0].InnerByteEnd)
	assert.Equal(t, int64(10), res.Entries[1].InnerByteStart)
	assert.Equal(t, int64(30), res.Entries[1].InnerByteEnd)
}
