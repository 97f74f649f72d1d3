// Package yenc decodes the yEnc-encoded body of a single NNTP article.
package yenc

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// Article is the result of decoding one article body.
type Article struct {
	Payload       []byte
	PartOffset    *int64
	PartSize      *int64
	ExpectedCRC32 *uint32
}

// decoder streams one article body, unescaping yEnc's `=`-prefixed escape
// sequences and accumulating a running CRC32 over the decoded bytes. It
// also parses =ypart's end= so it can report part_size and verify length
// independently of the CRC.
type decoder struct {
	r           *bufio.Reader
	escaped     bool
	reachedEnd  bool
	fileSize    int64
	partOffset  int64
	partEnd     int64
	havePart    bool
	expectedCRC uint32
	haveCRC     bool
}

// Decode reads r, which must contain the raw lines of one article body
// (everything between the `BODY` response and the terminating `.`),
// discovers the =ybegin/=ypart header, decodes the payload, and verifies
// length and CRC32 against whatever the header declared.
func Decode(r io.Reader) (*Article, error) {
	d := &decoder{r: bufio.NewReader(r)}

	if err := d.discoverHeader(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptArticle, err)
	}

	var buf bytes.Buffer
	hash := crc32.NewIEEE()
	chunk := make([]byte, 4096)
	for {
		n, err := d.read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			hash.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrCorruptArticle, err)
		}
	}

	art := &Article{Payload: buf.Bytes()}

	if d.havePart {
		offset := d.partOffset
		size := d.partEnd - d.partOffset + 1
		art.PartOffset = &offset
		art.PartSize = &size
		if int64(buf.Len()) != size {
			return nil, fmt.Errorf("%w: decoded length %d does not match declared part size %d",
				apperrors.ErrCorruptArticle, buf.Len(), size)
		}
	}

	if d.haveCRC {
		crc := d.expectedCRC
		art.ExpectedCRC32 = &crc
		if hash.Sum32() != crc {
			return nil, fmt.Errorf("%w: crc32 mismatch: expected %08x, got %08x",
				apperrors.ErrCorruptArticle, crc, hash.Sum32())
		}
	}

	return art, nil
}

func (d *decoder) discoverHeader() error {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("searching for yenc header: %w", err)
		}
		if strings.HasPrefix(line, "=ybegin") {
			d.parseYbegin(line)
			return d.parseOptionalYpart()
		}
	}
}

func (d *decoder) parseYbegin(line string) {
	for _, field := range strings.Fields(line) {
		if val, ok := strings.CutPrefix(field, "size="); ok {
			if size, err := strconv.ParseInt(val, 10, 64); err == nil {
				d.fileSize = size
			}
		}
	}
}

func (d *decoder) parseOptionalYpart() error {
	peek, err := d.r.Peek(6)
	if err != nil || !strings.Contains(string(peek), "=ypart") {
		return nil
	}

	line, err := d.r.ReadString('\n')
	if err != nil {
		return err
	}

	var begin, end int64
	var haveBegin, haveEnd bool
	for _, field := range strings.Fields(line) {
		if val, ok := strings.CutPrefix(field, "begin="); ok {
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				begin = n
				haveBegin = true
			}
		}
		if val, ok := strings.CutPrefix(field, "end="); ok {
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				end = n
				haveEnd = true
			}
		}
	}
	if haveBegin && haveEnd {
		// yEnc offsets are 1-based; convert to 0-based for byte ranges.
		d.partOffset = begin - 1
		d.partEnd = end - 1
		d.havePart = true
	}
	return nil
}

// read decodes into p, returning io.EOF once the =yend footer is reached.
func (d *decoder) read(p []byte) (int, error) {
	if d.reachedEnd {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		b, err := d.r.ReadByte()
		if err != nil {
			return n, err
		}

		if b == '=' && !d.escaped {
			peek, err := d.r.Peek(4)
			if err == nil && string(peek) == "yend" {
				d.reachedEnd = true
				d.parseFooter()
				return n, io.EOF
			}
			d.escaped = true
			continue
		}

		if (b == '\r' || b == '\n') && !d.escaped {
			continue
		}

		var decoded byte
		if d.escaped {
			decoded = b - 64 - 42
			d.escaped = false
		} else {
			decoded = b - 42
		}
		p[n] = decoded
		n++
	}
	return n, nil
}

func (d *decoder) parseFooter() {
	line, _ := d.r.ReadString('\n')
	for _, field := range strings.Fields(line) {
		key := "pcrc32="
		val, ok := strings.CutPrefix(field, key)
		if !ok {
			key = "crc32="
			val, ok = strings.CutPrefix(field, key)
		}
		if !ok {
			continue
		}
		if crc, err := strconv.ParseUint(val, 16, 32); err == nil {
			d.expectedCRC = uint32(crc)
			d.haveCRC = true
			if key == "pcrc32=" {
				return
			}
		}
	}
}
