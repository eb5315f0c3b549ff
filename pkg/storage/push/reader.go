package push

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/adler32"
	"io"

	"github.com/rasky/go-lzo"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/segment"
)

// BinaryReader yields rows from a delta stream. Both implementations keep a
// rolling Adler-32 over the content bytes they consume, checked against the
// file header after the stream drains.
type BinaryReader interface {
	Next(row *field.Row) error
	EOF() bool
	ValidateChecksum(declared uint32) error
}

// NewBinaryReader picks the raw or LZO reader based on the delta header.
func NewBinaryReader(r io.Reader, header DeltaHeader) BinaryReader {
	if header.Compressed {
		return &lzoBinaryReader{r: r, contentLen: header.ContentLen, checksum: adler32.New()}
	}
	return &rawBinaryReader{r: r, contentLen: header.ContentLen, checksum: adler32.New()}
}

// rawBinaryReader reads length-prefixed rows until the declared content
// length is consumed.
type rawBinaryReader struct {
	r          io.Reader
	contentLen uint64
	curr       uint64
	checksum   hash.Hash32

	buf []byte
}

func (b *rawBinaryReader) EOF() bool {
	return b.curr >= b.contentLen
}

func (b *rawBinaryReader) readByte() (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(b.r, one[:]); err != nil {
		return 0, err
	}
	b.checksum.Write(one[:])
	b.curr++
	return one[0], nil
}

func (b *rawBinaryReader) Next(row *field.Row) error {
	if b.EOF() {
		return io.EOF
	}

	rowLen, err := binary.ReadUvarint(byteReaderFunc(b.readByte))
	if err != nil {
		return fmt.Errorf("%w: row length: %v", storage.ErrIO, err)
	}
	if b.curr+rowLen > b.contentLen {
		return fmt.Errorf("%w: row overruns declared content length", storage.ErrIO)
	}

	if cap(b.buf) < int(rowLen) {
		b.buf = make([]byte, rowLen)
	}
	b.buf = b.buf[:rowLen]
	if _, err := io.ReadFull(b.r, b.buf); err != nil {
		return fmt.Errorf("%w: row payload: %v", storage.ErrIO, err)
	}
	b.checksum.Write(b.buf)
	b.curr += rowLen

	if _, err := segment.DecodeRow(b.buf, row); err != nil {
		return err
	}
	return nil
}

func (b *rawBinaryReader) ValidateChecksum(declared uint32) error {
	if b.checksum.Sum32() != declared {
		return fmt.Errorf("%w: delta content checksum %08x, declared %08x",
			storage.ErrChecksumMismatch, b.checksum.Sum32(), declared)
	}
	return nil
}

type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) { return f() }

// lzoBinaryReader reads row blocks, each a (row_count, compressed_size)
// header followed by an LZO1X-compressed run of length-prefixed rows. EOF
// requires both the content consumed and the current block drained.
type lzoBinaryReader struct {
	r          io.Reader
	contentLen uint64
	curr       uint64
	checksum   hash.Hash32

	blockRows uint32
	blockBuf  []byte
	blockPos  int
}

func (b *lzoBinaryReader) EOF() bool {
	return b.curr >= b.contentLen && b.blockRows == 0
}

func (b *lzoBinaryReader) nextBlock() error {
	header := make([]byte, lzoBlockHeaderLen)
	if _, err := io.ReadFull(b.r, header); err != nil {
		return fmt.Errorf("%w: block header: %v", storage.ErrIO, err)
	}
	b.checksum.Write(header)
	b.curr += lzoBlockHeaderLen

	rowCount := binary.LittleEndian.Uint32(header[0:4])
	compressedSize := binary.LittleEndian.Uint64(header[4:12])
	if b.curr+compressedSize > b.contentLen {
		return fmt.Errorf("%w: block overruns declared content length", storage.ErrIO)
	}

	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(b.r, compressed); err != nil {
		return fmt.Errorf("%w: block payload: %v", storage.ErrIO, err)
	}
	b.checksum.Write(compressed)
	b.curr += compressedSize

	raw, err := lzo.Decompress1X(bytes.NewReader(compressed), int(compressedSize), 0)
	if err != nil {
		return fmt.Errorf("%w: block decompress: %v", storage.ErrChecksumMismatch, err)
	}

	b.blockRows = rowCount
	b.blockBuf = raw
	b.blockPos = 0
	return nil
}

func (b *lzoBinaryReader) Next(row *field.Row) error {
	if b.blockRows == 0 {
		if b.curr >= b.contentLen {
			return io.EOF
		}
		if err := b.nextBlock(); err != nil {
			return err
		}
	}

	rowLen, n := binary.Uvarint(b.blockBuf[b.blockPos:])
	if n <= 0 {
		return fmt.Errorf("%w: bad row frame in block", storage.ErrIO)
	}
	b.blockPos += n
	if b.blockPos+int(rowLen) > len(b.blockBuf) {
		return fmt.Errorf("%w: row overruns block", storage.ErrIO)
	}
	if _, err := segment.DecodeRow(b.blockBuf[b.blockPos:b.blockPos+int(rowLen)], row); err != nil {
		return err
	}
	b.blockPos += int(rowLen)
	b.blockRows--
	return nil
}

func (b *lzoBinaryReader) ValidateChecksum(declared uint32) error {
	if b.checksum.Sum32() != declared {
		return fmt.Errorf("%w: delta content checksum %08x, declared %08x",
			storage.ErrChecksumMismatch, b.checksum.Sum32(), declared)
	}
	return nil
}
