package push

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io"
	"os"

	"github.com/rasky/go-lzo"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/segment"
)

// Delta file layout: a fixed header followed by the row content. Raw content
// is a sequence of length-prefixed rows; compressed content is a sequence of
// LZO1X blocks, each prefixed with (row_count, compressed_size). The checksum
// is Adler-32 over the content bytes as stored.
const (
	deltaMagic     = "SDLT"
	deltaVersion   = 1
	deltaHeaderLen = 4 + 4 + 8 + 8 + 4 + 1

	lzoBlockHeaderLen = 4 + 8
)

// DeltaHeader is the on-disk header of an input delta file.
type DeltaHeader struct {
	SchemaHash int64
	ContentLen uint64
	Checksum   uint32
	Compressed bool
}

func writeDeltaHeader(w io.Writer, h DeltaHeader) error {
	buf := make([]byte, 0, deltaHeaderLen)
	buf = append(buf, deltaMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, deltaVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.SchemaHash))
	buf = binary.LittleEndian.AppendUint64(buf, h.ContentLen)
	buf = binary.LittleEndian.AppendUint32(buf, h.Checksum)
	if h.Compressed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}

// ReadDeltaHeader parses the fixed header from the start of a delta stream.
func ReadDeltaHeader(r io.Reader) (DeltaHeader, error) {
	buf := make([]byte, deltaHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DeltaHeader{}, fmt.Errorf("%w: delta header: %v", storage.ErrIO, err)
	}
	if string(buf[:4]) != deltaMagic {
		return DeltaHeader{}, fmt.Errorf("%w: bad delta magic", storage.ErrInvalidArgument)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != deltaVersion {
		return DeltaHeader{}, fmt.Errorf("%w: unsupported delta format version %d", storage.ErrInvalidArgument, v)
	}
	return DeltaHeader{
		SchemaHash: int64(binary.LittleEndian.Uint64(buf[8:16])),
		ContentLen: binary.LittleEndian.Uint64(buf[16:24]),
		Checksum:   binary.LittleEndian.Uint32(buf[24:28]),
		Compressed: buf[28] == 1,
	}, nil
}

// WriteDeltaFile produces a complete delta file for the given rows, raw or
// LZO-compressed. Used by export tooling and tests.
func WriteDeltaFile(path string, schemaHash int64, rows []field.Row, compressed bool) error {
	var content []byte
	if compressed {
		// One block per at most 64 rows mirrors the loader's block sizing.
		for start := 0; start < len(rows); start += 64 {
			end := min(start+64, len(rows))
			var raw []byte
			for _, row := range rows[start:end] {
				raw = segment.AppendFramedRow(raw, row)
			}
			comp := lzo.Compress1X(raw)
			content = binary.LittleEndian.AppendUint32(content, uint32(end-start))
			content = binary.LittleEndian.AppendUint64(content, uint64(len(comp)))
			content = append(content, comp...)
		}
	} else {
		for _, row := range rows {
			content = segment.AppendFramedRow(content, row)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create delta file: %w", err)
	}
	defer f.Close()

	header := DeltaHeader{
		SchemaHash: schemaHash,
		ContentLen: uint64(len(content)),
		Checksum:   adler32.Checksum(content),
		Compressed: compressed,
	}
	if err := writeDeltaHeader(f, header); err != nil {
		return fmt.Errorf("failed to write delta header: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("failed to write delta content: %w", err)
	}
	return nil
}
