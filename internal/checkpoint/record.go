// Package checkpoint serializes table and chunk state to durable storage.
//
// A checkpoint is a directory root/<timestamp>/ holding chunks.rec,
// tables.rec and a DONE sentinel written last; only directories containing
// DONE are considered complete. Record files are sequences of
// length-prefixed, checksummed, zstd-compressed frames.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/cartridge/reverb/internal/xerrors"
)

var (
	recordEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	recordDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// recordWriter appends framed records to a file: a little-endian u32 length
// of the compressed payload, the compressed payload's xxhash64, then the
// zstd-compressed payload.
type recordWriter struct {
	f   *os.File
	buf *bufio.Writer
}

func newRecordWriter(path string) (*recordWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &recordWriter{f: f, buf: bufio.NewWriter(f)}, nil
}

func (w *recordWriter) Write(payload []byte) error {
	compressed := recordEncoder.EncodeAll(payload, nil)
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint64(header[4:12], xxhash.Sum64(compressed))
	if _, err := w.buf.Write(header[:]); err != nil {
		return err
	}
	_, err := w.buf.Write(compressed)
	return err
}

func (w *recordWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// recordReader iterates the frames of a record file.
type recordReader struct {
	f   *os.File
	buf *bufio.Reader
}

func newRecordReader(path string) (*recordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &recordReader{f: f, buf: bufio.NewReader(f)}, nil
}

// Next returns the next decompressed payload, or io.EOF at the end.
func (r *recordReader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.buf, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, xerrors.Wrap(xerrors.Internal, err, "truncated record header")
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint64(header[4:12])
	compressed := make([]byte, length)
	if _, err := io.ReadFull(r.buf, compressed); err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, err, "truncated record payload")
	}
	if got := xxhash.Sum64(compressed); got != sum {
		return nil, xerrors.Internalf("record checksum mismatch: got %x, want %x", got, sum)
	}
	payload, err := recordDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Internal, err, "decompressing record")
	}
	return payload, nil
}

func (r *recordReader) Close() error { return r.f.Close() }
