// Package debug is a low-overhead binary trace log for hot paths such as
// config-space dispatch and interrupt routing.
//
// Each record is a 16 byte header followed by the source and the payload:
//   - 2 bytes kind (1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve space by atomically advancing the shared offset, so records
// from concurrent goroutines never interleave.
package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

type Writer interface {
	io.WriterAt
	io.Closer
}

var (
	out    atomic.Pointer[Writer]
	offset atomic.Int64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. A non-nil error means a previous writer was
// replaced and may have lost records.
func Open(w Writer) error {
	offset.Store(0)
	if out.Swap(&w) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Enabled reports whether a trace writer is installed.
func Enabled() bool {
	return out.Load() != nil
}

func Close() error {
	w := out.Swap(nil)
	if w == nil {
		return nil
	}
	return (*w).Close()
}

func record(kind Kind, source string, data []byte) {
	w := out.Load()
	if w == nil {
		return
	}
	buf := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(buf[0:], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(data)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], data)

	off := offset.Add(int64(len(buf))) - int64(len(buf))
	_, _ = (*w).WriteAt(buf, off)
}

func WriteBytes(source string, data []byte) {
	record(KindBytes, source, data)
}

func Write(source string, data string) {
	record(KindString, source, []byte(data))
}

// Writef formats only when tracing is enabled.
func Writef(source string, format string, args ...any) {
	if out.Load() == nil {
		return
	}
	record(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source binds a source name for repeated use.
type Source string

func WithSource(source string) Source { return Source(source) }

func (s Source) Write(data string) { Write(string(s), data) }

func (s Source) Writef(format string, args ...any) { Writef(string(s), format, args...) }

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

var ErrCorrupt = errors.New("debug: corrupt record")

// Each decodes records from r in file order until EOF. A zeroed header marks
// space reserved by a writer that never completed and ends the scan.
func Each(r io.Reader, fn func(Record) error) error {
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrCorrupt
			}
			return err
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:]))
		if kind == KindInvalid {
			return nil
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:]))
		dataLen := int(binary.LittleEndian.Uint32(hdr[4:]))
		body := make([]byte, srcLen+dataLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return ErrCorrupt
		}
		rec := Record{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[8:]))),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Data:   body[srcLen:],
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
