package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
)

const (
	entryLogFileName        = "entries.log"
	entryLogVersion  uint16 = 1
	entryLogHeaderSz        = 8 + 2 + 4
)

var entryLogMagic = [8]byte{'V', 'D', 'B', 'E', 'N', 'T', 'R', '1'}

// entryLog is the append-only durable form of an index's entries.
// Records are fixed size: entry id (u64) followed by dims float32 values.
type entryLog struct {
	f    *os.File
	path string
	dims uint32
	size int64
}

func (l *entryLog) recordSize() int64 {
	return 8 + 4*int64(l.dims)
}

func writeLogHeader(w io.Writer, dims uint32) error {
	if _, err := w.Write(entryLogMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entryLogVersion); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, dims)
}

func readLogHeader(r io.Reader, expectedDims uint32) error {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	if magic != entryLogMagic {
		return fmt.Errorf("invalid log magic")
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != entryLogVersion {
		return fmt.Errorf("unsupported log version %d", version)
	}
	var dims uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return err
	}
	if dims != expectedDims {
		return fmt.Errorf("log dimensions %d do not match metadata %d", dims, expectedDims)
	}
	return nil
}

// createEntryLog starts an empty log, replacing any existing file.
func createEntryLog(dir string, dims uint32) (*entryLog, error) {
	path := filepath.Join(dir, entryLogFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create entry log: %w", err)
	}
	if err := writeLogHeader(f, dims); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write entry log header: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync entry log header: %w", err)
	}
	return &entryLog{f: f, path: path, dims: dims, size: entryLogHeaderSz}, nil
}

// openEntryLog replays an existing log through apply and leaves it open for
// appends. A torn final record is truncated away.
func openEntryLog(dir string, dims uint32, apply func(Entry) error) (*entryLog, error) {
	path := filepath.Join(dir, entryLogFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if isNotExist(err) {
			return createEntryLog(dir, dims)
		}
		return nil, fmt.Errorf("open entry log: %w", err)
	}

	l := &entryLog{f: f, path: path, dims: dims}
	if err := l.replay(apply); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *entryLog) replay(apply func(Entry) error) error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat entry log: %w", err)
	}
	if info.Size() < entryLogHeaderSz {
		log.Printf("WARN storage: entry log header incomplete, rewriting path=%s size=%d", l.path, info.Size())
		return l.reset()
	}

	r := bufio.NewReader(l.f)
	if err := readLogHeader(r, l.dims); err != nil {
		return fmt.Errorf("read entry log header: %w", err)
	}

	recSize := l.recordSize()
	body := info.Size() - entryLogHeaderSz
	complete := body / recSize
	buf := make([]byte, recSize)
	for i := int64(0); i < complete; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read entry record %d: %w", i, err)
		}
		if err := apply(decodeEntry(buf, l.dims)); err != nil {
			return fmt.Errorf("replay entry record %d: %w", i, err)
		}
	}

	l.size = entryLogHeaderSz + complete*recSize
	if torn := body - complete*recSize; torn > 0 {
		log.Printf("WARN storage: truncating torn entry record path=%s bytes=%d", l.path, torn)
		if err := l.f.Truncate(l.size); err != nil {
			return fmt.Errorf("truncate torn entry record: %w", err)
		}
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync entry log: %w", err)
		}
	}
	return nil
}

func (l *entryLog) reset() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate entry log: %w", err)
	}
	if _, err := l.f.WriteAt(headerBytes(l.dims), 0); err != nil {
		return fmt.Errorf("write entry log header: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync entry log header: %w", err)
	}
	l.size = entryLogHeaderSz
	return nil
}

func headerBytes(dims uint32) []byte {
	var buf bytes.Buffer
	_ = writeLogHeader(&buf, dims)
	return buf.Bytes()
}

// append durably writes one record. On failure the file is cut back to its
// previous length so a later replay never sees the rejected entry.
func (l *entryLog) append(e Entry) error {
	if l.f == nil {
		return fmt.Errorf("entry log closed")
	}
	rec := encodeEntry(e)
	if _, err := l.f.WriteAt(rec, l.size); err != nil {
		return errors.Join(fmt.Errorf("append entry record: %w", err), l.rollback())
	}
	if err := l.f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("sync entry log: %w", err), l.rollback())
	}
	l.size += int64(len(rec))
	return nil
}

func (l *entryLog) rollback() error {
	if err := l.f.Truncate(l.size); err != nil {
		return fmt.Errorf("rollback entry log: %w", err)
	}
	return nil
}

func (l *entryLog) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func encodeEntry(e Entry) []byte {
	out := make([]byte, 8+4*len(e.Embedding))
	binary.LittleEndian.PutUint64(out, e.ID)
	for i, v := range e.Embedding {
		binary.LittleEndian.PutUint32(out[8+4*i:], math.Float32bits(v))
	}
	return out
}

func decodeEntry(rec []byte, dims uint32) Entry {
	e := Entry{
		ID:        binary.LittleEndian.Uint64(rec),
		Embedding: make([]float32, dims),
	}
	for i := range e.Embedding {
		e.Embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(rec[8+4*i:]))
	}
	return e
}
