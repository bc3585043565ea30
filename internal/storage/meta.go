package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/futlize/vectordb/internal/distance"
)

const (
	metaFileName        = "meta.bin"
	metaVersion  uint16 = 1
)

var metaMagic = [8]byte{'V', 'D', 'B', 'M', 'E', 'T', 'A', '1'}

// Meta is the persisted metadata record of one index.
type Meta struct {
	ID               uint64
	Name             string
	Dimensions       uint32
	Similarity       distance.Similarity
	OptimizationCode uint8
	Capacity         uint64
	Count            uint64
}

func (m Meta) validate() error {
	if m.Dimensions == 0 {
		return fmt.Errorf("dimensions must be > 0")
	}
	if !m.Similarity.Valid() {
		return fmt.Errorf("unsupported similarity code %d", m.Similarity.Code())
	}
	if m.Capacity == 0 {
		return fmt.Errorf("capacity must be > 0")
	}
	if len(m.Name) > math.MaxUint16 {
		return fmt.Errorf("name too long")
	}
	return nil
}

// WriteMetadata atomically replaces dir/meta.bin with m.
func WriteMetadata(dir string, m Meta) error {
	if err := m.validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	// bytes.Buffer writes cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, metaVersion)
	_ = binary.Write(&buf, binary.LittleEndian, m.ID)
	_ = binary.Write(&buf, binary.LittleEndian, m.Dimensions)
	buf.WriteByte(m.Similarity.Code())
	buf.WriteByte(m.OptimizationCode)
	_ = binary.Write(&buf, binary.LittleEndian, m.Capacity)
	_ = binary.Write(&buf, binary.LittleEndian, m.Count)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(m.Name)))
	buf.WriteString(m.Name)

	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write meta temp: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write meta temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync meta temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close meta temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// ReadMetadata decodes dir/meta.bin. A missing file reports os.ErrNotExist.
func ReadMetadata(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return Meta{}, err
	}
	r := bytes.NewReader(data)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Meta{}, fmt.Errorf("read meta magic: %w", err)
	}
	if magic != metaMagic {
		return Meta{}, fmt.Errorf("invalid meta format")
	}

	var (
		version  uint16
		m        Meta
		simCode  byte
		optCode  byte
		nameLen  uint16
		fieldErr error
	)
	read := func(v any) {
		if fieldErr == nil {
			fieldErr = binary.Read(r, binary.LittleEndian, v)
		}
	}
	read(&version)
	if fieldErr == nil && version != metaVersion {
		return Meta{}, fmt.Errorf("unsupported meta version %d", version)
	}
	read(&m.ID)
	read(&m.Dimensions)
	read(&simCode)
	read(&optCode)
	read(&m.Capacity)
	read(&m.Count)
	read(&nameLen)
	if fieldErr != nil {
		return Meta{}, fmt.Errorf("read meta fields: %w", fieldErr)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Meta{}, fmt.Errorf("read meta name: %w", err)
	}
	if r.Len() != 0 {
		return Meta{}, fmt.Errorf("extra bytes at end of meta")
	}

	sim, ok := distance.SimilarityFromCode(simCode)
	if !ok {
		return Meta{}, fmt.Errorf("invalid similarity code %d", simCode)
	}
	m.Similarity = sim
	m.OptimizationCode = optCode
	m.Name = string(name)
	if err := m.validate(); err != nil {
		return Meta{}, fmt.Errorf("invalid meta: %w", err)
	}
	return m, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
