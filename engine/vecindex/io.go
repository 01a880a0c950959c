package vecindex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
)

// Binary format for the vector blob:
//
//	[4B magic "FIDX"] [4B version] [4B dim] [4B count] [count × dim × 4B float32 LE]
//
// The metadata blob is a msgpack-encoded []domain.VectorMeta. Both files
// are written atomically (temp file + rename) and always as a pair.
var indexMagic = [4]byte{'F', 'I', 'D', 'X'}

const indexVersion uint32 = 1

// Save persists both companion artifacts.
func (ix *Index) Save(indexPath, metaPath string) error {
	data, meta := ix.snapshot()

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	le := binary.LittleEndian
	if _, err := bw.Write(indexMagic[:]); err != nil {
		return fmt.Errorf("vecindex: save magic: %w", err)
	}
	for _, v := range []uint32{indexVersion, uint32(ix.dim), uint32(len(meta))} {
		if err := binary.Write(bw, le, v); err != nil {
			return fmt.Errorf("vecindex: save header: %w", err)
		}
	}
	if err := binary.Write(bw, le, data); err != nil {
		return fmt.Errorf("vecindex: save vectors: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("vecindex: save flush: %w", err)
	}

	metaBlob, err := msgpack.Marshal(meta)
	if err != nil {
		return fmt.Errorf("vecindex: encode metadata: %w", err)
	}

	if err := writeFileAtomic(indexPath, buf.Bytes()); err != nil {
		return fmt.Errorf("vecindex: write %s: %w", indexPath, err)
	}
	if err := writeFileAtomic(metaPath, metaBlob); err != nil {
		return fmt.Errorf("vecindex: write %s: %w", metaPath, err)
	}
	return nil
}

// Load restores an index from the companion pair. If neither file exists
// it returns ErrNoArtifacts so first runs can start empty; if exactly one
// exists it returns ErrPartialArtifacts.
//
// A metadata sequence shorter than the vector count is padded with
// tombstoned placeholders; a longer one is truncated. This repairs
// partial-write divergence between the two files without breaking
// positional alignment.
func Load(indexPath, metaPath string, dim int) (*Index, error) {
	_, idxErr := os.Stat(indexPath)
	_, metaErr := os.Stat(metaPath)
	idxMissing := os.IsNotExist(idxErr)
	metaMissing := os.IsNotExist(metaErr)
	switch {
	case idxMissing && metaMissing:
		return nil, ErrNoArtifacts
	case idxMissing != metaMissing:
		missing := indexPath
		if metaMissing {
			missing = metaPath
		}
		return nil, fmt.Errorf("%w: %s", ErrPartialArtifacts, missing)
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("vecindex: read %s: %w", indexPath, err)
	}
	r := bytes.NewReader(raw)
	le := binary.LittleEndian

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != indexMagic {
		return nil, fmt.Errorf("vecindex: %s: bad magic", indexPath)
	}
	var version, fileDim, count uint32
	for _, p := range []*uint32{&version, &fileDim, &count} {
		if err := binary.Read(r, le, p); err != nil {
			return nil, fmt.Errorf("vecindex: %s: short header: %w", indexPath, err)
		}
	}
	if version != indexVersion {
		return nil, fmt.Errorf("vecindex: %s: unsupported version %d", indexPath, version)
	}
	if int(fileDim) != dim {
		return nil, fmt.Errorf("%w: artifact dim %d, configured %d", ErrDimension, fileDim, dim)
	}
	// The count header is untrusted; size the allocation from the file,
	// not the header.
	payload := int64(len(raw)) - 16
	if int64(count)*int64(dim)*4 != payload {
		return nil, fmt.Errorf("vecindex: %s: count %d does not match %d payload bytes", indexPath, count, payload)
	}
	data := make([]float32, int(count)*dim)
	if err := binary.Read(r, le, data); err != nil {
		return nil, fmt.Errorf("vecindex: %s: short vector block: %w", indexPath, err)
	}

	metaBlob, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("vecindex: read %s: %w", metaPath, err)
	}
	var meta []domain.VectorMeta
	if err := msgpack.Unmarshal(metaBlob, &meta); err != nil {
		return nil, fmt.Errorf("vecindex: decode metadata: %w", err)
	}

	// Repair divergence between the pair.
	if len(meta) > int(count) {
		meta = meta[:count]
	}
	for len(meta) < int(count) {
		meta = append(meta, domain.VectorMeta{Deleted: true})
	}

	ix := &Index{dim: dim, data: data, meta: meta}
	for i := range meta {
		if meta[i].Deleted {
			ix.dead++
		}
	}
	return ix, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
