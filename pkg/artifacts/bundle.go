package artifacts

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// bundleEpoch is the fixed mtime stamped on every entry so that identical
// content always produces an identical archive.
var bundleEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Bundle assembles an audit-packet zip. Entries are written under the
// bundle name directory in sorted order with a settld.json header and a
// SHA256SUMS manifest at the bundle root.
type Bundle struct {
	Name    string
	Header  map[string]any
	entries map[string][]byte
}

// NewBundle starts an audit packet.
func NewBundle(name string, header map[string]any) *Bundle {
	return &Bundle{Name: name, Header: header, entries: make(map[string][]byte)}
}

// Add stages one entry under a bundle-relative path.
func (b *Bundle) Add(relPath string, data []byte) {
	b.entries[relPath] = data
}

// Zip emits the deterministic archive: sorted entries, fixed mtime, best
// compression, SHA256SUMS covering every entry including the header.
func (b *Bundle) Zip() ([]byte, error) {
	header, err := json.Marshal(b.Header)
	if err != nil {
		return nil, fmt.Errorf("encode bundle header: %w", err)
	}

	files := map[string][]byte{"settld.json": header}
	for rel, data := range b.entries {
		files[rel] = data
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var sums bytes.Buffer
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		fmt.Fprintf(&sums, "%s  %s\n", hex.EncodeToString(sum[:]), name)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	write := func(name string, data []byte) error {
		fh := &zip.FileHeader{Name: b.Name + "/" + name, Method: zip.Deflate}
		fh.SetMode(0o644)
		fh.Modified = bundleEpoch
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("create bundle entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write bundle entry %s: %w", name, err)
		}
		return nil
	}

	if err := write("SHA256SUMS", sums.Bytes()); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := write(name, files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize bundle: %w", err)
	}
	return buf.Bytes(), nil
}
