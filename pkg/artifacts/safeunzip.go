package artifacts

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/nooterra-labs/settld/pkg/codes"
)

// UnzipLimits bounds what a bundle read will accept.
type UnzipLimits struct {
	MaxEntries      int
	MaxTotalBytes   int64
	MaxEntryBytes   int64
	MaxCompressRatio float64
}

// DefaultUnzipLimits suit audit packets: small JSON documents, never media.
func DefaultUnzipLimits() UnzipLimits {
	return UnzipLimits{
		MaxEntries:       512,
		MaxTotalBytes:    64 << 20,
		MaxEntryBytes:    16 << 20,
		MaxCompressRatio: 100,
	}
}

func unsafeEntry(name, reason string) error {
	return codes.Newf(codes.BundleUnsafeEntry, http.StatusBadRequest, "unsafe bundle entry %q: %s", name, reason)
}

// SafeRead opens a zip from memory and returns its entries, rejecting every
// member of the usual adversarial set: path traversal, absolute paths,
// backslashes, drive letters, symlinks, duplicates, and entries or archives
// over budget.
func SafeRead(data []byte, limits UnzipLimits) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, codes.Newf(codes.BundleUnsafeEntry, http.StatusBadRequest, "not a readable zip: %v", err)
	}
	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return nil, codes.Newf(codes.BundleUnsafeEntry, http.StatusBadRequest,
			"bundle has %d entries, limit is %d", len(zr.File), limits.MaxEntries)
	}

	out := make(map[string][]byte, len(zr.File))
	var total int64
	for _, f := range zr.File {
		name := f.Name
		if err := checkEntryName(name); err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, unsafeEntry(name, "symlink")
		}
		if strings.HasSuffix(name, "/") {
			continue // directory marker
		}
		if _, dup := out[path.Clean(name)]; dup {
			return nil, unsafeEntry(name, "duplicate entry")
		}
		if limits.MaxEntryBytes > 0 && int64(f.UncompressedSize64) > limits.MaxEntryBytes {
			return nil, unsafeEntry(name, "entry exceeds size budget")
		}
		if limits.MaxCompressRatio > 0 && f.CompressedSize64 > 0 {
			ratio := float64(f.UncompressedSize64) / float64(f.CompressedSize64)
			if ratio > limits.MaxCompressRatio {
				return nil, unsafeEntry(name, fmt.Sprintf("compression ratio %.0f over threshold", ratio))
			}
		}

		rc, err := f.Open()
		if err != nil {
			return nil, unsafeEntry(name, "unreadable")
		}
		// Read one byte past the declared size to catch lying headers.
		budget := int64(f.UncompressedSize64) + 1
		content, err := io.ReadAll(io.LimitReader(rc, budget))
		rc.Close()
		if err != nil {
			return nil, unsafeEntry(name, "read failed")
		}
		if int64(len(content)) > int64(f.UncompressedSize64) {
			return nil, unsafeEntry(name, "content larger than declared size")
		}
		total += int64(len(content))
		if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
			return nil, codes.New(codes.BundleUnsafeEntry, http.StatusBadRequest, "bundle exceeds total byte budget")
		}
		out[path.Clean(name)] = content
	}
	return out, nil
}

func checkEntryName(name string) error {
	if name == "" {
		return unsafeEntry(name, "empty name")
	}
	if strings.ContainsRune(name, '\\') {
		return unsafeEntry(name, "backslash in path")
	}
	if strings.HasPrefix(name, "/") {
		return unsafeEntry(name, "absolute path")
	}
	if len(name) >= 2 && name[1] == ':' {
		return unsafeEntry(name, "drive letter")
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return unsafeEntry(name, "path escapes bundle root")
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return unsafeEntry(name, "path traversal segment")
		}
	}
	return nil
}
