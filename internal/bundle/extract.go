package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-translate/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	// compressed bundle as stored in S3
	maxBundleSize int64 = 50 * 1024 * 1024

	maxSignatureSize int64 = 4 * 1024

	maxSingleFile int64 = 10 * 1024 * 1024

	maxTotalExtract int64 = 100 * 1024 * 1024
)

// readWithHash reads up to maxSize bytes, hashing as it goes.
func readWithHash(r io.Reader, maxSize int64) ([]byte, string, error) {
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(r, maxSize+1), h))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > maxSize {
		return nil, "", xerrors.Newf("content exceeds max size (limit %d bytes)", maxSize)
	}
	return data, hex.EncodeToString(h.Sum(nil)), nil
}

// archivePath validates a tar entry name and returns its place under dst.
func archivePath(dst, name string) (string, error) {
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	if pathutil.HasDotSegments(strings.TrimPrefix(name, "./")) {
		return "", xerrors.Newf("path traversal in archive: %s", name)
	}
	target, ok := pathutil.Join(dst, path.Clean(name))
	if !ok {
		return "", xerrors.Newf("path escapes destination: %s", name)
	}
	return target, nil
}

// extractTarGz unpacks regular files and directories into dst, which must
// already exist. Any other entry type fails the whole extraction. Returns the
// number of files written.
func extractTarGz(data []byte, dst string) (int, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, xerrors.Wrap(err, "open gzip")
	}
	defer gr.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(gr)

	var total int64
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, xerrors.Wrap(err, "read tar header")
		}
		if path.Clean(hdr.Name) == "." {
			continue
		}
		target, err := archivePath(root, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, xerrors.Wrapf(err, "mkdir %s", hdr.Name)
			}
		case tar.TypeReg:
			if hdr.Size > maxSingleFile {
				return files, xerrors.Newf("file %s exceeds max size (%d > %d)", hdr.Name, hdr.Size, maxSingleFile)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, xerrors.Wrapf(err, "mkdir for %s", hdr.Name)
			}
			n, err := writeFile(target, tr)
			if err != nil {
				return files, err
			}
			total += n
			if total > maxTotalExtract {
				return files, xerrors.Newf("total extracted size exceeds limit (max %d)", maxTotalExtract)
			}
			files++
		default:
			return files, xerrors.Newf("unsupported entry type in archive: %s (type=%d)", hdr.Name, hdr.Typeflag)
		}
	}
	return files, nil
}

// writeFile copies one entry to disk with the per-file limit. Modes from the
// archive are ignored; served files only need to be readable.
func writeFile(target string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", target)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxSingleFile+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", target)
	}
	if n > maxSingleFile {
		return n, xerrors.Newf("file too large: %s", target)
	}
	return n, nil
}
