package assets

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-translate/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

var (
	// ErrForbidden means the path resolved outside the root.
	ErrForbidden = errors.New("assets: path escapes root")
	// ErrNotFound means nothing servable exists at the path.
	ErrNotFound = errors.New("assets: not found")
)

// File is one resolved static file. It lives for a single response.
type File struct {
	// Name is the cleaned path relative to the root, slash-separated.
	Name         string
	Path         string
	Content      []byte
	ContentType  string
	CacheControl string
	ModTime      time.Time
}

// Patterns are the chi route patterns the server answers: the prefix
// wildcard and each allow-listed root file.
func (s *Server) Patterns() []string {
	out := make([]string, 0, len(s.opts.RootFiles)+1)
	out = append(out, s.opts.Prefix+"*")
	return append(out, s.opts.RootFiles...)
}

// Resolve maps urlPath to a file under the root. It returns ErrForbidden for
// anything that escapes the root, lexically or through a symlink, and
// ErrNotFound for missing files and directories. Other I/O errors are
// returned wrapped.
func (s *Server) Resolve(urlPath string) (*File, error) {
	full, ok := pathutil.Join(s.root, urlPath)
	if !ok {
		return nil, ErrForbidden
	}

	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "assets: resolve root %q", s.root)
	}
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "assets: resolve %q", urlPath)
	}
	if !pathutil.Within(realRoot, real) {
		return nil, ErrForbidden
	}

	info, err := os.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "assets: stat %q", urlPath)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	content, err := os.ReadFile(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "assets: read %q", urlPath)
	}

	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return nil, xerrors.Wrapf(err, "assets: relative path for %q", urlPath)
	}
	name := filepath.ToSlash(rel)

	return &File{
		Name:         name,
		Path:         real,
		Content:      content,
		ContentType:  ContentType(name),
		CacheControl: s.cacheControl(name),
		ModTime:      info.ModTime(),
	}, nil
}

// cacheControl keys off the cleaned relative name, so "/assets/../favicon.svg"
// is treated as the favicon and not as a hashed asset.
func (s *Server) cacheControl(name string) string {
	if strings.HasPrefix("/"+name, s.opts.Prefix) {
		return s.opts.ImmutableCacheControl
	}
	return s.opts.ShortCacheControl
}
