package render

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const shellFile = "index.html"

// Shell serves the SPA entry document for every path it receives.
type Shell struct {
	path string
}

// NewShell serves root/index.html.
func NewShell(root string) *Shell {
	return &Shell{path: filepath.Join(root, shellFile)}
}

// Check fails until the shell document exists, for readiness.
func (s *Shell) Check(context.Context) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return xerrors.Wrap(err, "client build missing")
	}
	if !info.Mode().IsRegular() {
		return xerrors.Newf("client build missing: %s is not a file", s.path)
	}
	return nil
}

func (s *Shell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// the shell names the current hashed assets, so revalidate every time
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, shellFile, info.ModTime(), f)
}

func (s *Shell) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		err = xerrors.Wrap(err, "client build missing")
	} else {
		err = xerrors.Wrap(err, "read shell")
	}
	log.FromContext(r.Context()).Error(r.Context(), err, "render shell failed")
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
