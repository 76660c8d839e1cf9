package assets

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
)

type Server struct {
	opts Options
	root string
}

func New(opts Options) (*Server, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	root, err := opts.absRoot()
	if err != nil {
		return nil, err
	}
	return &Server{opts: opts, root: root}, nil
}

// Root is the absolute build directory being served.
func (s *Server) Root() string { return s.root }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		plain(w, http.StatusMethodNotAllowed)
		return
	}

	f, err := s.Resolve(r.URL.Path)
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden):
		if s.opts.OnForbidden != nil {
			s.opts.OnForbidden()
		}
		log.FromContext(r.Context()).Warn(r.Context(), "static path escapes root")
		plain(w, http.StatusForbidden)
		return
	case errors.Is(err, ErrNotFound):
		plain(w, http.StatusNotFound)
		return
	default:
		log.FromContext(r.Context()).Error(r.Context(), err, "static asset read failed")
		plain(w, http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", f.ContentType)
	h.Set("Cache-Control", f.CacheControl)
	// ServeContent handles HEAD, Range and If-Modified-Since
	http.ServeContent(w, r, f.Name, f.ModTime, bytes.NewReader(f.Content))
}

func plain(w http.ResponseWriter, code int) {
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(code), code)
}
