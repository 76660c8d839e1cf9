package assets

import (
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-translate/internal/log"
	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

type Options struct {
	Logger log.Logger

	// Root is the client build directory.
	Root string

	// Prefix is the URL prefix of content-addressed files. default: "/assets/"
	Prefix string
	// RootFiles are unhashed files served from the root. default: ["/favicon.svg"]
	RootFiles []string

	ImmutableCacheControl string // default: "public, max-age=31536000, immutable"
	ShortCacheControl     string // default: "public, max-age=3600"

	// OnForbidden is called for every containment rejection (metrics).
	OnForbidden func()
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Prefix == "" {
		o.Prefix = "/assets/"
	}
	if !strings.HasSuffix(o.Prefix, "/") {
		o.Prefix += "/"
	}
	if o.RootFiles == nil {
		o.RootFiles = []string{"/favicon.svg"}
	}
	if o.ImmutableCacheControl == "" {
		o.ImmutableCacheControl = "public, max-age=31536000, immutable"
	}
	if o.ShortCacheControl == "" {
		o.ShortCacheControl = "public, max-age=3600"
	}
}

func (o *Options) validate() error {
	if o.Root == "" {
		return xerrors.New("assets: Root is empty")
	}
	for _, f := range o.RootFiles {
		if !strings.HasPrefix(f, "/") || strings.Count(f, "/") != 1 {
			return xerrors.Newf("assets: root file %q must be a single top-level path", f)
		}
	}
	return nil
}

// absRoot makes Root absolute and clean so containment checks compare like with like.
func (o *Options) absRoot() (string, error) {
	abs, err := filepath.Abs(o.Root)
	if err != nil {
		return "", xerrors.Wrapf(err, "assets: resolve root %q", o.Root)
	}
	return abs, nil
}
