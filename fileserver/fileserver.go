// Package fileserver serves static files from a directory root as a leaf in
// a handler tree.
//
// The handler claims GET and HEAD requests it can actually serve and
// declines everything else, so absence, path-hygiene rejection, and alias
// denial are indistinguishable to the client: whatever not-found behavior
// the surrounding tree has applies uniformly. Paths whose canonical
// filesystem location differs from their nominal one (symlinks anywhere in
// the path) are only served if the configured alias chain approves them.
package fileserver

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/alias"
	"github.com/keithlinneman/guardhttp/internal/pathutil"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Handler serves files from a canonicalized root directory.
type Handler struct {
	guardhttp.Base

	root    string
	index   string
	aliases alias.Chain

	htmlCacheControl  string
	assetCacheControl string
	otherCacheControl string
}

// Option configures a Handler.
type Option func(*Handler)

// WithIndexFile sets the file served for directory requests. Default
// index.html.
func WithIndexFile(name string) Option {
	return func(h *Handler) { h.index = name }
}

// WithAliases sets the checkers consulted when a path's canonical location
// differs from its nominal one. The default empty chain approves no alias,
// so symlinked content is not served unless a checker is configured.
func WithAliases(c alias.Chain) Option {
	return func(h *Handler) { h.aliases = c }
}

// WithCacheControl overrides the Cache-Control values applied by file class.
// Empty strings suppress the header for that class.
func WithCacheControl(html, asset, other string) Option {
	return func(h *Handler) {
		h.htmlCacheControl = html
		h.assetCacheControl = asset
		h.otherCacheControl = other
	}
}

// New returns a Handler rooted at dir. The root is canonicalized once here;
// it must exist and be a directory.
func New(dir string, opts ...Option) (*Handler, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve root %q", dir)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "canonicalize root %q", dir)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return nil, xerrors.Wrapf(err, "stat root %q", dir)
	}
	if !fi.IsDir() {
		return nil, xerrors.Newf("root %q is not a directory", dir)
	}

	h := &Handler{
		root:              canonical,
		index:             "index.html",
		htmlCacheControl:  "no-cache",
		assetCacheControl: "public, max-age=31536000, immutable",
		otherCacheControl: "public, max-age=3600",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Root returns the canonical root directory.
func (h *Handler) Root() string {
	return h.root
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false, nil
	}

	clean, ok := pathutil.Sanitize(r.URL.Path)
	if !ok {
		return false, nil
	}
	trailing := strings.HasSuffix(clean, "/")

	fsPath := h.root
	if rel := strings.Trim(clean, "/"); rel != "" {
		fsPath = filepath.Join(h.root, filepath.FromSlash(rel))
	}
	reqPath := clean

	resolved, fi, ok := h.locate(fsPath)
	if !ok {
		return false, nil
	}
	if !h.approved(reqPath, fsPath, resolved) {
		// a denied alias looks exactly like an absent file
		return false, nil
	}

	if fi.IsDir() {
		if !trailing && clean != "/" {
			// canonical slash URL keeps relative links inside the page
			// working; 308 preserves the method
			http.Redirect(w, r, clean+"/", http.StatusPermanentRedirect)
			return true, nil
		}
		fsPath = filepath.Join(fsPath, h.index)
		reqPath = path.Join(clean, h.index)
		if resolved, fi, ok = h.locate(fsPath); !ok || fi.IsDir() {
			return false, nil
		}
		if !h.approved(reqPath, fsPath, resolved) {
			return false, nil
		}
	}

	f, err := os.Open(resolved)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	if cc := h.cacheControl(reqPath); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	return true, nil
}

// locate canonicalizes a nominal filesystem path and stats the result.
func (h *Handler) locate(fsPath string) (string, os.FileInfo, bool) {
	resolved, err := filepath.EvalSymlinks(fsPath)
	if err != nil {
		return "", nil, false
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return "", nil, false
	}
	return resolved, fi, true
}

func (h *Handler) approved(reqPath, nominal, resolved string) bool {
	if resolved == nominal {
		return true
	}
	return h.aliases.Allow(reqPath, resolved)
}

func (h *Handler) cacheControl(name string) string {
	return cacheControlFor(name, h.htmlCacheControl, h.assetCacheControl, h.otherCacheControl)
}

func cacheControlFor(name, html, asset, other string) string {
	ext := strings.ToLower(path.Ext(name))

	switch ext {
	case ".html":
		return html

	case ".css", ".js", ".mjs",
		".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".eot",
		".map":
		return asset

	default:
		// treat no extension like html to be safe
		if ext == "" {
			return html
		}
		return other
	}
}
