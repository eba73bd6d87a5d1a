package fileserver

import (
	"bytes"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/internal/pathutil"
)

// FS serves files from an fs.FS as a leaf in a handler tree. Claim semantics
// match Handler, but there is no alias checking: an fs.FS cannot reach
// outside itself.
//
// Files are read fully into memory per request, so this is meant for small
// embedded sites rather than large content roots.
type FS struct {
	guardhttp.Base

	fsys  fs.FS
	index string
}

// NewFS returns a handler serving fsys with index.html as the directory
// index.
func NewFS(fsys fs.FS) *FS {
	return &FS{fsys: fsys, index: "index.html"}
}

func (h *FS) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false, nil
	}

	clean, ok := pathutil.Sanitize(r.URL.Path)
	if !ok {
		return false, nil
	}

	name := strings.Trim(clean, "/")
	if name == "" {
		name = "."
	}

	fi, err := fs.Stat(h.fsys, name)
	if err != nil {
		return false, nil
	}
	if fi.IsDir() {
		if !strings.HasSuffix(clean, "/") {
			http.Redirect(w, r, clean+"/", http.StatusPermanentRedirect)
			return true, nil
		}
		name = path.Join(name, h.index)
		if fi, err = fs.Stat(h.fsys, name); err != nil || fi.IsDir() {
			return false, nil
		}
	}

	data, err := fs.ReadFile(h.fsys, name)
	if err != nil {
		return false, nil
	}

	// Embedded content changes with the binary, so nothing is immutable.
	if cc := cacheControlFor(name, "no-cache", "public, max-age=3600", "public, max-age=3600"); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), bytes.NewReader(data))
	return true, nil
}
