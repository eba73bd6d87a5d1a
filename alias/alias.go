// Package alias decides whether a resolved filesystem resource may be served
// for the path that nominally named it.
//
// A resource layer resolves a request path to a canonical filesystem
// location, then asks a checker chain to approve the pairing. The chain
// approves if any one checker approves; an empty chain approves nothing.
// Callers should surface denial as not-found rather than forbidden, so that
// probing cannot distinguish a denied resource from an absent one.
package alias

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Checker approves or denies serving resolved for the request path that
// named it. reqPath is the cleaned, slash-separated path below the resource
// root; resolved is the canonical filesystem location it mapped to.
type Checker interface {
	Allow(reqPath, resolved string) bool
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(reqPath, resolved string) bool

func (f CheckerFunc) Allow(reqPath, resolved string) bool {
	return f(reqPath, resolved)
}

// Chain approves a pairing if any member approves it. Order does not change
// the outcome, only the cost; put cheap checkers first. An empty chain
// denies everything.
type Chain []Checker

func (c Chain) Allow(reqPath, resolved string) bool {
	for _, ck := range c {
		if ck.Allow(reqPath, resolved) {
			return true
		}
	}
	return false
}

// SymlinkChecker approves paths whose symbolic links, anywhere in the path,
// all resolve to locations under a fixed root. Non-link segments are walked
// but carry no alias risk themselves.
type SymlinkChecker struct {
	root string
}

// NewSymlinkChecker canonicalizes root and returns a checker bound to it.
// The root must exist.
func NewSymlinkChecker(root string) (*SymlinkChecker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve root %q", root)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Wrapf(err, "canonicalize root %q", root)
	}
	return &SymlinkChecker{root: canonical}, nil
}

// Root returns the canonical root the checker is bound to.
func (s *SymlinkChecker) Root() string {
	return s.root
}

// Allow walks reqPath segment by segment under the root. A symlink at any
// depth must resolve, chains included, to a location still under the root;
// a segment that cannot be inspected denies. The final resolved location is
// checked first since an escape there settles the answer cheaply.
func (s *SymlinkChecker) Allow(reqPath, resolved string) bool {
	if !within(s.root, resolved) {
		return false
	}

	clean := path.Clean("/" + reqPath)
	if clean == "/" {
		return true
	}

	cur := s.root
	for _, seg := range strings.Split(clean[1:], "/") {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		// relative targets resolve against the link's directory; chains of
		// links collapse to their final destination
		target, err := filepath.EvalSymlinks(cur)
		if err != nil {
			return false
		}
		if !within(s.root, target) {
			return false
		}
	}
	return true
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
