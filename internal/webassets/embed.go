package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

// placeholder/ must exist and have at least one file to satisfy go:embed
//
//go:embed placeholder
var embedded embed.FS

// PlaceholderFS returns the built-in site served when no site directory is
// configured.
func PlaceholderFS() fs.FS {
	sub, err := fs.Sub(embedded, "placeholder")
	if err != nil {
		panic(fmt.Errorf("webassets: placeholder subfs: %w", err))
	}
	return sub
}
