// Package simsdb provides optional, read-only access to ion-count map
// planes stored as TileDB dense arrays, for installations that archive
// NanoSIMS acquisitions in array storage instead of LANS text exports.
//
// The support is intentionally small: one 2D dense array per variable at
// <store>/<variable>.tdb with a float64 "counts" attribute over (y, x).
// Binaries built without "-tags tiledb" get a stub whose reads return
// ErrUnsupported.
package simsdb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")

// ResolveStoreURI validates and normalizes a store path.
func ResolveStoreURI(storePath string) (string, error) {
	p := strings.TrimSpace(storePath)
	if p == "" {
		return "", errors.New("empty tiledb store path")
	}
	p = os.ExpandEnv(p)
	return filepath.Clean(p), nil
}

// arrayURI returns the dense-array location for one variable's map plane.
func arrayURI(storeURI, variable string) string {
	return filepath.Join(storeURI, variable+".tdb")
}
