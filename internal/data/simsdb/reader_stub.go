//go:build !tiledb

package simsdb

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	storeURI string
}

// NewReader creates a store reader (stub). It still resolves and validates
// the store path so config issues are caught early, but all read methods
// return ErrUnsupported.
func NewReader(storePath string) (*Reader, error) {
	uri, err := ResolveStoreURI(storePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb store not found at %s: %w", uri, statErr)
	}
	return &Reader{storeURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) StoreURI() string { return r.storeURI }

// MapPlane reads one variable's full count matrix, rows top to bottom.
func (r *Reader) MapPlane(variable string, width, height int) ([][]float64, error) {
	return nil, ErrUnsupported
}
