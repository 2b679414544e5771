//go:build tiledb

package simsdb

import (
	"fmt"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader reads ion-count map planes from TileDB dense arrays.
type Reader struct {
	storeURI string
	ctx      *tiledb.Context
}

func NewReader(storePath string) (*Reader, error) {
	uri, err := ResolveStoreURI(storePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb store not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{storeURI: uri, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) StoreURI() string { return r.storeURI }

// MapPlane reads one variable's full count matrix, rows top to bottom. The
// raster dimensions come from the analysis metadata; the array's (y, x)
// domain must cover [0, height) x [0, width).
func (r *Reader) MapPlane(variable string, width, height int) ([][]float64, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", width, height)
	}

	uri := arrayURI(r.storeURI, variable)
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	if err := sub.AddRangeByName("y", tiledb.MakeRange[int32](0, int32(height-1))); err != nil {
		return nil, fmt.Errorf("failed to add y range: %w", err)
	}
	if err := sub.AddRangeByName("x", tiledb.MakeRange[int32](0, int32(width-1))); err != nil {
		return nil, fmt.Errorf("failed to add x range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	buf := make([]float64, width*height)
	if _, err := q.SetDataBuffer("counts", buf); err != nil {
		return nil, fmt.Errorf("failed to set counts buffer: %w", err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get query status: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("query did not complete: status=%v", status)
	}

	out := make([][]float64, height)
	for y := 0; y < height; y++ {
		out[y] = buf[y*width : (y+1)*width]
	}
	return out, nil
}
