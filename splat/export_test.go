package splat

import (
	"testing"

	"github.com/golang/geo/r3"

	"github.com/MohamedGNabail/mlsgpu/grid"
)

func gridOrigin(t *testing.T, lo, hi [3]int64) grid.Grid {
	t.Helper()
	return grid.New(r3.Vector{}, 1, lo, hi)
}
