package preprocessing

import (
	"fmt"
	"math"
)

// PoolType selects how pixels inside a region cell are combined.
type PoolType string

const (
	PoolAvg PoolType = "avg"
	PoolMax PoolType = "max"
)

const (
	// RegionCells is the side of the cell grid each region is pooled to.
	RegionCells = 4
	// RegionDim is the feature length of one region: 3 channels x 4 x 4 cells.
	RegionDim = 3 * RegionCells * RegionCells
)

// RegionGrid maps the number of image embeddings to a rows x cols layout.
func RegionGrid(numRegions int) (rows, cols int, err error) {
	switch numRegions {
	case 1, 2, 3, 5, 7:
		return numRegions, 1, nil
	case 4:
		return 2, 2, nil
	case 6:
		return 3, 2, nil
	case 8:
		return 4, 2, nil
	case 9:
		return 3, 3, nil
	}
	return 0, 0, fmt.Errorf("unsupported number of image regions: %d", numRegions)
}

// RegionPooler cuts a processed image into a grid of regions and pools each
// into RegionDim features.
type RegionPooler struct {
	rows, cols int
	pool       PoolType
}

func NewRegionPooler(numRegions int, pool PoolType, imageSize int) (*RegionPooler, error) {
	rows, cols, err := RegionGrid(numRegions)
	if err != nil {
		return nil, err
	}
	if pool != PoolAvg && pool != PoolMax {
		return nil, fmt.Errorf("unsupported pool type %q", pool)
	}
	if imageSize < rows || imageSize < cols {
		return nil, fmt.Errorf("image size %d is smaller than the %dx%d region grid", imageSize, rows, cols)
	}
	return &RegionPooler{rows: rows, cols: cols, pool: pool}, nil
}

// NumRegions returns rows*cols.
func (rp *RegionPooler) NumRegions() int {
	return rp.rows * rp.cols
}

// FeatureLen returns the length of the slice Pool produces.
func (rp *RegionPooler) FeatureLen() int {
	return rp.NumRegions() * RegionDim
}

// Pool returns region features in row-major region order; inside a region
// the layout is channel, cell row, cell column.
func (rp *RegionPooler) Pool(img *ProcessedImage) []float64 {
	out := make([]float64, 0, rp.FeatureLen())
	for r := 0; r < rp.rows; r++ {
		y0, y1 := adaptiveBounds(r, rp.rows, img.Height)
		for c := 0; c < rp.cols; c++ {
			x0, x1 := adaptiveBounds(c, rp.cols, img.Width)
			for ch := 0; ch < img.Channels; ch++ {
				for cy := 0; cy < RegionCells; cy++ {
					cy0, cy1 := adaptiveBounds(cy, RegionCells, y1-y0)
					for cx := 0; cx < RegionCells; cx++ {
						cx0, cx1 := adaptiveBounds(cx, RegionCells, x1-x0)
						out = append(out, rp.poolCell(img, ch, x0+cx0, x0+cx1, y0+cy0, y0+cy1))
					}
				}
			}
		}
	}
	return out
}

func (rp *RegionPooler) poolCell(img *ProcessedImage, ch, x0, x1, y0, y1 int) float64 {
	if rp.pool == PoolMax {
		best := math.Inf(-1)
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				best = math.Max(best, img.At(ch, x, y))
			}
		}
		return best
	}
	sum := 0.0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += img.At(ch, x, y)
		}
	}
	return sum / float64((y1-y0)*(x1-x0))
}

// adaptiveBounds splits length into n windows the way adaptive pooling does:
// window i covers [floor(i*L/n), ceil((i+1)*L/n)).
func adaptiveBounds(i, n, length int) (int, int) {
	start := (i * length) / n
	end := ((i+1)*length + n - 1) / n
	return start, end
}
