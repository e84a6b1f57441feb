package imaging

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Gray is an 8-bit-range luma plane stored as float64, row-major.
type Gray struct {
	Width  int
	Height int
	Pix    []float64
}

// ToGray converts img with the BT.601 weights 0.299 R + 0.587 G + 0.114 B.
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	g := &Gray{Width: b.Dx(), Height: b.Dy(), Pix: make([]float64, b.Dx()*b.Dy())}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			g.Pix[i] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(bl)) / 257.0
			i++
		}
	}
	return g
}

func (g *Gray) at(x, y int) float64 {
	return g.Pix[y*g.Width+x]
}

// Brightness returns the mean gray level.
func (g *Gray) Brightness() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	return stat.Mean(g.Pix, nil)
}

// Contrast returns the population standard deviation of the gray levels.
func (g *Gray) Contrast() float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	_, variance := stat.PopMeanVariance(g.Pix, nil)
	return math.Sqrt(variance)
}

// Sharpness returns the population variance of the 4-neighbour Laplacian
// (0 1 0 / 1 -4 1 / 0 1 0). Borders are mirrored without repeating the edge
// pixel (reflect-101).
func (g *Gray) Sharpness() float64 {
	if len(g.Pix) == 0 {
		return 0
	}

	lap := make([]float64, 0, len(g.Pix))
	for y := 0; y < g.Height; y++ {
		up := reflect101(y-1, g.Height)
		down := reflect101(y+1, g.Height)
		for x := 0; x < g.Width; x++ {
			left := reflect101(x-1, g.Width)
			right := reflect101(x+1, g.Width)
			v := g.at(x, up) + g.at(x, down) + g.at(left, y) + g.at(right, y) - 4*g.at(x, y)
			lap = append(lap, v)
		}
	}

	_, variance := stat.PopMeanVariance(lap, nil)
	return variance
}

// reflect101 maps an out-of-range index back inside [0, n) as
// ... 2 1 | 0 1 2 ... n-2 n-1 | n-2 ...
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
