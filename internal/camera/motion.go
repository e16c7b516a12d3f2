package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/technosupport/homeguard/internal/model"
)

const (
	motionWidth  = 64
	motionHeight = 48
)

// MotionDetector scores the difference between successive frames. Each
// frame is decoded, reduced to a 64x48 grayscale grid and compared with the
// previous grid. The score is the mean absolute difference scaled to 0-100.
type MotionDetector struct {
	prev []uint8
}

// Score compares data with the previous frame. The first frame, or the
// first after Reset, has nothing to compare with and reports ok false.
func (d *MotionDetector) Score(data []byte) (score float64, ok bool, err error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, false, fmt.Errorf("%w: jpeg: %v", model.ErrProtocolDecode, err)
	}
	cur := grayGrid(img)

	prev := d.prev
	d.prev = cur
	if prev == nil {
		return 0, false, nil
	}

	var sum int
	for i := range cur {
		diff := int(cur[i]) - int(prev[i])
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return float64(sum) / float64(len(cur)) / 255 * 100, true, nil
}

// Reset forgets the previous frame, so a reconnect does not score the jump
// between two sessions.
func (d *MotionDetector) Reset() {
	d.prev = nil
}

// grayGrid averages img over a motionWidth x motionHeight grid of cells.
// Averaging blurs sensor noise out of the comparison.
func grayGrid(img image.Image) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]uint8, motionWidth*motionHeight)
	if w == 0 || h == 0 {
		return out
	}

	// Sample at most 4x4 points per cell; full averaging at 1080p costs
	// more than the decode.
	for gy := 0; gy < motionHeight; gy++ {
		y0, y1 := b.Min.Y+gy*h/motionHeight, b.Min.Y+(gy+1)*h/motionHeight
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for gx := 0; gx < motionWidth; gx++ {
			x0, x1 := b.Min.X+gx*w/motionWidth, b.Min.X+(gx+1)*w/motionWidth
			if x1 <= x0 {
				x1 = x0 + 1
			}
			sx, sy := step(x1-x0), step(y1-y0)
			var sum, n int
			for y := y0; y < y1 && y < b.Max.Y; y += sy {
				for x := x0; x < x1 && x < b.Max.X; x += sx {
					sum += int(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
					n++
				}
			}
			if n > 0 {
				out[gy*motionWidth+gx] = uint8(sum / n)
			}
		}
	}
	return out
}

func step(span int) int {
	if s := span / 4; s > 1 {
		return s
	}
	return 1
}
