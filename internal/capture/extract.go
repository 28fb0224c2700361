package capture

import (
	"fmt"
	"image"
)

// extractor copies captured surfaces into packed BGRA buffers through a
// cached staging surface.
type extractor struct {
	staging Surface
}

// canvasOffset centers content of size (w, h) on a (cw, ch) canvas. Content
// larger than the canvas is pinned to the top-left.
func canvasOffset(cw, ch, w, h int) (int, int) {
	return max(0, (cw-w)/2), max(0, (ch-h)/2)
}

func (e *extractor) stagingFor(dev Device, width, height int) (Surface, error) {
	if e.staging != nil && e.staging.Width() == width && e.staging.Height() == height {
		return e.staging, nil
	}
	e.release()
	s, err := dev.CreateStaging(width, height)
	if err != nil {
		return nil, err
	}
	e.staging = s
	return s, nil
}

func (e *extractor) release() {
	if e.staging != nil {
		e.staging.Release()
		e.staging = nil
	}
}

// extract converts f into a FrameBuffer. In monitor mode the output has the
// frame's content size. In window mode the output has the canvas size
// (cw, ch) with the content centered on an opaque black border.
func (e *extractor) extract(dev Device, f Frame, cw, ch int, windowMode bool) (FrameBuffer, error) {
	sw, sh := f.Width, f.Height
	if windowMode {
		sw, sh = cw, ch
	}
	if sw <= 0 || sh <= 0 {
		return FrameBuffer{}, fmt.Errorf("%w: empty frame %dx%d", ErrSurfaceAccessFailed, sw, sh)
	}

	staging, err := e.stagingFor(dev, sw, sh)
	if err != nil {
		return FrameBuffer{}, fmt.Errorf("%w: create staging: %v", ErrSurfaceAccessFailed, err)
	}

	content := image.Rect(0, 0, sw, sh)
	if windowMode {
		w, h := min(f.Width, cw), min(f.Height, ch)
		ox, oy := canvasOffset(cw, ch, f.Width, f.Height)
		content = image.Rect(ox, oy, ox+w, oy+h)
		if err := dev.CopyRegion(staging, ox, oy, f.Surface, image.Rect(0, 0, w, h)); err != nil {
			e.release()
			return FrameBuffer{}, fmt.Errorf("%w: copy region: %v", ErrSurfaceAccessFailed, err)
		}
	} else if err := dev.CopyResource(staging, f.Surface); err != nil {
		e.release()
		return FrameBuffer{}, fmt.Errorf("%w: copy resource: %v", ErrSurfaceAccessFailed, err)
	}

	mapped, err := dev.Map(staging)
	if err != nil {
		e.release()
		return FrameBuffer{}, fmt.Errorf("%w: map: %v", ErrSurfaceAccessFailed, err)
	}
	defer dev.Unmap(staging)

	row := sw * 4
	if mapped.RowPitch < row || len(mapped.Data) < (sh-1)*mapped.RowPitch+row {
		return FrameBuffer{}, fmt.Errorf("%w: mapped %d bytes pitch %d for %dx%d", ErrSurfaceAccessFailed, len(mapped.Data), mapped.RowPitch, sw, sh)
	}

	out := make([]byte, row*sh)
	if mapped.RowPitch == row {
		copy(out, mapped.Data[:row*sh])
	} else {
		for y := 0; y < sh; y++ {
			copy(out[y*row:(y+1)*row], mapped.Data[y*mapped.RowPitch:y*mapped.RowPitch+row])
		}
	}

	if windowMode {
		clearBorder(out, sw, sh, content)
	}

	return FrameBuffer{Data: out, Width: sw, Height: sh}, nil
}

// clearBorder paints every pixel outside content opaque black.
func clearBorder(buf []byte, width, height int, content image.Rectangle) {
	row := width * 4
	for y := 0; y < height; y++ {
		line := buf[y*row : (y+1)*row]
		if y < content.Min.Y || y >= content.Max.Y {
			fillBlack(line)
			continue
		}
		fillBlack(line[:content.Min.X*4])
		fillBlack(line[content.Max.X*4:])
	}
}

func fillBlack(px []byte) {
	for i := 0; i+3 < len(px); i += 4 {
		px[i], px[i+1], px[i+2], px[i+3] = 0, 0, 0, 0xff
	}
}
