package assembler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// DefaultDPI is assumed when an image declares no density.
const DefaultDPI = 72.0

// pointsPerInch is the PDF user space unit.
const pointsPerInch = 72.0

// Geometry is a page size in PDF points.
type Geometry struct {
	Width  float64
	Height float64
}

// A4 is used when the first page cannot be measured.
var A4 = Geometry{Width: 595, Height: 842}

// String formats the geometry for logs.
func (g Geometry) String() string {
	return fmt.Sprintf("%.2fx%.2fpt", g.Width, g.Height)
}

// ReadGeometry measures the image at path: pixel size over declared density,
// converted to points.
func ReadGeometry(path string) (Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Geometry{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Geometry{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Geometry{}, fmt.Errorf("image has no extent")
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Geometry{}, err
	}
	xDPI, yDPI := jfifDensity(bufio.NewReader(f))

	return Geometry{
		Width:  float64(cfg.Width) * pointsPerInch / xDPI,
		Height: float64(cfg.Height) * pointsPerInch / yDPI,
	}, nil
}

// jfifDensity returns the horizontal and vertical density declared in the JFIF
// APP0 segment of a JPEG stream, in dots per inch. DefaultDPI is returned for
// both when the stream is not JPEG, has no JFIF segment, or declares only an
// aspect ratio.
func jfifDensity(r io.Reader) (float64, float64) {
	var soi [2]byte
	if _, err := io.ReadFull(r, soi[:]); err != nil || soi[0] != 0xFF || soi[1] != 0xD8 {
		return DefaultDPI, DefaultDPI
	}

	for {
		var marker [2]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil || marker[0] != 0xFF {
			return DefaultDPI, DefaultDPI
		}
		// Start of scan or end of image: no more headers.
		if marker[1] == 0xDA || marker[1] == 0xD9 {
			return DefaultDPI, DefaultDPI
		}

		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil || length < 2 {
			return DefaultDPI, DefaultDPI
		}
		payload := make([]byte, length-2)
		if _, err := io.ReadFull(r, payload); err != nil {
			return DefaultDPI, DefaultDPI
		}

		if marker[1] != 0xE0 || len(payload) < 12 || string(payload[:5]) != "JFIF\x00" {
			continue
		}

		units := payload[7]
		x := float64(binary.BigEndian.Uint16(payload[8:10]))
		y := float64(binary.BigEndian.Uint16(payload[10:12]))
		if x == 0 || y == 0 {
			return DefaultDPI, DefaultDPI
		}

		switch units {
		case 1:
			return x, y
		case 2:
			return x * 2.54, y * 2.54
		default:
			return DefaultDPI, DefaultDPI
		}
	}
}
