package convert

import (
	"encoding/binary"
	"fmt"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// maxTIFFFrames caps the IFD walk so a cyclic or absurd offset chain cannot
// spin the converter.
const maxTIFFFrames = 10000

// convertTIFF emits one unit per TIFF frame: every page draws its own Bates
// number and gets its own cross-reference row, the same as paginated
// documents. The frames stay inside the single native file; only the count
// comes from the header.
func convertTIFF(nativePath string) (*Result, error) {
	data, err := readNative(nativePath)
	if err != nil {
		return nil, err
	}
	frames, err := tiffFrameCount(data)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("tiff frames: %w", err)}
	}
	units := make([]Unit, frames)
	for i := range units {
		units[i] = Unit{Index: i, Page: i + 1, Path: nativePath}
	}
	return &Result{Units: units, PageCount: frames}, nil
}

// tiffFrameCount walks the IFD chain in the TIFF header and returns the
// number of image directories, which is the frame count.
func tiffFrameCount(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("truncated header")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, fmt.Errorf("bad byte order mark %q", data[:2])
	}
	if order.Uint16(data[2:4]) != 42 {
		return 0, fmt.Errorf("bad magic number")
	}

	frames := 0
	offset := uint64(order.Uint32(data[4:8]))
	for offset != 0 {
		if frames >= maxTIFFFrames {
			return 0, fmt.Errorf("ifd chain exceeds %d directories", maxTIFFFrames)
		}
		if offset+2 > uint64(len(data)) {
			return 0, fmt.Errorf("ifd offset %d out of range", offset)
		}
		entries := uint64(order.Uint16(data[offset : offset+2]))
		next := offset + 2 + entries*12
		if next+4 > uint64(len(data)) {
			return 0, fmt.Errorf("ifd at %d truncated", offset)
		}
		frames++
		offset = uint64(order.Uint32(data[next : next+4]))
	}
	if frames == 0 {
		return 0, fmt.Errorf("no image directories")
	}
	return frames, nil
}
