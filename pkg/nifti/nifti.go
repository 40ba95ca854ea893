// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). It covers what the pipeline needs in-process: header validation
// of stage outputs, spatial geometry comparison and copying, and voxel access
// for mask statistics and QC snapshots. Numerical image processing stays in
// the external tools.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSize is sizeof_hdr of a NIfTI-1 header.
const HeaderSize = 348

// Datatype codes (NIFTI_TYPE_*).
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// Header is the on-disk NIfTI-1 header, field for field.
type Header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte

	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QOffsetX  float32
	QOffsetY  float32
	QOffsetZ  float32
	SRowX     [4]float32
	SRowY     [4]float32
	SRowZ     [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// Image is a header plus raw voxel bytes.
type Image struct {
	Header Header

	// Order is the byte order found on disk; writes keep it.
	Order binary.ByteOrder

	// Extension holds the bytes between the header and vox_offset.
	Extension []byte

	// Data is the raw voxel buffer.
	Data []byte
}

// Dims returns the first three grid dimensions.
func (h *Header) Dims() [3]int {
	return [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
}

// NumVoxels is the product of the used dimensions.
func (h *Header) NumVoxels() int {
	n := 1
	nd := int(h.Dim[0])
	if nd < 1 || nd > 7 {
		return 0
	}
	for i := 1; i <= nd; i++ {
		d := int(h.Dim[i])
		if d < 1 {
			d = 1
		}
		n *= d
	}
	return n
}

// VoxelVolume is the physical volume of one voxel (pixdim[1..3] product).
func (h *Header) VoxelVolume() float64 {
	return math.Abs(float64(h.PixDim[1]) * float64(h.PixDim[2]) * float64(h.PixDim[3]))
}

// BytesPerVoxel returns the storage size of the datatype, or 0 if unsupported.
func BytesPerVoxel(dt int16) int {
	switch dt {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTFloat64:
		return 8
	}
	return 0
}

// Validate checks the fields the pipeline relies on.
func (h *Header) Validate() error {
	if h.SizeOfHdr != HeaderSize {
		return fmt.Errorf("sizeof_hdr is %d, want %d", h.SizeOfHdr, HeaderSize)
	}
	magic := string(bytes.TrimRight(h.Magic[:], "\x00"))
	if magic != "n+1" && magic != "ni1" {
		return fmt.Errorf("unexpected magic %q", magic)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return fmt.Errorf("dim[0] is %d", h.Dim[0])
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d] is %d", i, h.Dim[i])
		}
	}
	return nil
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return struct {
			io.Reader
			io.Closer
		}{zr, closers{zr, f}}, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{br, f}, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != HeaderSize {
		if binary.BigEndian.Uint32(raw[:4]) != HeaderSize {
			return Header{}, nil, fmt.Errorf("not a NIfTI-1 header")
		}
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

// ReadHeader reads and validates only the header of path.
func ReadHeader(path string) (*Header, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h, _, err := readHeader(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &h, nil
}

// Read loads header and voxel data of path.
func Read(path string) (*Image, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h, order, err := readHeader(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	img := &Image{Header: h, Order: order}
	offset := int(h.VoxOffset)
	if offset > HeaderSize {
		img.Extension = make([]byte, offset-HeaderSize)
		if _, err := io.ReadFull(rc, img.Extension); err != nil {
			return nil, fmt.Errorf("%s: reading extension: %w", path, err)
		}
	}

	bpv := BytesPerVoxel(h.Datatype)
	if bpv == 0 {
		return nil, fmt.Errorf("%s: unsupported datatype %d", path, h.Datatype)
	}
	img.Data = make([]byte, h.NumVoxels()*bpv)
	if _, err := io.ReadFull(rc, img.Data); err != nil {
		return nil, fmt.Errorf("%s: reading voxel data: %w", path, err)
	}
	return img, nil
}

// Write stores img at path, gzip-compressed when path ends in .gz. The file is
// written next to its destination and renamed into place.
func Write(path string, img *Image) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nifti-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var w io.Writer = tmp
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(tmp)
		w = zw
	}

	if err := encode(w, img); err != nil {
		tmp.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("closing gzip stream: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func encode(w io.Writer, img *Image) error {
	order := img.Order
	if order == nil {
		order = binary.LittleEndian
	}
	h := img.Header
	h.SizeOfHdr = HeaderSize
	copy(h.Magic[:], "n+1\x00")

	ext := img.Extension
	if len(ext) < 4 {
		// four zero bytes: no extensions follow
		ext = make([]byte, 4)
	}
	h.VoxOffset = float32(HeaderSize + len(ext))

	if err := binary.Write(w, order, &h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(ext); err != nil {
		return fmt.Errorf("writing extension: %w", err)
	}
	if _, err := w.Write(img.Data); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}
	return nil
}

// New creates a zero-filled 3D image with an axis-aligned sform/qform
// (voxel size on the diagonal, origin at the grid corner).
func New(dims [3]int, spacing [3]float64, datatype int16) *Image {
	var h Header
	h.SizeOfHdr = HeaderSize
	h.Dim = [8]int16{3, int16(dims[0]), int16(dims[1]), int16(dims[2]), 1, 1, 1, 1}
	h.Datatype = datatype
	h.BitPix = int16(BytesPerVoxel(datatype) * 8)
	h.PixDim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	h.SclSlope = 1
	h.XYZTUnits = 2 // mm
	h.QFormCode = 1
	h.SFormCode = 1
	h.SRowX = [4]float32{float32(spacing[0]), 0, 0, 0}
	h.SRowY = [4]float32{0, float32(spacing[1]), 0, 0}
	h.SRowZ = [4]float32{0, 0, float32(spacing[2]), 0}
	copy(h.Magic[:], "n+1\x00")

	return &Image{
		Header: h,
		Order:  binary.LittleEndian,
		Data:   make([]byte, dims[0]*dims[1]*dims[2]*BytesPerVoxel(datatype)),
	}
}
