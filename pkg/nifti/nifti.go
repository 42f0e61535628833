// Package nifti implements a pure Go reader and writer for the NIfTI-1
// volume format, including gzip-compressed .nii.gz files. Only the header
// fields needed for voxel data, scaling and the voxel-to-world affine are
// interpreted; extensions are skipped.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"brainatlas/internal/models"
)

// Common errors
var (
	ErrNotNIfTI            = errors.New("not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// headerSize is the fixed size of a NIfTI-1 header.
const headerSize = 348

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtUint16  = 512
)

// header mirrors the on-disk NIfTI-1 header layout byte for byte.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Read loads a .nii or .nii.gz volume together with its affine. 4D files
// yield a volume with Nt set to the number of frames.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	// gzip detection by magic bytes, not just suffix
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %s is too short", ErrNotNIfTI, path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %s has no complete header", ErrNotNIfTI, path)
	}

	// sizeof_hdr doubles as the byte order probe
	order := binary.ByteOrder(binary.LittleEndian)
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("%w: %s has sizeof_hdr != 348", ErrNotNIfTI, path)
		}
		order = binary.BigEndian
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, err
	}
	if m := string(hdr.Magic[:3]); m != "n+1" && m != "ni1" {
		return nil, fmt.Errorf("%w: %s has magic %q", ErrNotNIfTI, path, m)
	}

	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	nt := 1
	if hdr.Dim[0] > 3 && hdr.Dim[4] > 1 {
		nt = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%w: %s has dims %dx%dx%d", ErrNotNIfTI, path, nx, ny, nz)
	}

	// skip the gap between header end and vox_offset (extensions)
	if skip := int64(hdr.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	n := nx * ny * nz * nt
	data, err := readVoxels(r, order, hdr.Datatype, n)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// intensity scaling; slope zero means unscaled
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &models.Volume{
		Data:   data,
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Affine: affineFromHeader(&hdr),
	}
	if nt > 1 {
		vol.Nt = nt
	}
	return vol, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	var bytesPer int
	switch datatype {
	case dtUint8:
		bytesPer = 1
	case dtInt16, dtUint16:
		bytesPer = 2
	case dtInt32, dtFloat32:
		bytesPer = 4
	case dtFloat64:
		bytesPer = 8
	default:
		return nil, fmt.Errorf("%w: code %d", ErrUnsupportedDatatype, datatype)
	}

	buf := make([]byte, n*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("voxel data truncated: %v", err)
	}

	data := make([]float64, n)
	for i := 0; i < n; i++ {
		b := buf[i*bytesPer:]
		switch datatype {
		case dtUint8:
			data[i] = float64(b[0])
		case dtInt16:
			data[i] = float64(int16(order.Uint16(b)))
		case dtUint16:
			data[i] = float64(order.Uint16(b))
		case dtInt32:
			data[i] = float64(int32(order.Uint32(b)))
		case dtFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			data[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return data, nil
}

// affineFromHeader picks the voxel-to-world transform: sform when present,
// qform as fallback, and a plain pixdim scaling when neither is set.
func affineFromHeader(hdr *header) models.Affine {
	if hdr.SformCode > 0 {
		a := models.Eye()
		for c := 0; c < 4; c++ {
			a.Set(0, c, float64(hdr.SrowX[c]))
			a.Set(1, c, float64(hdr.SrowY[c]))
			a.Set(2, c, float64(hdr.SrowZ[c]))
		}
		return a
	}
	if hdr.QformCode > 0 {
		return qformAffine(hdr)
	}
	return models.Scaled(float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3]))
}

// qformAffine reconstructs the rotation from the stored quaternion.
func qformAffine(hdr *header) models.Affine {
	b := float64(hdr.QuaternB)
	c := float64(hdr.QuaternC)
	d := float64(hdr.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(hdr.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	sx, sy, sz := float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])

	var m models.Affine
	m.Set(0, 0, (a*a+b*b-c*c-d*d)*sx)
	m.Set(0, 1, (2*b*c-2*a*d)*sy)
	m.Set(0, 2, (2*b*d+2*a*c)*sz*qfac)
	m.Set(1, 0, (2*b*c+2*a*d)*sx)
	m.Set(1, 1, (a*a+c*c-b*b-d*d)*sy)
	m.Set(1, 2, (2*c*d-2*a*b)*sz*qfac)
	m.Set(2, 0, (2*b*d-2*a*c)*sx)
	m.Set(2, 1, (2*c*d+2*a*b)*sy)
	m.Set(2, 2, (a*a+d*d-c*c-b*b)*sz*qfac)
	m.Set(0, 3, float64(hdr.QoffsetX))
	m.Set(1, 3, float64(hdr.QoffsetY))
	m.Set(2, 3, float64(hdr.QoffsetZ))
	m.Set(3, 3, 1)
	return m
}

// Write saves a volume as NIfTI-1 with float32 voxels. A .gz suffix selects
// gzip compression. The volume's affine is stored as the sform.
func Write(vol *models.Volume, path string) error {
	hdr := header{
		SizeofHdr: headerSize,
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		SformCode: 1,
		QformCode: 0,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(vol.Nx)
	hdr.Dim[2] = int16(vol.Ny)
	hdr.Dim[3] = int16(vol.Nz)
	hdr.Dim[4] = 1
	if vol.Nt > 1 {
		hdr.Dim[0] = 4
		hdr.Dim[4] = int16(vol.Nt)
	}
	for i := 5; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1
	for i := 1; i < 4; i++ {
		// voxel size from the affine column norms
		col := i - 1
		n := math.Sqrt(vol.Affine.At(0, col)*vol.Affine.At(0, col) +
			vol.Affine.At(1, col)*vol.Affine.At(1, col) +
			vol.Affine.At(2, col)*vol.Affine.At(2, col))
		hdr.Pixdim[i] = float32(n)
	}
	for c := 0; c < 4; c++ {
		hdr.SrowX[c] = float32(vol.Affine.At(0, c))
		hdr.SrowY[c] = float32(vol.Affine.At(1, c))
		hdr.SrowZ[c] = float32(vol.Affine.At(2, c))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// pad header to vox_offset
	if _, err := w.Write(make([]byte, 4)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	buf := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
