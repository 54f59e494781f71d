// Package quant implements the quantized weight layouts MatMulConst
// layers consume (attention's Q/K/V/output projections): a
// rows x columns/8 texture of 32-bit texels packing 8 4-bit nibbles each,
// a companion FLOAT16 scale texture, and a companion UINT8 zero-point
// texture. FP16 encode/decode is delegated to x448/float16.
package quant

import (
	"errors"
	"fmt"

	"github.com/x448/float16"
)

// PackedRow holds one quantized weight matrix's three companion buffers,
// ready for upload as three textures.
type PackedRow struct {
	Rows, Cols int
	QGroup     int // quantization group size along columns

	// Weights is rows * ceil(cols/8) uint32 texels, 8 nibbles packed per
	// texel low-to-high (nibble i occupies bits [4i, 4i+4)).
	Weights []uint32
	// Scales is rows * ceil(cols/QGroup) float16 bit patterns.
	Scales []uint16
	// Zeros is rows * ceil(cols/QGroup) zero-point bytes.
	Zeros []uint8
}

// WeightTextureWidth and WeightTextureHeight report the packed weight
// texture's texel extent.
func (p PackedRow) WeightTextureWidth() int  { return (p.Cols + 7) / 8 }
func (p PackedRow) WeightTextureHeight() int { return p.Rows }

// ScaleTextureWidth reports the companion scale/zero texture's texel width.
func (p PackedRow) ScaleTextureWidth() int { return (p.Cols + p.QGroup - 1) / p.QGroup }

// PackNibbles packs raw 4-bit unsigned weight values (one byte per value,
// low nibble significant, values in [0,15]) into rows x columns/8 32-bit
// texels: one uint32 per texel, 8 nibbles per texel.
func PackNibbles(rows, cols int, values []uint8) ([]uint32, error) {
	if len(values) != rows*cols {
		return nil, fmt.Errorf("quant: expected %d values, got %d", rows*cols, len(values))
	}
	texW := (cols + 7) / 8
	out := make([]uint32, rows*texW)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := values[r*cols+c]
			if v > 0xF {
				return nil, fmt.Errorf("quant: nibble value %d out of range at row %d col %d", v, r, c)
			}
			texel := r*texW + c/8
			shift := uint(c%8) * 4
			out[texel] |= uint32(v) << shift
		}
	}
	return out, nil
}

// UnpackNibbles reverses PackNibbles, recovering rows*cols raw 4-bit values.
func UnpackNibbles(rows, cols int, packed []uint32) ([]uint8, error) {
	texW := (cols + 7) / 8
	if len(packed) != rows*texW {
		return nil, fmt.Errorf("quant: expected %d texels, got %d", rows*texW, len(packed))
	}
	out := make([]uint8, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			texel := packed[r*texW+c/8]
			shift := uint(c%8) * 4
			out[r*cols+c] = uint8((texel >> shift) & 0xF)
		}
	}
	return out, nil
}

// EncodeScales converts per-group float32 scale factors to the FLOAT16 bit
// patterns the companion scale texture stores.
func EncodeScales(scales []float32) []uint16 {
	out := make([]uint16, len(scales))
	for i, s := range scales {
		out[i] = uint16(float16.Fromfloat32(s))
	}
	return out
}

// DecodeScales is EncodeScales's inverse.
func DecodeScales(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// PackHalf2x16 packs two IEEE754 half-precision values into one uint32 the
// way GLSL's unpackHalf2x16 expects to read them back: lo in bits [0,16),
// hi in bits [16,32).
func PackHalf2x16(lo, hi float32) uint32 {
	l := uint32(float16.Fromfloat32(lo))
	h := uint32(float16.Fromfloat32(hi))
	return l | h<<16
}

// UnpackHalf2x16 is PackHalf2x16's inverse.
func UnpackHalf2x16(packed uint32) (lo, hi float32) {
	lo = float16.Frombits(uint16(packed & 0xFFFF)).Float32()
	hi = float16.Frombits(uint16(packed >> 16)).Float32()
	return lo, hi
}

// Pack builds a full PackedRow from raw nibble values, per-group scales and
// zero points, validating shapes against rows/cols/qgroup.
func Pack(rows, cols, qgroup int, nibbles []uint8, scales []float32, zeros []uint8) (PackedRow, error) {
	if qgroup <= 0 {
		return PackedRow{}, errors.New("quant: qgroup must be positive")
	}
	groups := (cols + qgroup - 1) / qgroup
	if len(scales) != rows*groups || len(zeros) != rows*groups {
		return PackedRow{}, fmt.Errorf("quant: expected %d scale/zero entries, got %d/%d", rows*groups, len(scales), len(zeros))
	}
	w, err := PackNibbles(rows, cols, nibbles)
	if err != nil {
		return PackedRow{}, err
	}
	return PackedRow{
		Rows: rows, Cols: cols, QGroup: qgroup,
		Weights: w,
		Scales:  EncodeScales(scales),
		Zeros:   zeros,
	}, nil
}

// Dequantize recovers one element's float32 value: scale*(raw-zero), the
// affine transform quantized matmul weights require before use in a dot
// product.
func Dequantize(raw uint8, scale float32, zero uint8) float32 {
	return scale * (float32(raw) - float32(zero))
}
