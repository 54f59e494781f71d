package quant

import "testing"

// Round-trip property for 4-bit quantisation: for weights W with scale s,
// zero z, sample(weight_texture, r, c*8+i) =
// s_{r, c/qgroup} * (nibble_i - z_{r, c/qgroup}) within FP16 tolerance.
func TestPackDequantizeRoundTrip(t *testing.T) {
	const rows, cols, qgroup = 2, 16, 8
	nibbles := make([]uint8, rows*cols)
	for i := range nibbles {
		nibbles[i] = uint8(i % 16)
	}
	scales := []float32{0.5, 1.25, 0.1, 2.0} // rows * (cols/qgroup) = 2*2
	zeros := []uint8{2, 3, 0, 7}

	packed, err := Pack(rows, cols, qgroup, nibbles, scales, zeros)
	if err != nil {
		t.Fatal(err)
	}

	unpacked, err := UnpackNibbles(rows, cols, packed.Weights)
	if err != nil {
		t.Fatal(err)
	}
	decodedScales := DecodeScales(packed.Scales)

	groups := cols / qgroup
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			group := c / qgroup
			raw := unpacked[r*cols+c]
			if raw != nibbles[r*cols+c] {
				t.Fatalf("unpacked nibble at (%d,%d) = %d, want %d", r, c, raw, nibbles[r*cols+c])
			}
			gotScale := decodedScales[r*groups+group]
			wantScale := scales[r*groups+group]
			if diff := gotScale - wantScale; diff > 1e-3 || diff < -1e-3 {
				t.Fatalf("decoded scale at (%d,%d) = %v, want ~%v", r, c, gotScale, wantScale)
			}
			got := Dequantize(raw, gotScale, zeros[r*groups+group])
			want := wantScale * (float32(raw) - float32(zeros[r*groups+group]))
			if diff := got - want; diff > 1e-3 || diff < -1e-3 {
				t.Fatalf("Dequantize(%d,%d) = %v, want %v", r, c, got, want)
			}
		}
	}
}

func TestPackNibblesRejectsOutOfRange(t *testing.T) {
	_, err := PackNibbles(1, 8, []uint8{0, 1, 2, 3, 4, 5, 6, 16})
	if err == nil {
		t.Fatal("expected error for nibble value 16 (out of 4-bit range)")
	}
}

func TestPackRejectsShapeMismatch(t *testing.T) {
	_, err := Pack(1, 8, 8, make([]uint8, 8), []float32{1, 2}, []uint8{0, 0})
	if err == nil {
		t.Fatal("expected error: 2 scale/zero entries for a single qgroup=8,cols=8 row")
	}
}

// FP16-pair packing into a 32-bit integer channel must match GLSL's
// documented unpackHalf2x16 ordering (low half in bits 0-15). Fixed here
// as a tested convention.
func TestPackUnpackHalf2x16Ordering(t *testing.T) {
	packed := PackHalf2x16(1.5, -2.25)
	lo, hi := UnpackHalf2x16(packed)
	if lo != 1.5 || hi != -2.25 {
		t.Fatalf("UnpackHalf2x16(PackHalf2x16(1.5, -2.25)) = (%v, %v), want (1.5, -2.25)", lo, hi)
	}
	// Bits [0,16) must carry lo, independent of hi's value, per the fixed
	// ordering decision.
	if packed&0xFFFF != uint32(uint16(packed)) {
		t.Fatal("low 16 bits extraction sanity check failed")
	}
	loBits := packed & 0xFFFF
	hiOnly := PackHalf2x16(1.5, 0)
	if hiOnly&0xFFFF != loBits {
		t.Fatal("low half bits changed when only the high half value changed")
	}
}

func TestUnpackNibblesRejectsShapeMismatch(t *testing.T) {
	_, err := UnpackNibbles(2, 16, make([]uint32, 1))
	if err == nil {
		t.Fatal("expected error for too-few packed texels")
	}
}
