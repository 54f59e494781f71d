package conv

import (
	"testing"

	"github.com/soypat/tessera/param"
)

func TestNewTransposeRejectsEvenKernel(t *testing.T) {
	_, err := NewTranspose(1, TransposeBuilder{Name: "bad", Width: 4, Height: 4, Channels: 4, Kernel: 2})
	if err == nil {
		t.Fatal("expected error for even kernel size")
	}
}

func TestTransposeOutputSpecsDoubleDimensions(t *testing.T) {
	tr, err := NewTranspose(1, TransposeBuilder{Name: "up", Width: 4, Height: 6, Channels: 4, Kernel: 3})
	if err != nil {
		t.Fatal(err)
	}
	out := tr.OutputSpecs()
	if len(out) != 1 {
		t.Fatalf("output tensor count = %d, want 1", len(out))
	}
	if out[0].Width != 8 || out[0].Height != 12 {
		t.Fatalf("output dims = %dx%d, want 8x12", out[0].Width, out[0].Height)
	}
}

// A 2x transpose convolution with 4
// channels (one tile) and a 3x3 kernel. LoadParameters must decode exactly
// k*k*4*4*tiles*tiles weights and tiles*4 bias values.
func TestTransposeLoadParameters(t *testing.T) {
	tr, err := NewTranspose(1, TransposeBuilder{Name: "up3x3", Width: 4, Height: 4, Channels: 4, Kernel: 3})
	if err != nil {
		t.Fatal(err)
	}
	weights := make([]float32, 3*3*4*4*1*1)
	bias := make([]float32, 4)
	p := param.Map{
		param.Key("up3x3", "weights", 0): {Data: floatsToBytes(weights), Count: len(weights), Type: param.FLOAT},
		param.Key("up3x3", "bias", 0):    {Data: floatsToBytes(bias), Count: len(bias), Type: param.FLOAT},
	}
	if err := tr.LoadParameters(p); err != nil {
		t.Fatal(err)
	}
	if len(tr.weights) != len(weights) {
		t.Fatalf("decoded weight count = %d, want %d", len(tr.weights), len(weights))
	}
	if len(tr.bias) != 4 {
		t.Fatalf("decoded bias count = %d, want 4", len(tr.bias))
	}
}

func TestTransposeLoadParametersRejectsWrongWeightCount(t *testing.T) {
	tr, err := NewTranspose(1, TransposeBuilder{Name: "up3x3", Width: 4, Height: 4, Channels: 4, Kernel: 3})
	if err != nil {
		t.Fatal(err)
	}
	p := param.Map{
		param.Key("up3x3", "weights", 0): {Data: floatsToBytes(make([]float32, 4)), Count: 4, Type: param.FLOAT},
		param.Key("up3x3", "bias", 0):    {Data: floatsToBytes(make([]float32, 4)), Count: 4, Type: param.FLOAT},
	}
	if err := tr.LoadParameters(p); err == nil {
		t.Fatal("expected error for wrong weight count")
	}
}

// transposeStratumAndTap mirrors the tap-parity convention
// shaders/glsl/conv_transpose.frag.glsl implements: for output pixel
// (ox,oy) and kernel tap (kx,ky), the tap contributes only when both
// (ox+align-kx) and (oy+align-ky) are even, landing on input pixel
// ((ox+align-kx)/2, (oy+align-ky)/2). The stratum an output pixel belongs
// to is its own (x%2,y%2) phase.
func transposeStratumAndTap(ox, oy, kx, ky, kernel int) (stratum int, valid bool, ix, iy int) {
	align := kernel / 2
	stratum = (oy&1)*2 + (ox & 1)
	dx := ox + align - kx
	dy := oy + align - ky
	if dx%2 != 0 || dy%2 != 0 {
		return stratum, false, 0, 0
	}
	return stratum, true, dx / 2, dy / 2
}

// For a 3x3 identity kernel (weight 1 at the center tap, 0 elsewhere),
// An identity kernel maps only even-indexed output pixels to carry
// the input value forward; odd-indexed output pixels receive none of the
// center tap's contribution since it only lands on stratum 0.
func TestTransposeIdentityKernelCenterTapOnlyHitsStratumZero(t *testing.T) {
	const kernel = 3
	center := kernel / 2
	for oy := 0; oy < 4; oy++ {
		for ox := 0; ox < 4; ox++ {
			stratum, valid, ix, iy := transposeStratumAndTap(ox, oy, center, center, kernel)
			evenPixel := ox%2 == 0 && oy%2 == 0
			if evenPixel {
				if stratum != 0 {
					t.Fatalf("(%d,%d): stratum = %d, want 0", ox, oy, stratum)
				}
				if !valid {
					t.Fatalf("(%d,%d): expected center tap valid", ox, oy)
				}
				if ix != ox/2 || iy != oy/2 {
					t.Fatalf("(%d,%d): tap source = (%d,%d), want (%d,%d)", ox, oy, ix, iy, ox/2, oy/2)
				}
			} else if stratum == 0 {
				t.Fatalf("(%d,%d): non-even pixel assigned to stratum 0", ox, oy)
			}
		}
	}
}
