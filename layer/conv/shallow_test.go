package conv

import (
	"math"
	"testing"

	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/tile"
)

func floatsToBytes(vs []float32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		bits := math.Float32bits(v)
		out[i*4+0] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func TestNewShallowRejects1x1Depthwise(t *testing.T) {
	_, err := NewShallow(1, ShallowBuilder{Name: "dw", Width: 4, Height: 4, InChannels: 4, OutChannels: 4, Kernel: 1, Group: 4})
	if err == nil {
		t.Fatal("expected error for 1x1 depthwise convolution")
	}
}

// A 1x1 convolution is a pointwise
// channel mixer with no spatial taps — LoadParameters must still decode one
// weight block and one bias vector per output tile.
func TestShallowLoadParameters1x1(t *testing.T) {
	s, err := NewShallow(1, ShallowBuilder{Name: "conv1x1", Width: 4, Height: 4, InChannels: 4, OutChannels: 4, Kernel: 1, Group: 1})
	if err != nil {
		t.Fatal(err)
	}
	// k*k*4*4*inTiles*outTiles = 1*1*4*4*1*1 = 16
	weights := make([]float32, 16)
	for i := range weights {
		weights[i] = float32(i)
	}
	bias := []float32{0.25, 0.5, 0.75, 1.0}
	p := param.Map{
		param.Key("conv1x1", "weights", 0): {Data: floatsToBytes(weights), Count: len(weights), Type: param.FLOAT},
		param.Key("conv1x1", "bias", 0):    {Data: floatsToBytes(bias), Count: len(bias), Type: param.FLOAT},
	}
	if err := s.LoadParameters(p); err != nil {
		t.Fatal(err)
	}
	if len(s.weights) != 1 {
		t.Fatalf("outTiles = %d, want 1", len(s.weights))
	}
	if len(s.weights[0]) != 16 {
		t.Fatalf("weights per tile = %d, want 16", len(s.weights[0]))
	}
	if len(s.bias) != 4 {
		t.Fatalf("bias count = %d, want 4", len(s.bias))
	}
	if s.bias[0] != 0.25 {
		t.Fatalf("bias[0] = %f, want 0.25", s.bias[0])
	}
}

// A 3x3 depthwise convolution needs both
// a horizontal and a vertical kernel dimension. KernelLanes must emit one
// vertical lane per kernel row so a single draw covers the full k*k
// footprint, not just the k horizontal taps the fragment shader walks via
// texel offset.
func TestShallowDepthwiseKernelLanesCoverVerticalTaps(t *testing.T) {
	s, err := NewShallow(1, ShallowBuilder{Name: "dw3x3", Width: 8, Height: 8, InChannels: 4, OutChannels: 4, Kernel: 3, Group: 4})
	if err != nil {
		t.Fatal(err)
	}
	if s.b.Kernel != 3 {
		t.Fatalf("Kernel = %d, want 3", s.b.Kernel)
	}
	verts, idx := tile.ProxyGenerator{}.KernelLanes(s.b.Kernel)
	// 4 vertices * 5 floats (x,y,u,v,lane) per lane, one lane per kernel row.
	if len(verts) != s.b.Kernel*4*5 {
		t.Fatalf("KernelLanes(%d) vertex count = %d, want %d", s.b.Kernel, len(verts), s.b.Kernel*4*5)
	}
	if len(idx) != s.b.Kernel*6 {
		t.Fatalf("KernelLanes(%d) index count = %d, want %d", s.b.Kernel, len(idx), s.b.Kernel*6)
	}
	lanesSeen := map[float32]bool{}
	for i := 0; i < len(verts); i += 5 {
		lanesSeen[verts[i+4]] = true
	}
	if len(lanesSeen) != s.b.Kernel {
		t.Fatalf("distinct lane values = %d, want %d (one per vertical kernel tap)", len(lanesSeen), s.b.Kernel)
	}
}

// The render-target batch width is the device draw-buffer cap for small
// kernels and shrinks once one draw's weight uniform array would blow the
// GL minimum budget: a 9x9 dense kernel carries 81*16 floats per lane.
func TestShallowBatchWidthClampsToUniformBudget(t *testing.T) {
	small, err := NewShallow(1, ShallowBuilder{Name: "c3", Width: 8, Height: 8, InChannels: 8, OutChannels: 32, Kernel: 3})
	if err != nil {
		t.Fatal(err)
	}
	if small.maxLanes != 8 {
		t.Fatalf("3x3 maxLanes = %d, want 8 (device draw-buffer cap)", small.maxLanes)
	}
	big, err := NewShallow(1, ShallowBuilder{Name: "c9", Width: 8, Height: 8, InChannels: 8, OutChannels: 32, Kernel: 9})
	if err != nil {
		t.Fatal(err)
	}
	if want := maxConvUniformFloats / (9 * 9 * 16); big.maxLanes != want {
		t.Fatalf("9x9 maxLanes = %d, want %d (uniform budget / per-lane block)", big.maxLanes, want)
	}
}

// One batched draw's weight array is the m lanes' blocks back to back, in
// output-tile order, so lane j's shader offset j*WBLOCK lands on tile
// o0+j's coefficients.
func TestShallowBatchWeightsConcatenatesLaneBlocks(t *testing.T) {
	s, err := NewShallow(1, ShallowBuilder{Name: "c1", Width: 4, Height: 4, InChannels: 4, OutChannels: 8, Kernel: 1})
	if err != nil {
		t.Fatal(err)
	}
	per := s.weightsPerOutTile()
	weights := make([]float32, per*2)
	for i := range weights {
		weights[i] = float32(i)
	}
	bias := make([]float32, 8)
	p := param.Map{
		param.Key("c1", "weights", 0): {Data: floatsToBytes(weights), Count: len(weights), Type: param.FLOAT},
		param.Key("c1", "bias", 0):    {Data: floatsToBytes(bias), Count: len(bias), Type: param.FLOAT},
	}
	if err := s.LoadParameters(p); err != nil {
		t.Fatal(err)
	}
	s.Inputs = make([]bufpool.Handle, 1)
	got := s.batchWeights(2, 0, 0)
	if len(got) != 2*per {
		t.Fatalf("batchWeights len = %d, want %d", len(got), 2*per)
	}
	if got[0] != 0 || got[per] != float32(per) {
		t.Fatalf("lane blocks out of order: got[0]=%v got[%d]=%v", got[0], per, got[per])
	}
}

// Depthwise weight layout degenerates to k*k*4 per output tile: channel i
// convolves only with channel i, so no 4x4 mixing block exists.
func TestShallowDepthwiseLoadParameters(t *testing.T) {
	s, err := NewShallow(1, ShallowBuilder{Name: "dw8", Width: 8, Height: 8, InChannels: 8, OutChannels: 8, Kernel: 3, Group: 8})
	if err != nil {
		t.Fatal(err)
	}
	outTiles := 2
	want := s.b.Kernel * s.b.Kernel * 4 * outTiles
	weights := make([]float32, want)
	bias := make([]float32, outTiles*4)
	p := param.Map{
		param.Key("dw8", "weights", 0): {Data: floatsToBytes(weights), Count: len(weights), Type: param.FLOAT},
		param.Key("dw8", "bias", 0):    {Data: floatsToBytes(bias), Count: len(bias), Type: param.FLOAT},
	}
	if err := s.LoadParameters(p); err != nil {
		t.Fatal(err)
	}
	if len(s.weights) != outTiles {
		t.Fatalf("weight tiles = %d, want %d", len(s.weights), outTiles)
	}
	if len(s.weights[0]) != s.b.Kernel*s.b.Kernel*4 {
		t.Fatalf("weights per tile = %d, want %d", len(s.weights[0]), s.b.Kernel*s.b.Kernel*4)
	}
}

func TestShallowWeightsPerTileMatchesKernelAndInTiles(t *testing.T) {
	s, err := NewShallow(1, ShallowBuilder{Name: "conv3x3", Width: 8, Height: 8, InChannels: 8, OutChannels: 4, Kernel: 3, Group: 1})
	if err != nil {
		t.Fatal(err)
	}
	inTiles := (s.b.InChannels + 3) / 4
	outTiles := (s.b.OutChannels + 3) / 4
	want := s.b.Kernel * s.b.Kernel * 4 * 4 * inTiles * outTiles
	weights := make([]float32, want)
	bias := make([]float32, outTiles*4)
	p := param.Map{
		param.Key("conv3x3", "weights", 0): {Data: floatsToBytes(weights), Count: len(weights), Type: param.FLOAT},
		param.Key("conv3x3", "bias", 0):    {Data: floatsToBytes(bias), Count: len(bias), Type: param.FLOAT},
	}
	if err := s.LoadParameters(p); err != nil {
		t.Fatal(err)
	}
	gotPerTile := len(s.weights[0]) / inTiles
	wantPerTile := s.b.Kernel * s.b.Kernel * 4 * 4
	if gotPerTile != wantPerTile {
		t.Fatalf("weights per (tile,inTile) = %d, want %d", gotPerTile, wantPerTile)
	}
}
