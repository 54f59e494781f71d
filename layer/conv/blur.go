package conv

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

const maxBlurKernelSize = 21

// BlurKind selects the 1-D kernel shape whose outer product with itself
// forms the 2-D blur kernel.
type BlurKind int

const (
	BoxBlur BlurKind = iota
	GaussianBlur
)

// BlurBuilder configures a spatial blur layer over a shallow tensor.
// Kernel size must be odd and should stay at or below 7: the
// implementation is an unoptimized full 2-D pass rather than a separable
// two-pass one.
type BlurBuilder struct {
	Name           string
	Width, Height  int
	Channels       int
	KernelSize     int
	Kind           BlurKind
	MaxDrawBuffers int
}

// Blur applies a box or Gaussian blur, tile by tile, over a shallow
// tensor.
type Blur struct {
	layer.Base
	b       BlurBuilder
	family  layer.Family
	quad    layer.Quad
	pool    *bufpool.Pool
	weights []float32
	tiles   int
}

func NewBlur(number int, b BlurBuilder) (*Blur, error) {
	if b.Channels <= 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: channels must be positive"))
	}
	if b.KernelSize%2 == 0 {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: even blur kernel size %d unsupported", b.KernelSize))
	}
	if b.KernelSize <= 0 || b.KernelSize > maxBlurKernelSize {
		return nil, layer.NewError(layer.InvalidBuilder, b.Name, fmt.Errorf("conv: blur kernel size %d out of range [1,%d]", b.KernelSize, maxBlurKernelSize))
	}
	if b.MaxDrawBuffers <= 0 || b.MaxDrawBuffers > gfx.MaxDrawBuffers {
		b.MaxDrawBuffers = gfx.MaxDrawBuffers
	}
	var weights []float32
	switch b.Kind {
	case GaussianBlur:
		weights = gaussianWeights(b.KernelSize)
	default:
		weights = boxWeights(b.KernelSize)
	}
	base := layer.NewBase(number, b.Name, layer.InOutPorts{In: 1, Out: 1}, layer.Flags{})
	return &Blur{Base: base, b: b, weights: weights, tiles: (b.Channels + 3) / 4}, nil
}

// boxWeights returns a uniform 1-D averaging kernel.
func boxWeights(n int) []float32 {
	w := make([]float32, n)
	v := float32(1) / float32(n)
	for i := range w {
		w[i] = v
	}
	return w
}

// gaussianWeights returns a 1-D Gaussian kernel with sigma chosen so the
// kernel's half-width covers roughly 3 standard deviations.
func gaussianWeights(n int) []float32 {
	sigma := float32(n) / 6
	if sigma <= 0 {
		sigma = 1
	}
	half := n / 2
	w := make([]float32, n)
	var sum float32
	for i := 0; i < n; i++ {
		x := float32(i - half)
		v := math32.Exp(-(x * x) / (2 * sigma * sigma))
		w[i] = v
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func (bl *Blur) InputSpecs() []tensor.BufferSpec {
	sized, generic := tensor.FormatByChannels(4, tensor.FLOAT16)
	specs := make([]tensor.BufferSpec, bl.tiles)
	for i := range specs {
		specs[i] = *tensor.NewBufferSpec(0, 0, bl.b.Width, bl.b.Height, sized, generic, tensor.FLOAT16, tensor.FnSrc)
	}
	return specs
}

func (bl *Blur) OutputSpecs() []tensor.BufferSpec { return bl.InputSpecs() }

func (bl *Blur) SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error {
	vertex, ok := src.Load("quad.vert")
	if !ok {
		return layer.NewError(layer.ShaderFailure, bl.Name, fmt.Errorf("conv: snippet quad.vert not found"))
	}
	fragment, ok := src.Load("blur.frag")
	if !ok {
		return layer.NewError(layer.ShaderFailure, bl.Name, fmt.Errorf("conv: snippet blur.frag not found"))
	}
	family, err := layer.CompileFamily(cache, reg, vertex, fragment, bl.b.MaxDrawBuffers)
	if err != nil {
		return layer.NewError(layer.ShaderFailure, bl.Name, err)
	}
	bl.family = family
	prog, _ := family.Program(1)
	quad, err := layer.NewQuad(prog)
	if err != nil {
		return layer.NewError(layer.ResourceExhaustion, bl.Name, err)
	}
	bl.quad = quad
	return nil
}

func (bl *Blur) SetupContext(pool *bufpool.Pool) { bl.pool = pool }

func (bl *Blur) LoadParameters(p param.Provider) error { return nil }

func (bl *Blur) Setup(inputs, outputs []bufpool.Handle) error {
	if bl.family.Len() == 0 {
		return layer.NewError(layer.InvalidState, bl.Name, fmt.Errorf("conv: SetupShaders/SetupContext must run before Setup"))
	}
	bl.Inputs = inputs
	bl.Outputs = outputs
	bl.MarkValid()
	return nil
}

func (bl *Blur) Forward(sequenceNo uint64, stateToken string) error {
	if err := bl.CheckSetup(); err != nil {
		return err
	}
	return bl.RunLoop(bl.family, bl.pool, layer.LoopParams{
		Width: bl.b.Width, Height: bl.b.Height,
		Outputs: bl.Outputs, Inputs: bl.Inputs,
		Quad: bl.quad,
		BindUniforms: func(prog gfx.Program, m, inputBase, outputBase int) error {
			u := gfx.NewUniformState(prog)
			if err := u.SetInt("uKernelSize", int32(bl.b.KernelSize), false); err != nil {
				return err
			}
			if err := u.SetFloatArray("uWeights", bl.weights, false); err != nil {
				return err
			}
			if err := u.SetFloatVec("uInputSize", false, float32(bl.b.Width), float32(bl.b.Height)); err != nil {
				return err
			}
			return u.Apply()
		},
	})
}

func (bl *Blur) Cleanup() {
	bl.CleanupFramebuffers()
	bl.quad.Delete()
}
