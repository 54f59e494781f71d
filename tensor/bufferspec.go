package tensor

// SizedFormat mirrors an OpenGL sized (internal) texture format.
type SizedFormat uint32

// GenericFormat mirrors an OpenGL unsized (generic) texture format.
type GenericFormat uint32

// These constants carry the GL enum values directly; they are plain data
// here, since tensor never calls into GL itself. bufpool is the component
// that hands them to gfx.TextureImgConfig.
const (
	GL_R32F     SizedFormat = 0x822E
	GL_RG32F    SizedFormat = 0x8230
	GL_RGBA32F  SizedFormat = 0x8814
	GL_R16F     SizedFormat = 0x822D
	GL_RG16F    SizedFormat = 0x822F
	GL_RGBA16F  SizedFormat = 0x881A
	GL_R8       SizedFormat = 0x8229
	GL_RG8      SizedFormat = 0x822B
	GL_RGBA8    SizedFormat = 0x8058
	GL_R32UI    SizedFormat = 0x8236
	GL_RG32UI   SizedFormat = 0x823C
	GL_RGBA32UI SizedFormat = 0x8D70
)

const (
	GL_RED      GenericFormat = 0x1903
	GL_RG       GenericFormat = 0x8227
	GL_RGB      GenericFormat = 0x1907
	GL_RGBA     GenericFormat = 0x1908
	GL_RED_INT  GenericFormat = 0x8D94
	GL_RG_INT   GenericFormat = 0x8228
	GL_RGB_INT  GenericFormat = 0x8D98
	GL_RGBA_INT GenericFormat = 0x8D99
)

// FormatByChannels returns the (sized, generic) GL format pair that fits
// channels (1..4) of the given element type. Sized RGB formats are
// skipped (GLES does not support them as renderable formats), so 3-channel
// requests get the 4-channel (RGBA) sized format; the generic format stays
// GL_RGB (GL_RGB_INT for UINT32).
func FormatByChannels(channels int, t ElementType) (SizedFormat, GenericFormat) {
	if channels <= 0 || channels > 4 {
		panic("tensor: channels must be in [1,4]")
	}
	fSized := [4]SizedFormat{GL_R32F, GL_RG32F, GL_RGBA32F, GL_RGBA32F}
	hSized := [4]SizedFormat{GL_R16F, GL_RG16F, GL_RGBA16F, GL_RGBA16F}
	uiSized := [4]SizedFormat{GL_R32UI, GL_RG32UI, GL_RGBA32UI, GL_RGBA32UI}
	byteSized := [4]SizedFormat{GL_R8, GL_RG8, GL_RGBA8, GL_RGBA8}
	generic := [4]GenericFormat{GL_RED, GL_RG, GL_RGB, GL_RGBA}
	genericInt := [4]GenericFormat{GL_RED_INT, GL_RG_INT, GL_RGB_INT, GL_RGBA_INT}

	gf := generic[channels-1]
	var sf SizedFormat
	switch t {
	case UINT8:
		sf = byteSized[channels-1]
	case FLOAT16:
		sf = hSized[channels-1]
	case UINT32:
		sf = uiSized[channels-1]
		gf = genericInt[channels-1]
	default: // FLOAT32 and the rest default to 32-bit float, as the original does
		sf = fSized[channels-1]
	}
	return sf, gf
}

// BufferSpec is the value-type descriptor for a tensor buffer layers
// produce during setup to describe what they require or emit; the buffer
// pool fulfils it. It is built fluently through the With* setters.
type BufferSpec struct {
	Width, Height, Channels int
	// ChannelTile selects which 4-channel slice of a multi-texture shallow
	// tensor this spec describes (0 = channels 0..3, 1 = channels 4..7, …).
	ChannelTile int
	// Port distinguishes inputs for multi-input layers (e.g. concatenation
	// ports, binary-op left/right operands).
	Port int

	Internal SizedFormat
	Generic  GenericFormat
	Type     ElementType

	Usage        Usage
	Interp       Interp
	TensorFormat Format
	Multiplicity int
	PassThrough  bool
	Lock         bool
	Async        bool
}

// NewBufferSpec creates a spec with the required fields populated and
// sensible defaults: Nearest interpolation, shallow format, multiplicity 1.
func NewBufferSpec(channelTile, port, width, height int, sized SizedFormat, generic GenericFormat, t ElementType, usage Usage) *BufferSpec {
	return &BufferSpec{
		Width: width, Height: height, Channels: 4,
		ChannelTile: channelTile, Port: port,
		Internal: sized, Generic: generic, Type: t,
		Usage: usage, Interp: Nearest, TensorFormat: Shallow, Multiplicity: 1,
	}
}

// WithChannels sets the total channel count this spec's backing buffer
// carries (not necessarily 4 — shallow multi-texture tensors use one spec
// per 4-channel tile, each still carrying the tensor's total channel count
// for bookkeeping).
func (b *BufferSpec) WithChannels(c int) *BufferSpec { b.Channels = c; return b }

// WithDataOrder sets the tensor storage format.
func (b *BufferSpec) WithDataOrder(f Format) *BufferSpec { b.TensorFormat = f; return b }

// WithInterpolation sets spatial interpolation.
func (b *BufferSpec) WithInterpolation(i Interp) *BufferSpec { b.Interp = i; return b }

// WithPassThrough marks the spec as pass-through: the buffer pool refuses
// such specs, and the engine copies the input handle into the output slot
// unchanged rather than allocating.
func (b *BufferSpec) WithPassThrough(enable bool) *BufferSpec { b.PassThrough = enable; return b }

// WithAsync marks the spec as asynchronously operated; enabling async
// implies Lock too.
func (b *BufferSpec) WithAsync(enable bool) *BufferSpec {
	b.Async = enable
	b.Lock = b.Lock || enable
	return b
}

// WithMultiplicity requests n parallel shadow copies (double-buffered async
// I/O); n>1 implies Lock.
func (b *BufferSpec) WithMultiplicity(n int) *BufferSpec {
	b.Multiplicity = n
	b.Lock = b.Lock || n > 1
	return b
}

// WithLock exempts the spec's buffer from pool reuse.
func (b *BufferSpec) WithLock() *BufferSpec { b.Lock = true; return b }

// Compatible reports whether two specs describe buffers the pool may treat
// interchangeably: same dimensions, format, type, tensor layout and
// interpolation. Usage, port and channel tile
// are deliberately excluded — those identify *who* wants the buffer, not
// what it looks like.
func (b *BufferSpec) Compatible(o *BufferSpec) bool {
	return b.Width == o.Width && b.Height == o.Height &&
		b.Internal == o.Internal && b.Generic == o.Generic && b.Type == o.Type &&
		b.TensorFormat == o.TensorFormat && b.Interp == o.Interp
}
