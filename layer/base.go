package layer

import (
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Activation is the fixed set of activations a layer may fuse into its
// final render pass.
type Activation uint8

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationLeakyReLU
	ActivationClip
)

func (a Activation) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationLeakyReLU:
		return "leaky-relu"
	case ActivationClip:
		return "clip"
	default:
		return "none"
	}
}

// Flags carries the per-layer behavior switches every layer kind shares.
type Flags struct {
	Activation    Activation
	ResidualInput bool
	PostBatchnorm bool
}

// Base is embedded by every concrete layer type and carries the state
// common to all of them: identity, flags, port counts, the
// input/output buffer handles bound during setup, the framebuffers the
// layer owns, and the valid bit. Base never touches GL itself; concrete
// layers drive gfx/bufpool through the handles Base stores.
type Base struct {
	Number int
	Name   string
	Flags  Flags

	InputPorts  int
	OutputPorts int

	Inputs  []bufpool.Handle
	Outputs []bufpool.Handle

	framebuffers []*gfx.Framebuffer
	valid        bool
}

// NewBase constructs the common portion of a layer from its builder fields.
// Concrete layer constructors call this first, then fill in their own
// kernel/shader-specific state.
func NewBase(number int, name string, ports InOutPorts, flags Flags) Base {
	return Base{
		Number:      number,
		Name:        name,
		Flags:       flags,
		InputPorts:  ports.In,
		OutputPorts: ports.Out,
	}
}

// InOutPorts is the builder-facing port-count pair, kept as its own type so
// call sites read `layer.InOutPorts{In: 1, Out: 1}` instead of two bare ints.
type InOutPorts struct{ In, Out int }

// Valid reports whether setup has completed successfully and cleanup has
// not since run.
func (b *Base) Valid() bool { return b.valid }

// MarkValid sets the valid bit; concrete Setup implementations call this as
// their last step, after every fallible allocation has succeeded.
func (b *Base) MarkValid() { b.valid = true }

// MarkInvalid clears the valid bit. No Cleanup in this module calls it;
// CleanupFramebuffers clears the bit itself.
func (b *Base) MarkInvalid() { b.valid = false }

// OwnFramebuffer registers fb as owned by this layer, so a later
// CleanupFramebuffers call deletes it. Layers do not take ownership of
// input textures; they do own output textures unless marked
// pass-through, and framebuffers are always layer-owned.
func (b *Base) OwnFramebuffer(fb *gfx.Framebuffer) {
	b.framebuffers = append(b.framebuffers, fb)
}

// Framebuffers returns the ordered list of framebuffers this layer owns.
func (b *Base) Framebuffers() []*gfx.Framebuffer { return b.framebuffers }

// EnsureFramebuffer returns the layer-owned framebuffer at slot idx,
// creating and registering it on first use. created tells the caller
// whether attachments still need to be wired; a layer's pass structure is
// fixed after setup, so repeat Forward calls reuse the same object instead
// of allocating a fresh one per pass.
func (b *Base) EnsureFramebuffer(idx, width, height int) (fb *gfx.Framebuffer, created bool, err error) {
	for idx >= len(b.framebuffers) {
		b.framebuffers = append(b.framebuffers, nil)
	}
	if fb := b.framebuffers[idx]; fb != nil {
		return fb, false, nil
	}
	fb, err = gfx.NewFramebuffer(width, height)
	if err != nil {
		return nil, false, err
	}
	b.framebuffers[idx] = fb
	return fb, true, nil
}

// CleanupFramebuffers deletes every owned framebuffer and clears the list.
// Idempotent: calling it twice, or after a partial setup that never
// registered any framebuffer, is always safe.
func (b *Base) CleanupFramebuffers() {
	for _, fb := range b.framebuffers {
		if fb != nil {
			fb.Delete()
		}
	}
	b.framebuffers = b.framebuffers[:0]
	b.valid = false
}

// CheckSetup returns an *Error of kind InvalidState if the layer has not
// completed setup; concrete Forward implementations call this first.
func (b *Base) CheckSetup() error {
	if !b.valid {
		return NewError(InvalidState, b.Name, errNotSetup)
	}
	return nil
}
