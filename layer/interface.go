package layer

import (
	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/param"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
)

// Layer is the lifecycle every compute kind under layer/* implements:
// construct (package-specific, via each kind's own builder),
// optionally LoadParameters, Setup once, Forward repeatedly, Cleanup once.
// The engine (package engine) only ever talks to layers through this
// interface.
type Layer interface {
	// InputSpecs and OutputSpecs enumerate the buffer-specs this layer
	// requires, in port order, for the buffer pool to fulfil. The engine
	// calls OutputSpecs after construction and before this layer's Setup,
	// to acquire the output buffers it then passes to Setup.
	InputSpecs() []tensor.BufferSpec
	OutputSpecs() []tensor.BufferSpec

	// Setup binds the input/output handles the buffer pool produced and
	// marks the layer valid. Shaders are compiled beforehand by
	// Compiler.SetupShaders, and most layers create their framebuffers
	// lazily on the first Forward; a few (transpose convolution, attention,
	// token scoring) also allocate framebuffers or locked pool buffers here.
	// Returns a *Error (InvalidState when SetupShaders has not run,
	// ResourceExhaustion when an allocation fails); never partially valid
	// afterward.
	Setup(inputs, outputs []bufpool.Handle) error

	// LoadParameters uploads this layer's weights, if any, from p. Called
	// at most once, any time after construction and before the first
	// Setup. Layers with no parameters implement this as a no-op.
	LoadParameters(p param.Provider) error

	// Forward runs one inference pass. sequenceNo is opaque to the layer
	// except where it is used to correlate pipelined upload/download
	// work; stateToken threads incremental decoding state
	// (e.g. attention's K/V-cache generation) across calls.
	Forward(sequenceNo uint64, stateToken string) error

	// Cleanup releases every GFX resource Setup allocated. Idempotent and
	// safe to call after a partial Setup.
	Cleanup()

	// Valid reports whether Setup has completed successfully and Cleanup
	// has not since run.
	Valid() bool
}

// Compiler is implemented by every compute layer alongside Layer: it
// compiles this layer's GL programs through the shared shader cache and
// receives the buffer pool it will acquire textures from. The engine
// invokes both before Setup, once per layer, in network order.
type Compiler interface {
	SetupShaders(cache *shaderreg.Cache, reg shaderreg.Preamble, src shaderreg.Source) error
	SetupContext(pool *bufpool.Pool)
}
