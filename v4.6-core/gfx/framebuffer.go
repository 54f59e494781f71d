//go:build !tinygo && cgo

package gfx

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.6-core/gl"
)

// Framebuffer is a thin wrapper around an OpenGL framebuffer object. It holds
// a fixed set of color attachments (up to MaxDrawBuffers) plus an optional
// stencil attachment, used by the transpose-convolution stencil strata.
type Framebuffer struct {
	rid          uint32
	width        int
	height       int
	attachments  [MaxDrawBuffers]Texture
	numAttached  int
	stencil      uint32 // renderbuffer handle, 0 if unused
	drawBuffers  []uint32
	drawBuffersN int
}

// MaxDrawBuffers bounds the number of simultaneous color attachments a
// Framebuffer may carry. The function-layer render loop never issues more
// than this many render targets in a single pass.
const MaxDrawBuffers = 8

// NewFramebuffer creates an empty framebuffer object of the given pixel
// dimensions. Attach color targets with AttachColor before use.
func NewFramebuffer(width, height int) (*Framebuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("gfx: framebuffer dimensions must be positive")
	}
	fb := &Framebuffer{width: width, height: height}
	gl.GenFramebuffers(1, &fb.rid)
	if fb.rid == 0 {
		return nil, errors.New("gfx: got invalid framebuffer id 0")
	}
	return fb, Err()
}

// AttachColor binds tex as the color attachment at the given index
// (0..MaxDrawBuffers-1). The caller is responsible for ensuring tex matches
// the framebuffer's declared width/height.
func (fb *Framebuffer) AttachColor(index int, tex Texture) error {
	if index < 0 || index >= MaxDrawBuffers {
		return fmt.Errorf("gfx: color attachment index %d out of range", index)
	}
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.rid)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0+uint32(index), tex.target, tex.rid, 0)
	fb.attachments[index] = tex
	if index >= fb.numAttached {
		fb.numAttached = index + 1
	}
	return Err()
}

// AttachStencil allocates (if needed) and binds an 8-bit stencil
// renderbuffer, used by the transpose-convolution stencil-strata scheme.
func (fb *Framebuffer) AttachStencil() error {
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.rid)
	if fb.stencil == 0 {
		gl.GenRenderbuffers(1, &fb.stencil)
		gl.BindRenderbuffer(gl.RENDERBUFFER, fb.stencil)
		gl.RenderbufferStorage(gl.RENDERBUFFER, gl.STENCIL_INDEX8, int32(fb.width), int32(fb.height))
	}
	gl.FramebufferRenderbuffer(gl.FRAMEBUFFER, gl.STENCIL_ATTACHMENT, gl.RENDERBUFFER, fb.stencil)
	return Err()
}

// SetDrawBuffers declares which of the bound color attachments receive
// fragment shader output, from index 0 up to (exclusive) n. This mirrors
// the function-layer render loop's NUM_LANES batching: a pass writing m
// render targets calls SetDrawBuffers(m).
func (fb *Framebuffer) SetDrawBuffers(n int) error {
	if n < 0 || n > MaxDrawBuffers {
		return fmt.Errorf("gfx: draw buffer count %d out of range", n)
	}
	bufs := make([]uint32, n)
	for i := range bufs {
		bufs[i] = gl.COLOR_ATTACHMENT0 + uint32(i)
	}
	fb.drawBuffers = bufs
	fb.drawBuffersN = n
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.rid)
	if n == 0 {
		gl.DrawBuffer(gl.NONE)
	} else {
		gl.DrawBuffers(int32(n), &bufs[0])
	}
	return Err()
}

// Bind binds the framebuffer and sets the GL viewport to its dimensions.
func (fb *Framebuffer) Bind() error {
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.rid)
	gl.Viewport(0, 0, int32(fb.width), int32(fb.height))
	return Err()
}

// CheckComplete verifies GL_FRAMEBUFFER_COMPLETE, returning a
// resource-exhaustion-flavored error on failure.
func (fb *Framebuffer) CheckComplete() error {
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb.rid)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	if status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("gfx: framebuffer incomplete: 0x%x", status)
	}
	return nil
}

// Unbind restores the default (window system) framebuffer.
func (fb *Framebuffer) Unbind() {
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
}

// Width and Height report the framebuffer's pixel dimensions.
func (fb *Framebuffer) Width() int  { return fb.width }
func (fb *Framebuffer) Height() int { return fb.height }

// Delete releases the framebuffer and any internally allocated stencil
// renderbuffer. Attached textures are not owned by the framebuffer and are
// not deleted here.
func (fb *Framebuffer) Delete() {
	if fb.stencil != 0 {
		gl.DeleteRenderbuffers(1, &fb.stencil)
		fb.stencil = 0
	}
	if fb.rid != 0 {
		gl.DeleteFramebuffers(1, &fb.rid)
		fb.rid = 0
	}
}
