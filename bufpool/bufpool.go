// Package bufpool implements the per-network texture reuse pool: it
// groups tensor.BufferSpec requests by compatibility and hands back reused
// gfx.Texture handles instead of allocating a fresh one whenever a
// compatible, currently-unowned buffer already exists.
package bufpool

import (
	"errors"
	"fmt"

	"github.com/soypat/tessera/tensor"
	"github.com/soypat/tessera/v4.6-core/gfx"
)

// Handle identifies one pooled buffer. The zero Handle is never valid.
type Handle int

// entry is one physically-allocated buffer and its current bookkeeping
// state.
type entry struct {
	spec   tensor.BufferSpec
	tex    gfx.Texture
	owner  int // sequence number of the layer currently holding it, -1 if free
	locked bool
}

// Pool owns every GPU texture allocated on behalf of layer buffer requests
// and reuses them across layers whose specs are
// tensor.BufferSpec.Compatible. A zero Pool is usable.
type Pool struct {
	entries []entry
}

var errNotFound = errors.New("bufpool: handle not found")

// Acquire satisfies spec out of an existing compatible, free buffer if one
// exists; otherwise it allocates a new gfx.Texture via gfx.NewTextureFromImage
// and registers it. owner is the requesting layer's sequence number,
// used to track buffer lifetime across passes.
//
// PassThrough specs never allocate: the caller is expected to reuse an
// upstream handle directly and Acquire is not called for them.
func (p *Pool) Acquire(spec tensor.BufferSpec, owner int) (Handle, error) {
	if spec.PassThrough {
		return 0, errors.New("bufpool: PassThrough specs are not pool-managed")
	}
	for i := range p.entries {
		e := &p.entries[i]
		if e.owner == -1 && !e.locked && e.spec.Compatible(&spec) {
			e.owner = owner
			e.spec = spec
			return Handle(i + 1), nil
		}
	}
	cfg := gfx.TextureImgConfig{
		Type:           gfx.Texture2D,
		Width:          spec.Width,
		Height:         spec.Height,
		InternalFormat: int32(spec.Internal),
		Format:         uint32(spec.Generic),
		Xtype:          glElementType(spec.Type),
	}
	switch spec.Interp {
	case tensor.Linear:
		cfg.MagFilter, cfg.MinFilter = 0x2601, 0x2601 // gl.LINEAR
	default:
		cfg.MagFilter, cfg.MinFilter = 0x2600, 0x2600 // gl.NEAREST
	}
	tex, err := gfx.NewTextureFromImage[byte](cfg, nil)
	if err != nil {
		return 0, fmt.Errorf("bufpool: allocating %dx%d buffer: %w", spec.Width, spec.Height, err)
	}
	p.entries = append(p.entries, entry{spec: spec, tex: tex, owner: owner, locked: spec.Lock})
	return Handle(len(p.entries)), nil
}

// glElementType maps tensor.ElementType to the GL pixel-transfer type the
// texture upload path expects. Carried here rather than in tensor, which
// stays GL-agnostic.
func glElementType(t tensor.ElementType) uint32 {
	switch t {
	case tensor.FLOAT16:
		return 0x140B // gl.HALF_FLOAT
	case tensor.UINT8:
		return 0x1401 // gl.UNSIGNED_BYTE
	case tensor.UINT16:
		return 0x1403 // gl.UNSIGNED_SHORT
	case tensor.INT16:
		return 0x1402 // gl.SHORT
	case tensor.UINT32:
		return 0x1405 // gl.UNSIGNED_INT
	case tensor.INT32:
		return 0x1404 // gl.INT
	default:
		return 0x1406 // gl.FLOAT
	}
}

// Texture returns the backing gfx.Texture for h.
func (p *Pool) Texture(h Handle) (gfx.Texture, error) {
	e, err := p.get(h)
	if err != nil {
		return gfx.Texture{}, err
	}
	return e.tex, nil
}

// Release returns h to the free list, making it eligible for reuse by a
// future Acquire with a compatible spec. Locked buffers are never released:
// Release returns an error for a locked handle.
func (p *Pool) Release(h Handle) error {
	e, err := p.getPtr(h)
	if err != nil {
		return err
	}
	if e.locked {
		return fmt.Errorf("bufpool: handle %d is locked, cannot release", h)
	}
	e.owner = -1
	return nil
}

// Delete frees the underlying GPU texture unconditionally, regardless of
// lock state. Used during engine teardown.
func (p *Pool) Delete(h Handle) error {
	e, err := p.getPtr(h)
	if err != nil {
		return err
	}
	e.tex.Delete()
	e.owner = -2 // tombstoned; never matched by Acquire or Release again
	e.locked = true
	return nil
}

// Teardown deletes every still-live buffer in the pool.
func (p *Pool) Teardown() {
	for i := range p.entries {
		if p.entries[i].owner != -2 {
			p.entries[i].tex.Delete()
			p.entries[i].owner = -2
		}
	}
}

// Len reports the number of distinct buffers the pool has ever allocated.
func (p *Pool) Len() int { return len(p.entries) }

func (p *Pool) get(h Handle) (entry, error) {
	e, err := p.getPtr(h)
	if err != nil {
		return entry{}, err
	}
	return *e, nil
}

func (p *Pool) getPtr(h Handle) (*entry, error) {
	i := int(h) - 1
	if i < 0 || i >= len(p.entries) {
		return nil, errNotFound
	}
	return &p.entries[i], nil
}
