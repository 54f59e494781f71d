//go:build !tinygo && cgo

package gfx

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.6-core/gl"
)

// uniformKind tags the payload carried by a uniformEntry. Go has no union
// type, so each entry just carries enough of the typed slices to cover
// every kind and the kind field says which one is live.
type uniformKind uint8

const (
	kindInt uniformKind = iota
	kindFloat
	kindFloatVec2
	kindFloatVec3
	kindFloatVec4
	kindMat3
	kindMat4
	kindFloatArray
	kindIntVec2
	kindIntVec3
)

type uniformEntry struct {
	kind     uniformKind
	location int32
	ints     [4]int32
	floats   []float32 // used for vecN (len 2..4), matN (len 9/16) and arrays (any len)
}

// UniformState captures the values of a program's uniforms as plain data so
// they can be replayed ("applied") whenever the owning program is re-bound,
// without re-deriving them from layer state. A program also exposes a
// small int-symbol -> location map for hot-path updates; that map is
// carried alongside, in symbols.
type UniformState struct {
	target  Program
	entries []uniformEntry
	cache   map[string]int32 // name -> uniform location, resolved lazily
	symbols map[int]int32    // hot-path integer symbol -> uniform location
}

// NewUniformState creates an empty snapshot bound to target. Call the
// Set* methods to populate it, then Apply whenever target is (re)bound.
func NewUniformState(target Program) *UniformState {
	return &UniformState{
		target:  target,
		cache:   make(map[string]int32),
		symbols: make(map[int]int32),
	}
}

// BindSymbol associates an integer symbol with a uniform's location for
// later direct lookup via Location, bypassing the name-based cache. Layers
// use this for uniforms updated every draw call (e.g. the per-pass tile
// offset) where a map string lookup would be wasted work.
func (u *UniformState) BindSymbol(symbol int, name string) error {
	loc, err := u.resolve(name)
	if err != nil {
		return err
	}
	u.symbols[symbol] = loc
	return nil
}

// Location returns the cached uniform location for a hot-path symbol
// previously registered with BindSymbol.
func (u *UniformState) Location(symbol int) (int32, bool) {
	loc, ok := u.symbols[symbol]
	return loc, ok
}

func (u *UniformState) resolve(name string) (int32, error) {
	if loc, ok := u.cache[name]; ok {
		return loc, nil
	}
	// UniformLocation demands the GL-style trailing NUL; the snapshot API
	// takes plain Go strings and terminates here so every layer call site
	// doesn't have to.
	terminated := name
	if len(name) == 0 || name[len(name)-1] != 0 {
		terminated = name + "\x00"
	}
	loc, err := u.target.UniformLocation(terminated)
	if err != nil {
		return 0, err
	}
	u.cache[name] = loc
	return loc, nil
}

func (u *UniformState) getLocation(name string, optional bool) (int32, error) {
	loc, err := u.resolve(name)
	if err != nil {
		if optional {
			return -1, nil
		}
		return 0, err
	}
	return loc, nil
}

// SetInt stages an integer uniform by name, applied on the next Apply.
func (u *UniformState) SetInt(name string, v int32, optional bool) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	u.entries = append(u.entries, uniformEntry{kind: kindInt, location: loc, ints: [4]int32{v}})
	return nil
}

// SetFloat stages a scalar float uniform by name.
func (u *UniformState) SetFloat(name string, v float32, optional bool) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	u.entries = append(u.entries, uniformEntry{kind: kindFloat, location: loc, floats: []float32{v}})
	return nil
}

// SetFloatVec stages a float vec2/vec3/vec4 uniform, inferring arity from
// the number of values supplied.
func (u *UniformState) SetFloatVec(name string, optional bool, v ...float32) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	var kind uniformKind
	switch len(v) {
	case 2:
		kind = kindFloatVec2
	case 3:
		kind = kindFloatVec3
	case 4:
		kind = kindFloatVec4
	default:
		return fmt.Errorf("gfx: unsupported float vector arity %d", len(v))
	}
	cp := append([]float32(nil), v...)
	u.entries = append(u.entries, uniformEntry{kind: kind, location: loc, floats: cp})
	return nil
}

// SetIntVec stages an ivec2/ivec3 uniform, inferring arity from the number
// of values supplied (deep convolution's per-tile grid/size uniforms).
func (u *UniformState) SetIntVec(name string, optional bool, v ...int32) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	var kind uniformKind
	switch len(v) {
	case 2:
		kind = kindIntVec2
	case 3:
		kind = kindIntVec3
	default:
		return fmt.Errorf("gfx: unsupported int vector arity %d", len(v))
	}
	var ints [4]int32
	copy(ints[:], v)
	u.entries = append(u.entries, uniformEntry{kind: kind, location: loc, ints: ints})
	return nil
}

// SetFloatArray stages a float array uniform (e.g. convolution weights).
func (u *UniformState) SetFloatArray(name string, v []float32, optional bool) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	cp := append([]float32(nil), v...)
	u.entries = append(u.entries, uniformEntry{kind: kindFloatArray, location: loc, floats: cp})
	return nil
}

// SetMat3 stages a 3x3 float matrix uniform, column-major as GL expects.
func (u *UniformState) SetMat3(name string, m [9]float32, optional bool) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	u.entries = append(u.entries, uniformEntry{kind: kindMat3, location: loc, floats: m[:]})
	return nil
}

// SetMat4 stages a 4x4 float matrix uniform, column-major.
func (u *UniformState) SetMat4(name string, m [16]float32, optional bool) error {
	loc, err := u.getLocation(name, optional)
	if err != nil || loc < 0 {
		return err
	}
	u.entries = append(u.entries, uniformEntry{kind: kindMat4, location: loc, floats: m[:]})
	return nil
}

// Apply binds target (if non-zero) and replays every staged uniform
// value. Per-draw uniforms only actually change GL state when the bound
// program changes; callers that re-apply the same UniformState
// against an already-bound program pay only the cost of the GL calls, not
// of re-deriving values.
func (u *UniformState) Apply() error {
	u.target.Bind()
	for _, e := range u.entries {
		switch e.kind {
		case kindInt:
			gl.Uniform1i(e.location, e.ints[0])
		case kindFloat:
			gl.Uniform1f(e.location, e.floats[0])
		case kindFloatVec2:
			gl.Uniform2f(e.location, e.floats[0], e.floats[1])
		case kindFloatVec3:
			gl.Uniform3f(e.location, e.floats[0], e.floats[1], e.floats[2])
		case kindFloatVec4:
			gl.Uniform4f(e.location, e.floats[0], e.floats[1], e.floats[2], e.floats[3])
		case kindMat3:
			gl.UniformMatrix3fv(e.location, 1, false, &e.floats[0])
		case kindMat4:
			gl.UniformMatrix4fv(e.location, 1, false, &e.floats[0])
		case kindFloatArray:
			if len(e.floats) > 0 {
				gl.Uniform1fv(e.location, int32(len(e.floats)), &e.floats[0])
			}
		case kindIntVec2:
			gl.Uniform2i(e.location, e.ints[0], e.ints[1])
		case kindIntVec3:
			gl.Uniform3i(e.location, e.ints[0], e.ints[1], e.ints[2])
		default:
			return errors.New("gfx: unknown uniform entry kind")
		}
	}
	return Err()
}

// Reset discards all staged entries without releasing the target program,
// letting the caller start building a fresh snapshot for the same program.
func (u *UniformState) Reset() {
	u.entries = u.entries[:0]
}
