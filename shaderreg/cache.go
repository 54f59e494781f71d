package shaderreg

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"

	"github.com/soypat/tessera/v4.6-core/gfx"
)

// ShaderFailure is returned when shader compilation or linking fails. It
// carries the raw source, the GL info log, and the snippet-expanded text so
// callers can reproduce the failure.
type ShaderFailure struct {
	Stage    string // "vertex", "fragment", "compute" or "link"
	Source   gfx.ShaderSource
	Expanded string
	InfoLog  string
}

func (e *ShaderFailure) Error() string {
	return fmt.Sprintf("shaderreg: %s failed: %s", e.Stage, e.InfoLog)
}

func (e *ShaderFailure) Unwrap() error { return errShaderFailure }

var errShaderFailure = errors.New("shaderreg: shader failure")

// ErrShaderFailure is the coarse sentinel
// that *ShaderFailure always wraps; callers select on it with errors.Is.
var ErrShaderFailure = errShaderFailure

// ProgramHash is the 64-bit FNV-1a hash of a program's fully expanded
// source (preamble + defines + #include-expanded body), used as the
// cache key.
type ProgramHash uint64

// HashSource computes the cache key for a (vertex, fragment, compute)
// tuple of already-expanded source strings.
func HashSource(vertex, fragment, compute string) ProgramHash {
	h := fnv.New64a()
	h.Write([]byte(vertex))
	h.Write([]byte{0})
	h.Write([]byte(fragment))
	h.Write([]byte{0})
	h.Write([]byte(compute))
	return ProgramHash(h.Sum64())
}

// Cache is the process-wide, context-scoped shader/program cache. It maps a program's source hash to a shared, already-linked
// gfx.Program. There is no eviction policy: programs live for the context,
// and destroying a context's Cache (via Teardown) invalidates every program
// it produced.
type Cache struct {
	mu       sync.Mutex
	registry *Registry
	programs map[ProgramHash]gfx.Program
	flags    gfx.CompileFlags
}

// NewCache creates a cache that expands #include directives from reg
// before hashing and compiling.
func NewCache(reg *Registry, flags gfx.CompileFlags) *Cache {
	return &Cache{
		registry: reg,
		programs: make(map[ProgramHash]gfx.Program),
		flags:    flags,
	}
}

// Request is the caller-supplied pair of shader sources (or a compute
// source) plus a preamble.
type Request struct {
	Preamble Preamble
	Vertex   string
	Fragment string
	Compute  string
}

// Acquire resolves req to a shared program: it expands #include
// directives, hashes the expanded text, and returns the cached program, or
// compiles+links and stores a new one. Cache misses that fail to compile or
// link are never stored.
func (c *Cache) Acquire(req Request) (gfx.Program, error) {
	preamble := req.Preamble.Build()

	vertex, err := c.expand(preamble, req.Vertex)
	if err != nil {
		return gfx.Program{}, err
	}
	fragment, err := c.expand(preamble, req.Fragment)
	if err != nil {
		return gfx.Program{}, err
	}
	compute, err := c.expand(preamble, req.Compute)
	if err != nil {
		return gfx.Program{}, err
	}

	key := HashSource(vertex, fragment, compute)

	c.mu.Lock()
	if prog, ok := c.programs[key]; ok {
		c.mu.Unlock()
		return prog, nil
	}
	c.mu.Unlock()

	prog, err := gfx.CompileProgram(gfx.ShaderSource{
		Vertex:       nullTerminate(vertex),
		Fragment:     nullTerminate(fragment),
		Compute:      nullTerminate(compute),
		CompileFlags: c.flags,
	})
	if err != nil {
		return gfx.Program{}, &ShaderFailure{
			Stage:    "link",
			Source:   gfx.ShaderSource{Vertex: vertex, Fragment: fragment, Compute: compute},
			Expanded: vertex + fragment + compute,
			InfoLog:  err.Error(),
		}
	}

	c.mu.Lock()
	c.programs[key] = prog
	c.mu.Unlock()
	return prog, nil
}

// AcquireCombined parses a single #shader-pragma-combined source (the
// gfx.ParseCombined format, where vertex and fragment stages live in one
// file) and resolves it through the same expand/hash/compile path as
// Acquire, so combined-file shaders share the cache with the split-file
// ones.
func (c *Cache) AcquireCombined(preamble Preamble, r io.Reader) (gfx.Program, error) {
	ss, err := gfx.ParseCombined(r)
	if err != nil {
		return gfx.Program{}, fmt.Errorf("shaderreg: parsing combined source: %w", err)
	}
	return c.Acquire(Request{
		Preamble: preamble,
		Vertex:   strings.TrimRight(ss.Vertex, "\x00"),
		Fragment: strings.TrimRight(ss.Fragment, "\x00"),
		Compute:  strings.TrimRight(ss.Compute, "\x00"),
	})
}

func (c *Cache) expand(preamble, body string) (string, error) {
	if body == "" {
		return "", nil
	}
	expanded, err := ExpandIncludes(body, c.registry)
	if err != nil {
		return "", err
	}
	return preamble + expanded, nil
}

func nullTerminate(s string) string {
	if s == "" {
		return ""
	}
	if s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}

// Teardown releases every program this cache produced and clears the
// snippet registry's resolved-snippet cache. Call when the owning GL
// context is destroyed.
func (c *Cache) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.programs {
		p.Delete()
	}
	c.programs = make(map[ProgramHash]gfx.Program)
	if c.registry != nil {
		c.registry.Teardown()
	}
}

// Len reports how many distinct programs are currently cached. Exposed
// mainly for tests asserting the dedup property.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}
