// Package shaderreg implements the process-wide shader snippet registry and
// the shader-source preprocessor, plus the shader/program
// cache that sits on top of them.
package shaderreg

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// Snippet is a named, reusable block of GLSL source that can be pulled into
// a shader via `#include "name"`. Snippets are loaded lazily by name from
// an embedded resource table and never nest: an #include inside a snippet
// is left untouched.
type Snippet struct {
	Name string
	Code string
}

// Source provides the raw GLSL text for a named snippet, typically backed
// by a go:embed resource table. It is the registry's sole external
// collaborator.
type Source interface {
	// Load returns the snippet source for name, or ok=false if unknown.
	Load(name string) (code string, ok bool)
}

// Registry is the process-wide, read-mostly snippet store. Concurrent
// first-load is guarded by an RWMutex.
type Registry struct {
	mu       sync.RWMutex
	source   Source
	resolved map[string]string // name -> expanded code (snippets may not nest, so this is just source.Load's result)
}

// NewRegistry creates a registry backed by source. Snippets are not loaded
// until first referenced by an #include directive.
func NewRegistry(source Source) *Registry {
	return &Registry{source: source, resolved: make(map[string]string)}
}

var errSnippetNotFound = errors.New("shaderreg: snippet not found")

// Load fetches (and caches) a snippet's source by name, guarding
// concurrent first-load.
func (r *Registry) Load(name string) (string, error) {
	r.mu.RLock()
	code, ok := r.resolved[name]
	r.mu.RUnlock()
	if ok {
		return code, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.resolved[name]; ok {
		return code, nil
	}
	code, ok = r.source.Load(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", errSnippetNotFound, name)
	}
	r.resolved[name] = code
	return code, nil
}

// Teardown clears the registry's cache. Snippet source is re-fetched from
// Source on next use.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = make(map[string]string)
}

// includeStdlib matches a plain, unescaped `#include "name"` line. This is
// the common case and stdlib regexp (RE2, linear time) handles it without
// backreferences.
var includeStdlib = regexp.MustCompile(`(?m)^[ \t]*#include[ \t]+"([^"]+)"[ \t]*$`)

// includeEscaped recognizes (and is used to *exclude*) a `#include` whose
// quote was escaped by a preceding backslash, e.g. inside a snippet that
// documents the directive in a comment: `// \#include "foo"`. RE2 cannot
// express "match X not preceded by Y"; real negative lookbehind is needed,
// so this one directive scanner reaches for regexp2.
var includeEscaped = regexp2.MustCompile(`(?<!\\)#include[ \t]+"([^"]+)"`, regexp2.None)

// ExpandIncludes replaces every top-level `#include "name"` line in src
// with the named snippet's source, resolved from reg. Includes inside an
// included snippet are left as literal text.
func ExpandIncludes(src string, reg *Registry) (string, error) {
	matched, err := includeEscaped.FindStringMatch(src)
	if err != nil {
		return "", fmt.Errorf("shaderreg: scanning includes: %w", err)
	}
	if matched == nil {
		return src, nil
	}
	var outErr error
	expanded := includeStdlib.ReplaceAllStringFunc(src, func(line string) string {
		if outErr != nil {
			return line
		}
		m := includeStdlib.FindStringSubmatch(line)
		if m == nil {
			return line
		}
		code, err := reg.Load(m[1])
		if err != nil {
			outErr = err
			return line
		}
		return code
	})
	if outErr != nil {
		return "", outErr
	}
	return expanded, nil
}

// Preamble builds the generated header every shader source is prefixed
// with: a #version directive, conditional GLES/binding-support defines,
// then caller-supplied preprocessor definitions, in that fixed order.
type Preamble struct {
	GLSLVersion     string // e.g. "460 core"
	GLES            bool
	BindingSupport  bool
	Defines         map[string]string
	ExtraDefineList []string // raw define bodies written after "#define ", e.g. "NUM_LANES 4" or "GLES"
}

// Build renders the preamble text, terminated with a newline so the
// following user source starts cleanly.
func (p Preamble) Build() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#version %s\n", p.GLSLVersion)
	if p.GLES {
		b.WriteString("#define GLES\n")
	}
	if p.BindingSupport {
		b.WriteString("#define BINDING_SUPPORT\n")
	}
	for _, raw := range p.ExtraDefineList {
		fmt.Fprintf(&b, "#define %s\n", raw)
	}
	// map iteration order is randomized in Go; since the preamble is fed
	// through the program-cache hasher afterward, two preambles built from
	// the same Defines map must hash identically, so keys are sorted
	// explicitly rather than relying on map order.
	keys := make([]string, 0, len(p.Defines))
	for k := range p.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := p.Defines[k]
		if v == "" {
			fmt.Fprintf(&b, "#define %s\n", k)
		} else {
			fmt.Fprintf(&b, "#define %s %s\n", k, v)
		}
	}
	return b.String()
}
