// Package shaders is the embedded shader resource table: snippets are
// loaded lazily by name through shaderreg.Source, implemented over a
// go:embed filesystem.
package shaders

import (
	"embed"
	"path"
	"strings"
)

//go:embed glsl/*.glsl
var fs embed.FS

// Registry implements shaderreg.Source, resolving a snippet name to the
// embedded file "glsl/<name>.<kind>.glsl" where kind is one of
// vert/frag/incl. Callers pass the bare name used in #include directives
// (e.g. "common" for glsl/common.incl.glsl) or the full logical name for a
// top-level shader body (e.g. "unary.frag").
type Registry struct{}

// Load implements shaderreg.Source.
func (Registry) Load(name string) (string, bool) {
	candidates := []string{
		"glsl/" + name + ".glsl",
		"glsl/" + name + ".incl.glsl",
		"glsl/" + name + ".vert.glsl",
		"glsl/" + name + ".frag.glsl",
	}
	for _, c := range candidates {
		data, err := fs.ReadFile(c)
		if err == nil {
			return string(data), true
		}
	}
	return "", false
}

// Names returns every embedded shader resource's logical name (path minus
// the glsl/ prefix and .glsl suffix), sorted by embed.FS's walk order.
// Useful for tests asserting every referenced snippet actually exists.
func Names() []string {
	entries, err := fs.ReadDir("glsl")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := strings.TrimSuffix(path.Base(e.Name()), ".glsl")
		out = append(out, name)
	}
	return out
}
