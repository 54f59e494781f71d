package gfx_test

import (
	"strings"
	"testing"

	"github.com/soypat/tessera/v4.6-core/gfx"
)

func TestParseCombinedSplitsStages(t *testing.T) {
	const src = `
#shader includeashead
#define SHARED 1

#shader vertex
void main() { gl_Position = vec4(SHARED); }

#shader fragment
void main() { }
`
	ss, err := gfx.ParseCombined(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ss.Vertex, "gl_Position") {
		t.Fatalf("vertex stage missing body: %q", ss.Vertex)
	}
	if !strings.HasPrefix(ss.Vertex, "#define SHARED 1") {
		t.Fatalf("includeashead must prefix the vertex stage: %q", ss.Vertex)
	}
	if !strings.HasPrefix(ss.Fragment, "#define SHARED 1") {
		t.Fatalf("includeashead must prefix the fragment stage: %q", ss.Fragment)
	}
	if ss.Compute != "" {
		t.Fatalf("no compute stage declared, got %q", ss.Compute)
	}
	if !strings.HasSuffix(ss.Vertex, "\x00") || !strings.HasSuffix(ss.Fragment, "\x00") {
		t.Fatal("parsed stages must be NUL-terminated for the GL compile path")
	}
}

func TestParseCombinedRejectsUnknownPragma(t *testing.T) {
	_, err := gfx.ParseCombined(strings.NewReader("#shader geometry\nvoid main(){}\n"))
	if err == nil {
		t.Fatal("expected error for unsupported #shader pragma")
	}
}
