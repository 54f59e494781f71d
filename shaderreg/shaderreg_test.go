package shaderreg

import "testing"

type mapSource map[string]string

func (m mapSource) Load(name string) (string, bool) {
	code, ok := m[name]
	return code, ok
}

// For any shader program returned by the cache for input source S,
// hashing its expanded source yields the same key: duplicate requests do
// not produce duplicate programs. HashSource is the pure
// function the cache keys on; this asserts it alone is deterministic and
// content-sensitive, independent of GL.
func TestHashSourceDeterministic(t *testing.T) {
	h1 := HashSource("vert A", "frag A", "")
	h2 := HashSource("vert A", "frag A", "")
	if h1 != h2 {
		t.Fatalf("HashSource() not deterministic: %v != %v", h1, h2)
	}
}

func TestHashSourceDistinguishesContent(t *testing.T) {
	h1 := HashSource("vert A", "frag A", "")
	h2 := HashSource("vert A", "frag B", "")
	if h1 == h2 {
		t.Fatal("HashSource() collided for different fragment sources")
	}
}

func TestExpandIncludesSingleLevel(t *testing.T) {
	reg := NewRegistry(mapSource{"common": "float foo() { return 1.0; }\n"})
	src := "#version 460\n#include \"common\"\nvoid main() {}\n"
	got, err := ExpandIncludes(src, reg)
	if err != nil {
		t.Fatal(err)
	}
	want := "#version 460\nfloat foo() { return 1.0; }\n\nvoid main() {}\n"
	if got != want {
		t.Fatalf("ExpandIncludes() = %q, want %q", got, want)
	}
}

func TestExpandIncludesDoesNotNest(t *testing.T) {
	// Includes do not nest: a snippet containing an #include directive
	// of its own is left as literal text.
	reg := NewRegistry(mapSource{
		"outer": "#include \"inner\"\n",
		"inner": "float bar() { return 2.0; }\n",
	})
	src := "#include \"outer\"\n"
	got, err := ExpandIncludes(src, reg)
	if err != nil {
		t.Fatal(err)
	}
	want := "#include \"inner\"\n\n"
	if got != want {
		t.Fatalf("ExpandIncludes() = %q, want literal inner #include preserved: %q", got, want)
	}
}

func TestExpandIncludesUnknownSnippet(t *testing.T) {
	reg := NewRegistry(mapSource{})
	_, err := ExpandIncludes("#include \"missing\"\n", reg)
	if err == nil {
		t.Fatal("expected error for unresolvable #include")
	}
}

func TestExpandIncludesNoDirectivesIsNoop(t *testing.T) {
	reg := NewRegistry(mapSource{})
	src := "void main() {}\n"
	got, err := ExpandIncludes(src, reg)
	if err != nil {
		t.Fatal(err)
	}
	if got != src {
		t.Fatalf("ExpandIncludes() = %q, want unchanged %q", got, src)
	}
}

// Preamble order is #version, then GLES, then binding support, then
// caller defines, in that fixed order.
func TestPreambleBuildOrder(t *testing.T) {
	p := Preamble{
		GLSLVersion:    "460 core",
		GLES:           true,
		BindingSupport: true,
		Defines:        map[string]string{"NUM_LANES": "4", "KERNEL": "3"},
	}
	want := "#version 460 core\n#define GLES\n#define BINDING_SUPPORT\n#define KERNEL 3\n#define NUM_LANES 4\n"
	if got := p.Build(); got != want {
		t.Fatalf("Build() = %q, want %q", got, want)
	}
}

func TestPreambleBuildDeterministicAcrossMapOrder(t *testing.T) {
	defines := map[string]string{"A": "1", "B": "2", "C": "3", "D": "4", "E": "5"}
	p := Preamble{GLSLVersion: "460 core", Defines: defines}
	want := p.Build()
	for i := 0; i < 10; i++ {
		if got := p.Build(); got != want {
			t.Fatalf("Build() not deterministic across calls: %q != %q", got, want)
		}
	}
}

func TestRegistryLoadCachesResolved(t *testing.T) {
	src := mapSource{"a": "code-a"}
	reg := NewRegistry(src)
	got, err := reg.Load("a")
	if err != nil || got != "code-a" {
		t.Fatalf("Load() = %q, %v", got, err)
	}
	delete(src, "a") // mutate backing source; registry must still serve the cached copy
	got2, err := reg.Load("a")
	if err != nil || got2 != "code-a" {
		t.Fatalf("Load() after source mutation = %q, %v, want cached %q", got2, err, "code-a")
	}
}

func TestRegistryTeardownClearsCache(t *testing.T) {
	src := mapSource{"a": "code-a"}
	reg := NewRegistry(src)
	reg.Load("a")
	reg.Teardown()
	delete(src, "a")
	_, err := reg.Load("a")
	if err == nil {
		t.Fatal("expected error after Teardown cleared the cache and source no longer has the snippet")
	}
}
