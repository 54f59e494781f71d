package ms2

import "testing"

func TestNewBoxCanonicalizesSides(t *testing.T) {
	b := NewBox(1, 1, -1, -1)
	if b.Min != (Vec{X: -1, Y: -1}) || b.Max != (Vec{X: 1, Y: 1}) {
		t.Fatalf("NewBox did not canonicalize: %+v", b)
	}
}

func TestBoxSizeAndCenter(t *testing.T) {
	b := NewBox(0, 0, 4, 2)
	if sz := b.Size(); sz != (Vec{X: 4, Y: 2}) {
		t.Fatalf("Size() = %+v, want {4,2}", sz)
	}
	if c := b.Center(); c != (Vec{X: 2, Y: 1}) {
		t.Fatalf("Center() = %+v, want {2,1}", c)
	}
}

func TestBoxContains(t *testing.T) {
	b := NewBox(0, 0, 1, 1)
	if !b.Contains(Vec{X: 0.5, Y: 0.5}) {
		t.Fatal("expected box to contain its center")
	}
	if b.Contains(Vec{X: 1.5, Y: 0.5}) {
		t.Fatal("expected box not to contain point outside its extent")
	}
}

func TestBoxUnionAndIntersect(t *testing.T) {
	a := NewBox(0, 0, 1, 1)
	b := NewBox(0.5, 0.5, 2, 2)
	u := a.Union(b)
	if u.Min != (Vec{}) || u.Max != (Vec{X: 2, Y: 2}) {
		t.Fatalf("Union() = %+v, want [0,0]-[2,2]", u)
	}
	i := a.Intersect(b)
	if i.Min != (Vec{X: 0.5, Y: 0.5}) || i.Max != (Vec{X: 1, Y: 1}) {
		t.Fatalf("Intersect() = %+v, want [0.5,0.5]-[1,1]", i)
	}
}
