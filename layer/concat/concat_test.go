package concat

import "testing"

// For a concatenation of inputs (C_0..C_n) into output C_out,
// C_out = Sigma C_i.
func TestOutChannels(t *testing.T) {
	b := Builder{
		Name: "concat0", Width: 16, Height: 16,
		Ports: []Port{{Channels: 4}, {Channels: 4}, {Channels: 12}},
	}
	c, err := New(1, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.OutChannels(); got != 20 {
		t.Fatalf("OutChannels() = %d, want 20", got)
	}
	if !c.fastPath {
		t.Fatal("expected fast path for (4,4,12) -> all multiples of 4")
	}
}

// Channel counts (3, 5, 8) -> 16 force the slow path.
func TestSlowPath(t *testing.T) {
	b := Builder{
		Name: "concat1", Width: 16, Height: 16,
		Ports: []Port{{Channels: 3}, {Channels: 5}, {Channels: 8}},
	}
	c, err := New(1, b)
	if err != nil {
		t.Fatal(err)
	}
	if c.fastPath {
		t.Fatal("expected slow path for non-multiple-of-4 port")
	}
	if got := c.OutChannels(); got != 16 {
		t.Fatalf("OutChannels() = %d, want 16", got)
	}
	if got := c.outTiles; got != 4 {
		t.Fatalf("outTiles = %d, want 4", got)
	}
}

// Ports (3, 5, 8) start at output channels 0, 3 and 8: the aligned ports
// share the shift-0 shader and the misaligned one needs the two-texture
// shift-1 variant.
func TestConsolidationPlanKeys(t *testing.T) {
	b := Builder{
		Name: "concat3", Width: 8, Height: 8,
		Ports: []Port{{Channels: 3}, {Channels: 5}, {Channels: 8}},
	}
	c, err := New(1, b)
	if err != nil {
		t.Fatal(err)
	}
	plan := c.consolidationPlan()
	want := [][3]int{{1, 0, 4}, {2, 1, 4}}
	if len(plan) != len(want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("plan[%d] = %v, want %v", i, plan[i], want[i])
		}
	}
}

func TestMixedActivationRejected(t *testing.T) {
	b := Builder{
		Name: "concat2", Width: 16, Height: 16,
		Ports: []Port{{Channels: 4}, {Channels: 4, Activation: 1}},
	}
	_, err := New(1, b)
	if err == nil {
		t.Fatal("expected mixed-activation construction to fail")
	}
}
