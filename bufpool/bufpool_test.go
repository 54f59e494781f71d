package bufpool

import (
	"testing"

	"github.com/soypat/tessera/tensor"
)

func mkSpec(w, h int) tensor.BufferSpec {
	sf, gf := tensor.FormatByChannels(4, tensor.FLOAT16)
	return *tensor.NewBufferSpec(0, 0, w, h, sf, gf, tensor.FLOAT16, tensor.FnDst)
}

// TestAcquireReusesFreeCompatibleEntry exercises the pool's reuse path
// by pre-seeding a free entry directly, avoiding the GL
// allocation path a brand-new Acquire would take.
func TestAcquireReusesFreeCompatibleEntry(t *testing.T) {
	var p Pool
	spec := mkSpec(16, 16)
	p.entries = append(p.entries, entry{spec: spec, owner: -1})

	h, err := p.Acquire(spec, 3)
	if err != nil {
		t.Fatal(err)
	}
	if h != 1 {
		t.Fatalf("Acquire() reused handle = %d, want 1 (the pre-seeded entry)", h)
	}
	if p.entries[0].owner != 3 {
		t.Fatalf("entries[0].owner = %d, want 3", p.entries[0].owner)
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (no new allocation)", p.Len())
	}
}

func TestAcquireSkipsLockedEntry(t *testing.T) {
	var p Pool
	spec := mkSpec(16, 16)
	p.entries = append(p.entries, entry{spec: spec, owner: -1, locked: true})

	// Locked entries are never matched by Acquire even when free: the
	// Lock flag exempts a buffer from pool reuse. Acquire falls
	// through to allocation, which needs real GL — so we only assert the
	// locked entry itself was not claimed by inspecting entries length
	// growth expectations via a second pre-seeded free, unlocked,
	// compatible entry that must be preferred instead.
	p.entries = append(p.entries, entry{spec: spec, owner: -1})

	h, err := p.Acquire(spec, 3)
	if err != nil {
		t.Fatal(err)
	}
	if h != 2 {
		t.Fatalf("Acquire() = %d, want 2 (the unlocked free entry, not the locked one)", h)
	}
	if p.entries[0].owner != -1 {
		t.Fatal("locked entry's owner must remain unclaimed")
	}
}

func TestAcquireSkipsIncompatibleEntry(t *testing.T) {
	var p Pool
	spec := mkSpec(16, 16)
	other := mkSpec(32, 32)
	p.entries = append(p.entries, entry{spec: other, owner: -1})
	p.entries = append(p.entries, entry{spec: spec, owner: -1})

	h, err := p.Acquire(spec, 1)
	if err != nil {
		t.Fatal(err)
	}
	if h != 2 {
		t.Fatalf("Acquire() = %d, want 2 (the compatible entry, not the mismatched-size one)", h)
	}
}

func TestAcquireRejectsPassThrough(t *testing.T) {
	var p Pool
	spec := mkSpec(16, 16)
	spec.PassThrough = true
	_, err := p.Acquire(spec, 1)
	if err == nil {
		t.Fatal("expected error: PassThrough specs must not be pool-managed")
	}
}

func TestReleaseLockedFails(t *testing.T) {
	var p Pool
	p.entries = append(p.entries, entry{owner: 1, locked: true})
	if err := p.Release(1); err == nil {
		t.Fatal("expected error releasing a locked handle")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	var p Pool
	spec := mkSpec(8, 8)
	p.entries = append(p.entries, entry{spec: spec, owner: 2})
	if err := p.Release(1); err != nil {
		t.Fatal(err)
	}
	if p.entries[0].owner != -1 {
		t.Fatalf("owner after Release = %d, want -1", p.entries[0].owner)
	}
	h, err := p.Acquire(spec, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h != 1 {
		t.Fatalf("Acquire() after Release = %d, want 1 (reused)", h)
	}
}

func TestGetUnknownHandle(t *testing.T) {
	var p Pool
	if _, err := p.get(Handle(99)); err != errNotFound {
		t.Fatalf("get() unknown handle error = %v, want errNotFound", err)
	}
}

func TestSpecCompatibleIgnoresUsagePortTile(t *testing.T) {
	a := mkSpec(16, 16)
	b := mkSpec(16, 16)
	a.Usage = tensor.FnSrc
	b.Usage = tensor.FnDst
	a.Port = 0
	b.Port = 1
	a.ChannelTile = 0
	b.ChannelTile = 3
	if !a.Compatible(&b) {
		t.Fatal("Compatible() must ignore Usage, Port, and ChannelTile")
	}
}

func TestSpecIncompatibleOnFormat(t *testing.T) {
	a := mkSpec(16, 16)
	b := mkSpec(16, 16)
	b.TensorFormat = tensor.Deep
	if a.Compatible(&b) {
		t.Fatal("Compatible() must distinguish tensor format")
	}
}
