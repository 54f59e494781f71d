package factory

import (
	"errors"
	"testing"

	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/layer/concat"
	"github.com/soypat/tessera/layer/conv"
)

func TestNewDispatchesShallowConv(t *testing.T) {
	b := conv.ShallowBuilder{
		Name: "conv0", Kernel: 3, InChannels: 8, OutChannels: 4,
		Width: 16, Height: 16,
	}
	l, err := New(1, ShallowConv, "conv0", b)
	if err != nil {
		t.Fatal(err)
	}
	if l == nil {
		t.Fatal("New() returned nil layer with nil error")
	}
	if _, ok := l.(*conv.Shallow); !ok {
		t.Fatalf("New(ShallowConv, ...) returned %T, want *conv.Shallow", l)
	}
}

func TestNewDispatchesConcat(t *testing.T) {
	b := concat.Builder{
		Name: "cat0", Width: 16, Height: 16,
		Ports: []concat.Port{{Channels: 4}, {Channels: 4}},
	}
	l, err := New(2, Concat, "cat0", b)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*concat.Concat); !ok {
		t.Fatalf("New(Concat, ...) returned %T, want *concat.Concat", l)
	}
}

func TestNewRejectsMismatchedBuilder(t *testing.T) {
	// ShallowConv requires conv.ShallowBuilder; handing it a concat.Builder
	// must fail as *layer.Error(InvalidBuilder), never panic.
	_, err := New(1, ShallowConv, "conv0", concat.Builder{})
	var layerErr *layer.Error
	if !errors.As(err, &layerErr) {
		t.Fatalf("New() with mismatched builder = %v, want a *layer.Error", err)
	}
	if layerErr.Kind != layer.InvalidBuilder {
		t.Fatalf("New() error kind = %v, want InvalidBuilder", layerErr.Kind)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(1, Kind(9999), "mystery", nil)
	var layerErr *layer.Error
	if !errors.As(err, &layerErr) || layerErr.Kind != layer.InvalidBuilder {
		t.Fatalf("New() with unknown kind = %v, want *layer.Error{Kind: InvalidBuilder}", err)
	}
}

func TestNewPropagatesBuilderValidationError(t *testing.T) {
	// Even kernel sizes are rejected by conv.NewShallow itself; the factory must surface that error, not swallow it.
	b := conv.ShallowBuilder{Name: "bad", Kernel: 4, InChannels: 4, OutChannels: 4, Width: 8, Height: 8}
	_, err := New(1, ShallowConv, "bad", b)
	if err == nil {
		t.Fatal("expected error for even kernel size")
	}
}
