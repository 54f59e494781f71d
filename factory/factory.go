// Package factory dispatches layer construction by kind, the way a real
// network loader does.
//
// New switches on a Kind enum and type-switches the generic builder value
// to the concrete builder each layer kind expects.
package factory

import (
	"fmt"

	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/layer/activation"
	"github.com/soypat/tessera/layer/arith"
	"github.com/soypat/tessera/layer/attention"
	"github.com/soypat/tessera/layer/batchnorm"
	"github.com/soypat/tessera/layer/concat"
	"github.com/soypat/tessera/layer/conv"
	"github.com/soypat/tessera/layer/convert"
	"github.com/soypat/tessera/layer/nms"
	"github.com/soypat/tessera/layer/pool"
	"github.com/soypat/tessera/layer/sequence"
)

// Kind is the closed set of layer kinds the factory knows how to build.
type Kind int

const (
	ShallowConv Kind = iota
	DeepConv
	TransposeConv
	GEMM
	ExtractPatches
	Blur
	Concat
	Deep2Shallow
	Shallow2Deep
	RGB2BGR
	Cast
	Pooling
	ArgMax
	NonMaxSuppression
	Activation
	Arith
	BatchNorm
	Attention
	Embedding
	Scoring
)

// LayerCompiler is what every layer kind the factory returns satisfies:
// the full construction/forward lifecycle plus the shader/buffer-pool
// wiring hooks the engine drives before Setup.
type LayerCompiler interface {
	layer.Layer
	layer.Compiler
}

// New builds the layer of the given kind, number layerNumber, from
// builder. builder must be the concrete Builder type the kind expects
// (e.g. Kind == ShallowConv requires a conv.ShallowBuilder); a mismatch
// is an *layer.Error of kind InvalidBuilder, not a panic, since builder
// shapes come from parsed network configuration rather than compile-time
// constants.
func New(layerNumber int, kind Kind, name string, builder any) (LayerCompiler, error) {
	switch kind {
	case ShallowConv:
		b, ok := builder.(conv.ShallowBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.ShallowBuilder", builder)
		}
		return conv.NewShallow(layerNumber, b)
	case DeepConv:
		b, ok := builder.(conv.DeepBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.DeepBuilder", builder)
		}
		return conv.NewDeep(layerNumber, b)
	case TransposeConv:
		b, ok := builder.(conv.TransposeBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.TransposeBuilder", builder)
		}
		return conv.NewTranspose(layerNumber, b)
	case GEMM:
		b, ok := builder.(conv.GEMMBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.GEMMBuilder", builder)
		}
		return conv.NewGEMM(layerNumber, b)
	case ExtractPatches:
		b, ok := builder.(conv.ExtractPatchesBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.ExtractPatchesBuilder", builder)
		}
		return conv.NewExtractPatches(layerNumber, b)
	case Blur:
		b, ok := builder.(conv.BlurBuilder)
		if !ok {
			return nil, badBuilder(name, "conv.BlurBuilder", builder)
		}
		return conv.NewBlur(layerNumber, b)
	case Concat:
		b, ok := builder.(concat.Builder)
		if !ok {
			return nil, badBuilder(name, "concat.Builder", builder)
		}
		return concat.New(layerNumber, b)
	case Deep2Shallow:
		b, ok := builder.(convert.LayoutBuilder)
		if !ok {
			return nil, badBuilder(name, "convert.LayoutBuilder", builder)
		}
		b.ToDeep = false
		return convert.NewLayout(layerNumber, b)
	case Shallow2Deep:
		b, ok := builder.(convert.LayoutBuilder)
		if !ok {
			return nil, badBuilder(name, "convert.LayoutBuilder", builder)
		}
		b.ToDeep = true
		return convert.NewLayout(layerNumber, b)
	case RGB2BGR:
		b, ok := builder.(convert.SwizzleBuilder)
		if !ok {
			return nil, badBuilder(name, "convert.SwizzleBuilder", builder)
		}
		b.Mode = convert.RGB2BGR
		return convert.NewSwizzle(layerNumber, b)
	case Cast:
		b, ok := builder.(convert.SwizzleBuilder)
		if !ok {
			return nil, badBuilder(name, "convert.SwizzleBuilder", builder)
		}
		b.Mode = convert.Cast
		return convert.NewSwizzle(layerNumber, b)
	case Pooling:
		b, ok := builder.(pool.Builder)
		if !ok {
			return nil, badBuilder(name, "pool.Builder", builder)
		}
		return pool.New(layerNumber, b)
	case ArgMax:
		b, ok := builder.(pool.ArgMaxBuilder)
		if !ok {
			return nil, badBuilder(name, "pool.ArgMaxBuilder", builder)
		}
		return pool.NewArgMax(layerNumber, b)
	case NonMaxSuppression:
		b, ok := builder.(nms.Builder)
		if !ok {
			return nil, badBuilder(name, "nms.Builder", builder)
		}
		return nms.New(layerNumber, b)
	case Activation:
		b, ok := builder.(activation.Builder)
		if !ok {
			return nil, badBuilder(name, "activation.Builder", builder)
		}
		return activation.New(layerNumber, b)
	case Arith:
		b, ok := builder.(arith.Builder)
		if !ok {
			return nil, badBuilder(name, "arith.Builder", builder)
		}
		return arith.New(layerNumber, b)
	case BatchNorm:
		b, ok := builder.(batchnorm.Builder)
		if !ok {
			return nil, badBuilder(name, "batchnorm.Builder", builder)
		}
		return batchnorm.New(layerNumber, b)
	case Attention:
		b, ok := builder.(attention.Builder)
		if !ok {
			return nil, badBuilder(name, "attention.Builder", builder)
		}
		return attention.New(layerNumber, b)
	case Embedding:
		b, ok := builder.(sequence.EmbeddingBuilder)
		if !ok {
			return nil, badBuilder(name, "sequence.EmbeddingBuilder", builder)
		}
		return sequence.NewEmbedding(layerNumber, b)
	case Scoring:
		b, ok := builder.(sequence.ScoringBuilder)
		if !ok {
			return nil, badBuilder(name, "sequence.ScoringBuilder", builder)
		}
		return sequence.NewScoring(layerNumber, b)
	default:
		return nil, layer.NewError(layer.InvalidBuilder, name, fmt.Errorf("factory: unknown layer kind %d", kind))
	}
}

func badBuilder(name, want string, got any) error {
	return layer.NewError(layer.InvalidBuilder, name, fmt.Errorf("factory: expected %s, got %T", want, got))
}
