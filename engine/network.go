// Package engine implements the network scheduler:
// an ordered layer list that drives Setup, repeated Forward, and teardown,
// carrying an opaque sequence number and a persistent-state token through
// every call. It owns the buffer pool for the network's lifetime and wires
// each layer's declared buffer-specs to its upstream producers' already-
// bound output handles, so individual layer packages never need to know
// about their neighbours.
//
// The network is a DAG driven in single-threaded issue order. Residual
// connections are a second input port on the consuming layer, never a
// back-edge.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/soypat/tessera/bufpool"
	"github.com/soypat/tessera/layer"
	"github.com/soypat/tessera/shaderreg"
	"github.com/soypat/tessera/tensor"
)

// InputRef names the upstream producer feeding one input port of a Node.
// Node is an index into Network.Nodes and must be strictly less than the
// consuming node's own index: the network is a DAG, issued in topological
// (here: slice) order.
type InputRef struct {
	Node int
	Port int
}

// Node is one entry in the network's ordered layer list: the layer itself
// (which must also implement layer.Compiler, as every concrete type under
// layer/* does) plus a human-readable name for diagnostics and the list of
// upstream producers feeding its input ports in order. A root node (an
// upload layer with zero input ports) has a nil or empty
// Inputs.
type Node struct {
	Layer  layer.Layer
	Name   string
	Inputs []InputRef
}

// boundOutput pairs an acquired handle with the spec that produced it, so
// Network can decide at release time whether the handle is pool-managed at
// all (pass-through, locked and async specs never are).
type boundOutput struct {
	handle bufpool.Handle
	spec   tensor.BufferSpec
}

// Network schedules setup, forward, and teardown across an ordered layer
// list. A zero Network is not usable; build one with New.
type Network struct {
	nodes    []Node
	pool     *bufpool.Pool
	cache    *shaderreg.Cache
	preamble shaderreg.Preamble
	source   shaderreg.Source
	log      *slog.Logger

	outputs      [][]boundOutput
	lastConsumer []int
	seq          uint64
}

// New builds a Network from nodes, in the fixed order they will be set up,
// forwarded, and torn down. cache is the process-wide, context-scoped
// shader/program cache; preamble and source are passed to
// every node's SetupShaders call unchanged. log receives per-node setup
// and teardown diagnostics at Debug level; a nil log uses slog.Default.
func New(nodes []Node, cache *shaderreg.Cache, preamble shaderreg.Preamble, source shaderreg.Source, log *slog.Logger) *Network {
	if log == nil {
		log = slog.Default()
	}
	return &Network{
		nodes:    nodes,
		pool:     &bufpool.Pool{},
		cache:    cache,
		preamble: preamble,
		source:   source,
		log:      log,
	}
}

// Pool returns the buffer pool backing this network, for callers that need
// to inspect pooled texture counts or resolve a handle to its gfx.Texture
// directly.
func (n *Network) Pool() *bufpool.Pool { return n.pool }

// NodeOutputs returns the output buffer handles bound to the node named
// name after Setup, in port order. Used by an embedding application to
// locate an upload layer's destination handle or a download layer's source
// handle. Returns nil if name is unknown or Setup has not
// run.
func (n *Network) NodeOutputs(name string) []bufpool.Handle {
	for i, node := range n.nodes {
		if node.Name == name && i < len(n.outputs) {
			out := make([]bufpool.Handle, len(n.outputs[i]))
			for p, bo := range n.outputs[i] {
				out[p] = bo.handle
			}
			return out
		}
	}
	return nil
}

// validate checks every InputRef points strictly upstream, so Setup never
// has to special-case a forward or self reference mid-loop.
func (n *Network) validate() error {
	for i, node := range n.nodes {
		for _, ref := range node.Inputs {
			if ref.Node < 0 || ref.Node >= i {
				return fmt.Errorf("engine: node %d (%q) input references node %d, which is not strictly upstream — network must be a DAG in issue order", i, node.Name, ref.Node)
			}
		}
	}
	return nil
}

// Setup calls Setup on each node's layer in order. For
// each node it compiles shaders via SetupShaders, wires the buffer pool via
// SetupContext, resolves input handles from upstream nodes' already-bound
// outputs, acquires (or passes through) output handles from the pool, and
// finally calls the layer's own Setup. Once a node's outputs are no longer
// referenced by any later node, their buffers are released back to the
// pool immediately, matching bufpool's dependency-order reuse contract.
func (n *Network) Setup() error {
	if err := n.validate(); err != nil {
		return err
	}
	n.lastConsumer = make([]int, len(n.nodes))
	for i := range n.lastConsumer {
		n.lastConsumer[i] = -1
	}
	for i, node := range n.nodes {
		for _, ref := range node.Inputs {
			if i > n.lastConsumer[ref.Node] {
				n.lastConsumer[ref.Node] = i
			}
		}
	}

	n.outputs = make([][]boundOutput, len(n.nodes))
	for i := range n.nodes {
		node := &n.nodes[i]
		compiler, ok := node.Layer.(layer.Compiler)
		if !ok {
			return fmt.Errorf("engine: node %d (%q): layer %T does not implement layer.Compiler", i, node.Name, node.Layer)
		}
		if err := compiler.SetupShaders(n.cache, n.preamble, n.source); err != nil {
			return fmt.Errorf("engine: node %d (%q): setup shaders: %w", i, node.Name, err)
		}
		compiler.SetupContext(n.pool)

		inputs, err := n.resolveInputs(i, node)
		if err != nil {
			return err
		}

		outputs, bound, err := n.acquireOutputs(i, node, inputs)
		if err != nil {
			return err
		}

		if err := node.Layer.Setup(inputs, outputs); err != nil {
			return fmt.Errorf("engine: node %d (%q): %w", i, node.Name, err)
		}
		n.outputs[i] = bound
		n.log.Debug("layer setup", slog.Int("index", i), slog.String("node", node.Name))

		n.releaseExhausted(i)
	}
	return nil
}

func (n *Network) resolveInputs(i int, node *Node) ([]bufpool.Handle, error) {
	inputs := make([]bufpool.Handle, len(node.Inputs))
	for p, ref := range node.Inputs {
		upstream := n.outputs[ref.Node]
		if ref.Port < 0 || ref.Port >= len(upstream) {
			return nil, fmt.Errorf("engine: node %d (%q): input port %d references node %d output port %d, which does not exist", i, node.Name, p, ref.Node, ref.Port)
		}
		inputs[p] = upstream[ref.Port].handle
	}
	return inputs, nil
}

func (n *Network) acquireOutputs(i int, node *Node, inputs []bufpool.Handle) ([]bufpool.Handle, []boundOutput, error) {
	specs := node.Layer.OutputSpecs()
	outputs := make([]bufpool.Handle, len(specs))
	bound := make([]boundOutput, len(specs))
	for p, spec := range specs {
		if spec.PassThrough {
			if p >= len(inputs) {
				return nil, nil, fmt.Errorf("engine: node %d (%q): pass-through output port %d has no matching input port", i, node.Name, p)
			}
			outputs[p] = inputs[p]
			bound[p] = boundOutput{handle: inputs[p], spec: spec}
			continue
		}
		h, err := n.pool.Acquire(spec, i)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: node %d (%q): acquiring output port %d: %w", i, node.Name, p, err)
		}
		outputs[p] = h
		bound[p] = boundOutput{handle: h, spec: spec}
	}
	return outputs, bound, nil
}

// releaseExhausted returns to the pool every earlier node's output buffer
// whose last consumer is exactly the node just set up, skipping
// pass-through, locked, and async buffers, which are never pool-managed.
func (n *Network) releaseExhausted(current int) {
	for j := 0; j < current; j++ {
		if n.lastConsumer[j] != current {
			continue
		}
		for _, bo := range n.outputs[j] {
			if bo.spec.PassThrough || bo.spec.Lock || bo.spec.Async {
				continue
			}
			if err := n.pool.Release(bo.handle); err != nil {
				n.log.Debug("buffer release skipped", slog.Int("producer", j), slog.String("err", err.Error()))
			}
		}
	}
}

// NextSequence returns a monotonically increasing sequence number for use
// as Forward's sequenceNo argument. The number is opaque to the engine;
// it exists only so upload/download layers can correlate
// pipelined work across the shared secondary GL context.
func (n *Network) NextSequence() uint64 {
	n.seq++
	return n.seq
}

// NewStateToken mints a process-unique session key suitable for Forward's
// stateToken argument, for callers that want incremental-decode K/V-cache
// persistence keyed by something stronger than a bare
// integer they must track themselves.
func NewStateToken() string {
	return uuid.New().String()
}

// Forward calls Forward on each layer in order, passing the same
// sequenceNo and stateToken to every node. Issue order
// equals node order; there is no speculative execution and no branch.
// The first error aborts the call and is returned to
// the caller unwrapped of layer-specific detail beyond node identification
// — the engine does not attempt recovery.
func (n *Network) Forward(sequenceNo uint64, stateToken string) error {
	for i := range n.nodes {
		if err := n.nodes[i].Layer.Forward(sequenceNo, stateToken); err != nil {
			return fmt.Errorf("engine: node %d (%q): %w", i, n.nodes[i].Name, err)
		}
	}
	return nil
}

// Cleanup releases every GFX resource the network's layers and buffer pool
// hold, in the same order Setup ran. Safe to call after a partial Setup
// failure, since every concrete layer's Cleanup is idempotent.
// The shader/program cache is context-scoped and outlives any one network,
// so Cleanup does not tear it down — call Cache.Teardown separately when
// the owning GL context itself is destroyed.
func (n *Network) Cleanup() {
	for i := range n.nodes {
		n.nodes[i].Layer.Cleanup()
	}
	n.pool.Teardown()
	n.log.Debug("network cleanup complete", slog.Int("nodes", len(n.nodes)))
}
