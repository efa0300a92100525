package head

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// graphEpsilon keeps log arguments positive inside the expression graph.
const graphEpsilon = 1e-12

// LossGraph is the loss of one head expressed as gorgonia nodes, for training
// loops that differentiate through it.
type LossGraph struct {
	Input *G.Node // Raw predictions, (batch, anchor, row, column, 5+classes).

	X     *G.Node
	Y     *G.Node
	W     *G.Node
	H     *G.Node
	Obj   *G.Node
	Cls   *G.Node
	Total *G.Node
}

// NewLossGraph adds the loss terms of ComputeLoss to g.
//
// Channel selection and the assignment masks are folded into constant
// tensors of the input's shape, so every position outside a term's mask is
// multiplied by zero and receives no gradient from that term. Log terms use
// a small epsilon instead of the clamp of ComputeLoss; both agree for
// predictions away from saturation.
//
// Arguments:
//   - g: The graph to extend.
//   - input: A Float32 node shaped like the raw predictions.
//   - targets: The output of BuildTargets for the batch bound to input.
//   - opts: Term weights, negative scale and mask mode.
//
// Returns:
//   - *LossGraph: The term nodes; Total is the scalar to differentiate.
//   - error: ErrShapeMismatch when input and targets disagree.
//
// Example:
//
// ```go
//
//	g := G.NewGraph()
//	input := G.NewTensor(g, tensor.Float32, 5, G.WithShape(raw.Shape()...), G.WithValue(raw))
//	lg, err := head.NewLossGraph(g, input, targets, opts)
//	grads, err := lg.Gradients()
//	vm := G.NewTapeMachine(g)
//	defer vm.Close()
//	err = vm.RunAll()
//	dInput := grads[0].Value()
//
// ```
func NewLossGraph(g *G.ExprGraph, input *G.Node, targets *Targets, opts LossOptions) (*LossGraph, error) {
	if targets == nil || targets.Positive == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "targets are nil")
	}
	grid := targets.Positive.Shape()
	classes := targets.Class.Shape()[4]
	attrs := 5 + classes
	shape := tensor.Shape{grid[0], grid[1], grid[2], grid[3], attrs}
	if !input.Shape().Eq(shape) || input.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrShapeMismatch, "input node is %v %v, targets need %v %v",
			input.Dtype(), input.Shape(), tensor.Float32, shape)
	}

	c := &graphConsts{g: g, shape: shape, size: shape.TotalSize()}
	pos, neg := bools(targets.Positive), bools(targets.Negative)

	positives, negatives := 0, 0
	for k := range pos {
		if pos[k] {
			positives++
		}
		if neg[k] {
			negatives++
		}
	}
	boxN, posN, negN := len(pos), len(pos), len(pos)
	if opts.MaskMode == MaskSelect {
		boxN, posN, negN = positives, positives, negatives
	}

	// Per-channel masks and targets over the full input shape.
	channel := func(ch int, mask []bool, values []float32) (m, t []float32) {
		m, t = make([]float32, c.size), make([]float32, c.size)
		for k, on := range mask {
			if !on {
				continue
			}
			m[k*attrs+ch] = 1
			if values != nil {
				t[k*attrs+ch] = values[k]
			} else {
				t[k*attrs+ch] = 1
			}
		}
		return m, t
	}

	lg := &LossGraph{Input: input}
	sig, err := G.Sigmoid(input)
	if err != nil {
		return nil, errors.Wrap(err, "sigmoid")
	}

	w := opts.Weights
	var buildErr error
	bceTerm := func(name string, ch int, mask []bool, values []float32, coef float32) *G.Node {
		if buildErr != nil {
			return nil
		}
		m, t := channel(ch, mask, values)
		var n *G.Node
		n, buildErr = c.bceSum(name, sig, m, t, coef)
		return n
	}
	mseTerm := func(name string, ch int, values []float32, coef float32) *G.Node {
		if buildErr != nil {
			return nil
		}
		m, t := channel(ch, pos, values)
		var n *G.Node
		n, buildErr = c.mseSum(name, input, m, t, coef)
		return n
	}

	lg.X = bceTerm("x", 0, pos, float32s(targets.TX), w.X/denominator(boxN))
	lg.Y = bceTerm("y", 1, pos, float32s(targets.TY), w.Y/denominator(boxN))
	lg.W = mseTerm("w", 2, float32s(targets.TW), w.W/denominator(boxN))
	lg.H = mseTerm("h", 3, float32s(targets.TH), w.H/denominator(boxN))

	objPos := bceTerm("obj_pos", 4, pos, nil, w.Obj/denominator(posN))
	zero := make([]float32, len(neg))
	objNeg := bceTerm("obj_neg", 4, neg, zero, w.Obj*opts.NoObjectScale/denominator(negN))

	cm, ct := make([]float32, c.size), make([]float32, c.size)
	cls := float32s(targets.Class)
	for k, on := range pos {
		if !on {
			continue
		}
		for j := 0; j < classes; j++ {
			cm[k*attrs+5+j] = 1
			ct[k*attrs+5+j] = cls[k*classes+j]
		}
	}
	if buildErr == nil {
		lg.Cls, buildErr = c.bceSum("cls", sig, cm, ct, w.Cls/denominator(positives*classes))
	}
	if buildErr != nil {
		return nil, buildErr
	}

	if lg.Obj, err = G.Add(objPos, objNeg); err != nil {
		return nil, errors.Wrap(err, "objectness term")
	}

	total := lg.X
	for _, term := range []*G.Node{lg.Y, lg.W, lg.H, lg.Obj, lg.Cls} {
		if total, err = G.Add(total, term); err != nil {
			return nil, errors.Wrap(err, "total loss")
		}
	}
	lg.Total = total

	return lg, nil
}

// Gradients adds the derivative of Total with respect to Input to the graph.
// Call it before building the machine that runs the graph.
func (lg *LossGraph) Gradients() (G.Nodes, error) {
	grads, err := G.Grad(lg.Total, lg.Input)
	if err != nil {
		return nil, errors.Wrap(err, "differentiate loss")
	}
	return grads, nil
}

// Losses reads the term values after the graph has run.
func (lg *LossGraph) Losses() (*Losses, error) {
	read := func(n *G.Node) (float32, error) {
		if n.Value() == nil {
			return 0, errors.Errorf("node %s has no value; run the graph first", n.Name())
		}
		v, ok := n.Value().Data().(float32)
		if !ok {
			return 0, errors.Errorf("node %s holds %T, expected float32", n.Name(), n.Value().Data())
		}
		return v, nil
	}

	var l Losses
	for _, term := range []struct {
		node *G.Node
		dst  *float32
	}{
		{lg.X, &l.X}, {lg.Y, &l.Y}, {lg.W, &l.W}, {lg.H, &l.H}, {lg.Obj, &l.Obj}, {lg.Cls, &l.Cls},
	} {
		v, err := read(term.node)
		if err != nil {
			return nil, err
		}
		*term.dst = v
	}
	return &l, nil
}

func denominator(n int) float32 {
	return float32(max(n, 1))
}

type graphConsts struct {
	g     *G.ExprGraph
	shape tensor.Shape
	size  int
}

func (c *graphConsts) constant(name string, data []float32) *G.Node {
	value := tensor.New(tensor.WithShape(c.shape...), tensor.WithBacking(data))
	return G.NewTensor(c.g, tensor.Float32, len(c.shape), G.WithShape(c.shape...), G.WithName(name), G.WithValue(value))
}

func (c *graphConsts) scalar(name string, v float32) *G.Node {
	return G.NewScalar(c.g, tensor.Float32, G.WithName(name), G.WithValue(v))
}

// bceSum returns coef * sum(BCE(p*mask, target)).
func (c *graphConsts) bceSum(name string, p *G.Node, mask, target []float32, coef float32) (*G.Node, error) {
	m := c.constant(name+"_mask", mask)
	t := c.constant(name+"_target", target)
	one := c.scalar(name+"_one", 1)
	eps := c.scalar(name+"_eps", graphEpsilon)

	wrap := func(err error, step string) error {
		return errors.Wrapf(err, "%s loss: %s", name, step)
	}

	pm, err := G.HadamardProd(p, m)
	if err != nil {
		return nil, wrap(err, "mask")
	}
	pe, err := G.Add(pm, eps)
	if err != nil {
		return nil, wrap(err, "p+eps")
	}
	logP, err := G.Log(pe)
	if err != nil {
		return nil, wrap(err, "log p")
	}
	q, err := G.Sub(one, pm)
	if err != nil {
		return nil, wrap(err, "1-p")
	}
	qe, err := G.Add(q, eps)
	if err != nil {
		return nil, wrap(err, "1-p+eps")
	}
	logQ, err := G.Log(qe)
	if err != nil {
		return nil, wrap(err, "log 1-p")
	}
	tc, err := G.Sub(one, t)
	if err != nil {
		return nil, wrap(err, "1-t")
	}
	a, err := G.HadamardProd(t, logP)
	if err != nil {
		return nil, wrap(err, "t*log p")
	}
	b, err := G.HadamardProd(tc, logQ)
	if err != nil {
		return nil, wrap(err, "(1-t)*log(1-p)")
	}
	ab, err := G.Add(a, b)
	if err != nil {
		return nil, wrap(err, "sum logs")
	}
	return c.reduce(name, ab, -coef)
}

// mseSum returns coef * sum((x*mask - target)^2).
func (c *graphConsts) mseSum(name string, x *G.Node, mask, target []float32, coef float32) (*G.Node, error) {
	m := c.constant(name+"_mask", mask)
	t := c.constant(name+"_target", target)

	xm, err := G.HadamardProd(x, m)
	if err != nil {
		return nil, errors.Wrapf(err, "%s loss: mask", name)
	}
	diff, err := G.Sub(xm, t)
	if err != nil {
		return nil, errors.Wrapf(err, "%s loss: difference", name)
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, errors.Wrapf(err, "%s loss: square", name)
	}
	return c.reduce(name, sq, coef)
}

func (c *graphConsts) reduce(name string, n *G.Node, coef float32) (*G.Node, error) {
	sum, err := G.Sum(n)
	if err != nil {
		return nil, errors.Wrapf(err, "%s loss: sum", name)
	}
	out, err := G.Mul(c.scalar(name+"_coef", coef), sum)
	if err != nil {
		return nil, errors.Wrapf(err, "%s loss: scale", name)
	}
	return out, nil
}
