package perfmodel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
)

type gpOp int

const (
	opConst gpOp = iota
	opVar
	opAdd
	opSub
	opMul
	opDiv
)

var gpFuncNames = map[gpOp]string{opAdd: "add", opSub: "sub", opMul: "mul", opDiv: "pdiv"}

// Expression leaves, indices into the evaluation input.
const (
	varCPU = iota
	varMemory
	varWorkers
	numVars
)

var gpVarNames = [numVars]string{"cpu", "memory", "workers"}

// node is one vertex of a GP expression tree.
type node struct {
	op          gpOp
	value       float64
	variable    int
	left, right *node
}

func (n *node) isLeaf() bool { return n.op == opConst || n.op == opVar }

func (n *node) eval(x [numVars]float64) float64 {
	switch n.op {
	case opConst:
		return n.value
	case opVar:
		return x[n.variable]
	}
	a, b := n.left.eval(x), n.right.eval(x)
	switch n.op {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	case opMul:
		return a * b
	default:
		// Protected division.
		if math.Abs(b) < 1e-6 {
			return 1
		}
		return a / b
	}
}

func (n *node) height() int {
	if n.isLeaf() {
		return 0
	}
	return 1 + max(n.left.height(), n.right.height())
}

func (n *node) clone() *node {
	c := *n
	if !n.isLeaf() {
		c.left, c.right = n.left.clone(), n.right.clone()
	}
	return &c
}

// walk returns every node in prefix order.
func (n *node) walk(out []*node) []*node {
	out = append(out, n)
	if !n.isLeaf() {
		out = n.left.walk(out)
		out = n.right.walk(out)
	}
	return out
}

// consts returns the ephemeral constants in prefix order.
func (n *node) consts() []float64 {
	var out []float64
	for _, v := range n.walk(nil) {
		if v.op == opConst {
			out = append(out, v.value)
		}
	}
	return out
}

// String renders the tree in prefix notation, e.g. add(mul(cpu, 2.5), pdiv(1200, workers)).
func (n *node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *node) write(b *strings.Builder) {
	switch n.op {
	case opConst:
		b.WriteString(strconv.FormatFloat(n.value, 'g', -1, 64))
	case opVar:
		b.WriteString(gpVarNames[n.variable])
	default:
		b.WriteString(gpFuncNames[n.op])
		b.WriteByte('(')
		n.left.write(b)
		b.WriteString(", ")
		n.right.write(b)
		b.WriteByte(')')
	}
}

// parseExpr parses the prefix notation written by String.
func parseExpr(s string) (*node, error) {
	p := &exprParser{src: s}
	n, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("trailing input at %d in %q", p.pos, s)
	}
	return n, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at %d in %q", c, p.pos, p.src)
	}
	p.pos++
	return nil
}

func (p *exprParser) parse() (*node, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("(), ", rune(p.src[p.pos])) {
		p.pos++
	}
	tok := p.src[start:p.pos]
	if tok == "" {
		return nil, fmt.Errorf("empty token at %d in %q", start, p.src)
	}
	for i, name := range gpVarNames {
		if tok == name {
			return &node{op: opVar, variable: i}, nil
		}
	}
	for op, name := range gpFuncNames {
		if tok != name {
			continue
		}
		if err := p.expect('('); err != nil {
			return nil, err
		}
		left, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		right, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &node{op: op, left: left, right: right}, nil
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("unknown token %q", tok)
	}
	return &node{op: opConst, value: v}, nil
}

// treeBuilder grows random trees for a GP run.
type treeBuilder struct {
	rng        *rand.Rand
	constRange float64
}

func (tb treeBuilder) leaf() *node {
	// Variables and constants are equally likely.
	if tb.rng.Intn(2) == 0 {
		return &node{op: opVar, variable: tb.rng.Intn(numVars)}
	}
	return &node{op: opConst, value: (tb.rng.Float64()*2 - 1) * tb.constRange}
}

func (tb treeBuilder) function() gpOp {
	return opAdd + gpOp(tb.rng.Intn(4))
}

// grow builds a tree of height at most depth. full forces every branch to
// reach depth.
func (tb treeBuilder) grow(depth int, full bool) *node {
	if depth == 0 || (!full && tb.rng.Float64() < 0.3) {
		return tb.leaf()
	}
	return &node{
		op:    tb.function(),
		left:  tb.grow(depth-1, full),
		right: tb.grow(depth-1, full),
	}
}

// rampedHalfAndHalf builds size trees with heights spread over [2, maxDepth],
// alternating full and grow construction.
func (tb treeBuilder) rampedHalfAndHalf(size, maxDepth int) []*node {
	if maxDepth < 2 {
		maxDepth = 2
	}
	out := make([]*node, size)
	span := maxDepth - 1
	for i := range out {
		depth := 2 + i%span
		out[i] = tb.grow(depth, i%2 == 0)
	}
	return out
}

// crossover replaces a random subtree of a copy of a with a random subtree
// of b. The parent is returned unchanged if the child grows past maxHeight.
func (tb treeBuilder) crossover(a, b *node, maxHeight int) *node {
	child := a.clone()
	targets := child.walk(nil)
	donors := b.walk(nil)
	target := targets[tb.rng.Intn(len(targets))]
	*target = *donors[tb.rng.Intn(len(donors))].clone()
	if child.height() > maxHeight {
		return a.clone()
	}
	return child
}

// mutate applies subtree mutation or, half the time, point mutation.
func (tb treeBuilder) mutate(a *node, maxHeight int) *node {
	child := a.clone()
	nodes := child.walk(nil)
	target := nodes[tb.rng.Intn(len(nodes))]
	if tb.rng.Intn(2) == 0 {
		*target = *tb.grow(3, false)
	} else if target.isLeaf() {
		*target = *tb.leaf()
	} else {
		target.op = tb.function()
	}
	if child.height() > maxHeight {
		return a.clone()
	}
	return child
}
