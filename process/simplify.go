package process

// Simplify removes pass-through structure from g until none is left:
// junctions with a single incoming and a single outgoing edge, and links
// between two plain edges. The remaining junctions are labelled fork, join
// or mixed. It returns the number of vertices removed.
func Simplify(g *Graph) int {
	removed := 0
	for {
		n := collapseJunctions(g) + collapseLinks(g)
		if n == 0 {
			break
		}
		removed += n
	}
	labelJunctions(g)
	return removed
}

// collapseJunctions replaces every junction with one incoming and one
// outgoing edge by a direct edge. The inbound condition wins when both edges
// carry one.
func collapseJunctions(g *Graph) int {
	removed := 0
	for _, v := range g.VerticesOf(KindJunction) {
		in, out := g.Incoming(v.ID), g.Outgoing(v.ID)
		if len(in) != 1 || len(out) != 1 {
			continue
		}
		cond := in[0].Condition
		if cond == CondNone {
			cond = out[0].Condition
		}
		bypass(g, v, in[0], out[0], cond)
		removed++
	}
	return removed
}

// collapseLinks merges A -> link -> B into A -> B when the two edges do not
// carry conflicting conditions.
func collapseLinks(g *Graph) int {
	removed := 0
	for _, v := range g.VerticesOf(KindLink) {
		in, out := g.Incoming(v.ID), g.Outgoing(v.ID)
		if len(in) != 1 || len(out) != 1 {
			continue
		}
		a, b := in[0].Condition, out[0].Condition
		if a != CondNone && b != CondNone && a != b {
			continue
		}
		cond := a
		if cond == CondNone {
			cond = b
		}
		bypass(g, v, in[0], out[0], cond)
		removed++
	}
	return removed
}

func bypass(g *Graph, v *Vertex, in, out *Edge, cond Condition) {
	g.removeEdges(in, out)
	g.removeVertex(v.ID)
	g.addEdge(in.From, out.To, cond)
}

func labelJunctions(g *Graph) {
	for _, v := range g.VerticesOf(KindJunction) {
		in, out := len(g.Incoming(v.ID)), len(g.Outgoing(v.ID))
		switch {
		case in > 1 && out > 1:
			v.Junction = JunctionMixed
		case in > 1:
			v.Junction = JunctionJoin
		default:
			v.Junction = JunctionFork
		}
	}
}
