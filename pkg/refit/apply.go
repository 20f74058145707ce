package refit

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zparse/pkg/network"
)

// Apply replaces weight data in a converted model. updates is keyed by refit
// weight name; each value must have the byte length of the parameter it
// replaces. A parameter shared by several layers is split first, so an
// update only reaches the layer its entry names.
func Apply(model *zmf.Model, entries []Entry, updates map[string][]byte) error {
	g := model.GetGraph()
	if g == nil {
		return errors.New("model has no graph")
	}
	m := FromEntries(entries)

	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e, ok := m.Lookup(name)
		if !ok {
			return errors.Errorf("no refit entry for weight %q", name)
		}
		if err := apply(g, entries, e, updates[name]); err != nil {
			return errors.WithMessagef(err, "refit %s", name)
		}
	}
	return nil
}

func apply(g *zmf.Graph, entries []Entry, e Entry, data []byte) error {
	node := findNode(g, e.LayerName)
	if node == nil {
		return errors.Errorf("layer %q not found", e.LayerName)
	}
	slot, err := weightSlot(node, e)
	if err != nil {
		return err
	}
	param := g.Parameters[node.Inputs[slot]]
	if param == nil {
		return errors.Errorf("parameter %q not found", node.Inputs[slot])
	}
	if len(data) != len(param.Data) {
		return errors.Errorf("got %d bytes, parameter %q holds %d", len(data), node.Inputs[slot], len(param.Data))
	}

	current := node.Inputs[slot]
	if users := consumers(g, current); len(users) > 1 {
		if current != e.WeightName {
			node.Inputs[slot] = e.WeightName
			g.Parameters[e.WeightName] = cloneParam(param, data)
			return nil
		}
		// This layer keeps the name; every other user moves to its own copy
		// of the old data.
		for _, other := range users {
			if other == node {
				continue
			}
			oe, ok := entryFor(entries, other.Name, current)
			if !ok {
				return errors.Errorf("layer %q shares %q but has no refit entry", other.Name, current)
			}
			oslot, err := weightSlot(other, oe)
			if err != nil {
				return err
			}
			other.Inputs[oslot] = oe.WeightName
			g.Parameters[oe.WeightName] = cloneParam(param, param.Data)
		}
	}
	g.Parameters[current] = cloneParam(param, data)
	return nil
}

func findNode(g *zmf.Graph, name string) *zmf.Node {
	for _, n := range g.GetNodes() {
		if n.GetName() == name {
			return n
		}
	}
	return nil
}

func consumers(g *zmf.Graph, param string) []*zmf.Node {
	var out []*zmf.Node
	for _, n := range g.GetNodes() {
		for _, in := range n.GetInputs() {
			if in == param {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func entryFor(entries []Entry, layer, source string) (Entry, bool) {
	for _, e := range entries {
		if e.LayerName == layer && e.Source == source {
			return e, true
		}
	}
	return Entry{}, false
}

// weightSlot finds the node input holding e's weights. Weight inputs are the
// trailing inputs listed by the roles attribute.
func weightSlot(n *zmf.Node, e Entry) (int, error) {
	roles := n.GetAttributes()[network.RolesAttr].GetStrings().GetVal()
	first := len(n.Inputs) - len(roles)
	if first < 0 {
		return 0, errors.Errorf("layer %q has malformed weight roles", n.Name)
	}
	for i, role := range roles {
		in := n.Inputs[first+i]
		if role == e.Role.String() && (in == e.Source || in == e.WeightName) {
			return first + i, nil
		}
	}
	return 0, errors.Errorf("layer %q binds no %s weights %q", n.Name, e.Role, e.Source)
}

func cloneParam(p *zmf.Tensor, data []byte) *zmf.Tensor {
	shape := make([]int64, len(p.Shape))
	copy(shape, p.Shape)
	buf := make([]byte, len(data))
	copy(buf, data)
	return &zmf.Tensor{Dtype: p.Dtype, Shape: shape, Data: buf}
}
