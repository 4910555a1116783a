// Package tree serializes directory trees as content-addressed objects.
//
// A tree object is the canonical CBOR encoding of a node list sorted by
// name. The encoding is deterministic and depends only on the children,
// so an unchanged directory encodes to identical bytes across snapshots
// and dedups like any other chunk.
package tree

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/types"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("tree: cbor encoder options: %v", err))
	}
}

// Encode serializes a tree. Nodes are sorted by name bytewise; the
// input slice is not modified.
func Encode(t *types.Tree) ([]byte, error) {
	nodes := make([]*types.Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	for i := 1; i < len(nodes); i++ {
		if nodes[i].Name == nodes[i-1].Name {
			return nil, fmt.Errorf("duplicate node name %q", nodes[i].Name)
		}
	}

	data, err := encMode.Marshal(&types.Tree{Nodes: nodes})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tree: %w", err)
	}
	return data, nil
}

// Decode parses a tree object. Unknown fields are ignored for forward
// compatibility.
func Decode(data []byte) (*types.Tree, error) {
	var t types.Tree
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, "", fmt.Errorf("tree object: %w", err))
	}
	for _, n := range t.Nodes {
		if err := validate(n); err != nil {
			return nil, errdefs.New(errdefs.KindCorrupt, "", err)
		}
	}
	return &t, nil
}

func validate(n *types.Node) error {
	if n.Name == "" {
		return fmt.Errorf("tree node with empty name")
	}
	switch n.Kind {
	case types.NodeKindFile, types.NodeKindDir, types.NodeKindSymlink:
	default:
		return fmt.Errorf("tree node %q has unknown kind %q", n.Name, n.Kind)
	}
	if n.Kind == types.NodeKindDir && n.Subtree == nil {
		return fmt.Errorf("directory node %q without subtree", n.Name)
	}
	return nil
}
