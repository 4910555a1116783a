package tree

import (
	"bytes"
	"testing"
	"time"

	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/types"
)

func fileNode(name string, content ...types.ID) *types.Node {
	n := &types.Node{
		Name:    name,
		Kind:    types.NodeKindFile,
		Mode:    0644,
		UID:     1000,
		GID:     1000,
		Size:    42,
		Content: content,
	}
	n.SetMTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return n
}

func dirNode(name string, subtree types.ID) *types.Node {
	n := &types.Node{
		Name:    name,
		Kind:    types.NodeKindDir,
		Mode:    0755,
		Subtree: &subtree,
	}
	n.SetMTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return n
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sub := crypto.Hash([]byte("subtree"))
	in := &types.Tree{Nodes: []*types.Node{
		fileNode("b.txt", crypto.Hash([]byte("chunk1")), crypto.Hash([]byte("chunk2"))),
		dirNode("a-dir", sub),
		{
			Name:       "link",
			Kind:       types.NodeKindSymlink,
			Mode:       0777,
			LinkTarget: "../target",
		},
	}}

	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Nodes) != 3 {
		t.Fatalf("decoded %d nodes, want 3", len(out.Nodes))
	}
	// Sorted by name: a-dir, b.txt, link.
	if out.Nodes[0].Name != "a-dir" || out.Nodes[1].Name != "b.txt" || out.Nodes[2].Name != "link" {
		t.Errorf("node order = %s, %s, %s", out.Nodes[0].Name, out.Nodes[1].Name, out.Nodes[2].Name)
	}
	if out.Nodes[0].Subtree == nil || *out.Nodes[0].Subtree != sub {
		t.Error("subtree id lost")
	}
	if len(out.Nodes[1].Content) != 2 {
		t.Error("content ids lost")
	}
	if out.Nodes[2].LinkTarget != "../target" {
		t.Error("link target lost")
	}
	if got := out.Nodes[1].MTime(); !got.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("mtime = %v", got)
	}
}

// The encoding must not depend on insertion order, or unchanged
// directories would fail to dedup.
func TestEncodeDeterministic(t *testing.T) {
	a := fileNode("alpha")
	b := fileNode("beta")
	c := fileNode("gamma")

	e1, err := Encode(&types.Tree{Nodes: []*types.Node{a, b, c}})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := Encode(&types.Tree{Nodes: []*types.Node{c, a, b}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(e1, e2) {
		t.Error("encodings differ with insertion order")
	}
}

func TestEncodeRejectsDuplicateNames(t *testing.T) {
	_, err := Encode(&types.Tree{Nodes: []*types.Node{fileNode("same"), fileNode("same")}})
	if err == nil {
		t.Error("duplicate names accepted")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not cbor at all")); err == nil {
		t.Error("garbage decoded successfully")
	}
}

func TestDecodeRejectsInvalidNodes(t *testing.T) {
	bad := &types.Tree{Nodes: []*types.Node{{Name: "d", Kind: types.NodeKindDir}}}
	data, err := encMode.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("directory without subtree accepted")
	}
}

func TestEmptyTree(t *testing.T) {
	data, err := Encode(&types.Tree{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Nodes) != 0 {
		t.Errorf("empty tree decoded with %d nodes", len(out.Nodes))
	}
}
