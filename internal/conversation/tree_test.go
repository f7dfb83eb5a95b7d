package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(content string, offset time.Duration) *Message {
	m := &Message{
		Platform:       PlatformChatGPT,
		ConversationID: "conv-1",
		Content:        content,
		Role:           RoleUser,
	}
	if offset >= 0 {
		m.Timestamp = base.Add(offset)
	}
	return m
}

func positions(msgs []*Message) map[string]int {
	pos := make(map[string]int, len(msgs))
	for i, m := range msgs {
		pos[m.NativeID] = i
	}
	return pos
}

func assertDenseOrdinals(t *testing.T, msgs []*Message) {
	t.Helper()
	for i, m := range msgs {
		assert.Equal(t, i, m.Ordinal)
	}
}

func assertParentsFirst(t *testing.T, msgs []*Message) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.ParentID != "" {
			assert.True(t, seen[m.ParentID], "message %s emitted before its parent", m.NativeID)
		}
		seen[m.ID] = true
	}
}

// Five nodes, C regenerated into two assistant replies.
func fiveNodeTree() []Node {
	return []Node{
		{ID: "root", Children: []string{"A"}},
		{ID: "A", ParentID: "root", Children: []string{"B"}, Message: msg("hello", 0)},
		{ID: "B", ParentID: "A", Children: []string{"C"}, Message: msg("hi, how can I help", time.Second)},
		{ID: "C", ParentID: "B", Children: []string{"D1", "D2"}, Message: msg("explain monads", 2*time.Second)},
		{ID: "D1", ParentID: "C", Message: msg("a monad is...", 3*time.Second)},
		{ID: "D2", ParentID: "C", Message: msg("think of a burrito", 4*time.Second)},
	}
}

func TestReconstruct_KeepsBothBranches(t *testing.T) {
	out := Reconstruct(fiveNodeTree(), "D2")

	require.Len(t, out, 5)
	assertDenseOrdinals(t, out)
	assertParentsFirst(t, out)

	pos := positions(out)
	assert.Less(t, pos["C"], pos["D1"])
	assert.Less(t, pos["C"], pos["D2"])

	branches := map[any]bool{}
	for _, m := range out {
		branches[m.Metadata[MetaBranch]] = true
	}
	assert.Len(t, branches, 2, "two branches under C")

	byNative := map[string]*Message{}
	for _, m := range out {
		byNative[m.NativeID] = m
	}
	assert.Equal(t, byNative["C"].ID, byNative["D1"].ParentID)
	assert.Equal(t, byNative["C"].ID, byNative["D2"].ParentID)
	assert.Empty(t, byNative["A"].ParentID, "structural root is transparent")
	assert.Equal(t, true, byNative["D2"].Metadata[MetaCurrentBranch])
	assert.Equal(t, false, byNative["D1"].Metadata[MetaCurrentBranch])
	assert.Equal(t, true, byNative["A"].Metadata[MetaCurrentBranch])
}

func TestReconstruct_Deterministic(t *testing.T) {
	first := Reconstruct(fiveNodeTree(), "D2")
	second := Reconstruct(fiveNodeTree(), "D2")
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].ParentID, second[i].ParentID)
	}
}

func TestReconstruct_EqualTimestampsKeepParentFirst(t *testing.T) {
	// Child ids sort before parent ids to catch id-only tie breaking.
	nodes := []Node{
		{ID: "z-parent", Message: msg("q", 0)},
		{ID: "a-child", ParentID: "z-parent", Message: msg("a", 0)},
		{ID: "0-grandchild", ParentID: "a-child", Message: msg("b", 0)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 3)
	assert.Equal(t, []string{"z-parent", "a-child", "0-grandchild"},
		[]string{out[0].NativeID, out[1].NativeID, out[2].NativeID})
	assertParentsFirst(t, out)
}

func TestReconstruct_ChildOlderThanParent(t *testing.T) {
	nodes := []Node{
		{ID: "p", Message: msg("parent", 10*time.Second)},
		{ID: "c", ParentID: "p", Message: msg("child with skewed clock", time.Second)},
		{ID: "other", Message: msg("unrelated root", 5*time.Second)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 3)
	pos := positions(out)
	assert.Less(t, pos["p"], pos["c"])
	assertParentsFirst(t, out)
}

func TestReconstruct_OrphansBecomeSubRoots(t *testing.T) {
	nodes := []Node{
		{ID: "a", Message: msg("root", 0)},
		{ID: "b", ParentID: "a", Message: msg("reply", time.Second)},
		{ID: "o1", ParentID: "missing", Message: msg("orphan", 2*time.Second)},
		{ID: "o2", ParentID: "o1", Message: msg("orphan child", 3*time.Second)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 4)
	assertDenseOrdinals(t, out)
	assertParentsFirst(t, out)

	for _, m := range out {
		switch m.NativeID {
		case "o1", "o2":
			assert.Equal(t, true, m.Metadata[MetaOrphaned], m.NativeID)
		default:
			assert.Nil(t, m.Metadata[MetaOrphaned], m.NativeID)
		}
	}
}

func TestReconstruct_CycleIsNotDropped(t *testing.T) {
	nodes := []Node{
		{ID: "x", ParentID: "y", Message: msg("x", 0)},
		{ID: "y", ParentID: "x", Message: msg("y", time.Second)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 2)
	for _, m := range out {
		assert.Equal(t, true, m.Metadata[MetaOrphaned])
	}
}

func TestReconstruct_InheritsMissingTimestamp(t *testing.T) {
	nodes := []Node{
		{ID: "a", Message: msg("root", 0)},
		{ID: "b", ParentID: "a", Message: msg("no time", -1)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 2)
	assert.Equal(t, base, out[1].Timestamp)
	assert.Equal(t, true, out[1].Metadata[MetaTimestampInferred])
	assert.Nil(t, out[0].Metadata[MetaTimestampInferred])
}

func TestReconstruct_ChildrenOnlyLinks(t *testing.T) {
	nodes := []Node{
		{ID: "a", Children: []string{"b"}, Message: msg("root", 0)},
		{ID: "b", Message: msg("linked only from parent", time.Second)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 2)
	assert.Equal(t, out[0].ID, out[1].ParentID)
}

func TestReconstruct_DeepChainIsIterative(t *testing.T) {
	const depth = 50000
	nodes := make([]Node, depth)
	for i := range nodes {
		n := Node{ID: fmt.Sprintf("n%06d", i), Message: msg("x", time.Duration(i)*time.Millisecond)}
		if i > 0 {
			n.ParentID = nodes[i-1].ID
		}
		nodes[i] = n
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, depth)
	assert.Equal(t, "n000000", out[0].NativeID)
	assert.Equal(t, depth-1, out[depth-1].Ordinal)
}

func TestReconstruct_DuplicateContentGetsDistinctIDs(t *testing.T) {
	nodes := []Node{
		{ID: "", Message: msg("ignored, no id", 0)},
		{ID: "a", Message: msg("same", 0)},
		{ID: "b", ParentID: "a", Message: msg("same", 0)},
	}
	out := Reconstruct(nodes, "")
	require.Len(t, out, 2)
	// Native ids differ so the derived ids differ too.
	assert.NotEqual(t, out[0].ID, out[1].ID)
}
