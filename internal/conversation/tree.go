package conversation

import (
	"sort"
	"time"
)

// Node is one vertex of a tree-graph conversation. A nil Message marks a
// structural node (an empty root, a hidden system entry) that is walked
// through but not emitted.
type Node struct {
	ID       string
	ParentID string
	Children []string
	Message  *Message
}

type walkState struct {
	node     *Node
	parent   string // nearest emitted ancestor's node id
	depth    int
	sortTS   time.Time
	ts       time.Time
	branch   int
	orphaned bool
}

// Reconstruct linearizes one conversation's node graph. Every node holding
// a message is emitted exactly once, ordered by timestamp with parents
// always ahead of their children, and numbered with dense ordinals from 0.
// Messages must already carry Platform and ConversationID; Reconstruct
// assigns ids and rewrites ParentID to the parent's message id.
//
// currentID names the selected leaf, if any. Messages on the path from a
// root to that leaf are marked current_branch.
func Reconstruct(nodes []Node, currentID string) []*Message {
	byID := make(map[string]*Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			continue
		}
		if _, dup := byID[n.ID]; dup {
			continue
		}
		byID[n.ID] = n
		order = append(order, n.ID)
	}

	// parentOf prefers the node's own parent link and falls back to a
	// parent that lists it as a child.
	parentOf := make(map[string]string, len(byID))
	for _, id := range order {
		if p := byID[id].ParentID; p != "" {
			parentOf[id] = p
		}
	}
	for _, id := range order {
		for _, c := range byID[id].Children {
			if _, ok := byID[c]; !ok {
				continue
			}
			if _, has := parentOf[c]; !has && c != id {
				parentOf[c] = id
			}
		}
	}

	children := make(map[string][]string, len(byID))
	var roots, orphans []string
	for _, id := range order {
		p, hasParent := parentOf[id]
		switch {
		case !hasParent:
			roots = append(roots, id)
		case byID[p] == nil:
			orphans = append(orphans, id)
		default:
			children[p] = append(children[p], id)
		}
	}

	byTime := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			ti, tj := nodeTime(byID[ids[i]]), nodeTime(byID[ids[j]])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return ids[i] < ids[j]
		})
	}
	byTime(roots)
	byTime(orphans)
	for id := range children {
		byTime(children[id])
	}

	visited := make(map[string]bool, len(byID))
	states := make([]*walkState, 0, len(byID))
	branches := 0

	walk := func(rootID string, orphaned bool) {
		root := &walkState{node: byID[rootID], branch: branches, orphaned: orphaned}
		branches++
		root.ts = nodeTime(root.node)
		root.sortTS = root.ts
		queue := []*walkState{root}
		visited[rootID] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			states = append(states, cur)

			emittedParent := cur.parent
			if cur.node.Message != nil {
				emittedParent = cur.node.ID
			}
			for i, cid := range children[cur.node.ID] {
				if visited[cid] {
					continue
				}
				visited[cid] = true
				child := &walkState{
					node:     byID[cid],
					parent:   emittedParent,
					depth:    cur.depth + 1,
					branch:   cur.branch,
					orphaned: cur.orphaned,
				}
				if i > 0 {
					child.branch = branches
					branches++
				}
				child.ts = nodeTime(child.node)
				if child.ts.IsZero() {
					child.ts = cur.ts
				}
				child.sortTS = child.ts
				if child.sortTS.Before(cur.sortTS) {
					child.sortTS = cur.sortTS
				}
				queue = append(queue, child)
			}
		}
	}

	for _, id := range roots {
		walk(id, false)
	}
	for _, id := range orphans {
		walk(id, true)
	}
	// Whatever is still unvisited sits on a parent cycle.
	for _, id := range order {
		if !visited[id] {
			walk(id, true)
		}
	}

	onCurrent := currentPath(currentID, byID, parentOf)

	kept := states[:0]
	for _, s := range states {
		if s.node.Message != nil {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if !a.sortTS.Equal(b.sortTS) {
			return a.sortTS.Before(b.sortTS)
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.node.ID < b.node.ID
	})

	out := make([]*Message, len(kept))
	for i, s := range kept {
		m := s.node.Message
		if m.NativeID == "" {
			m.NativeID = s.node.ID
		}
		if m.Timestamp.IsZero() && !s.ts.IsZero() {
			m.Timestamp = s.ts
			m.SetMeta(MetaTimestampInferred, true)
		}
		if s.orphaned {
			m.SetMeta(MetaOrphaned, true)
		}
		if branches > 1 {
			m.SetMeta(MetaBranch, s.branch)
		}
		if onCurrent != nil {
			m.SetMeta(MetaCurrentBranch, onCurrent[s.node.ID])
		}
		m.Ordinal = i
		out[i] = m
	}

	AssignIDs(out)
	idOf := make(map[string]string, len(kept))
	for _, s := range kept {
		idOf[s.node.ID] = s.node.Message.ID
	}
	for _, s := range kept {
		s.node.Message.ParentID = idOf[s.parent]
	}
	return out
}

func nodeTime(n *Node) time.Time {
	if n == nil || n.Message == nil {
		return time.Time{}
	}
	return n.Message.Timestamp
}

// currentPath returns the node ids from currentID up to its root, or nil
// when there is no selected leaf.
func currentPath(currentID string, byID map[string]*Node, parentOf map[string]string) map[string]bool {
	if currentID == "" || byID[currentID] == nil {
		return nil
	}
	path := make(map[string]bool)
	for id := currentID; id != "" && byID[id] != nil && !path[id]; id = parentOf[id] {
		path[id] = true
	}
	return path
}
