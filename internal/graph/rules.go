// Package graph implements the MindGraph attachment policy: the pure,
// side-effect-free repair function that turns an LLM's suggested parent into
// a structurally valid tree operation, plus the main-tail/summary/hash
// helpers derived from the same node list. Nothing here touches the bus or
// the store — callers (the consistency and graph-writer agents) own that.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

// Branch types a node can carry.
const (
	BranchRoot = "root"
	BranchMain = "main"
	BranchSide = "side"
)

// Branch preferences an LLM proposal can request.
const (
	PreferMain = "main"
	PreferSide = "side"
)

// Override reasons recorded when the attachment policy repairs a proposal.
const (
	ReasonRootNode            = "root_node"
	ReasonParentRepaired      = "parent_repaired"
	ReasonFallbackRoot        = "fallback_root"
	ReasonRecoveredRoot       = "recovered_root"
	ReasonBranchRepairedSide  = "branch_repaired_to_side"
	ReasonParentFullFallback  = "parent_full_fallback_main_tail"
	ReasonParentFullExhausted = "parent_full_exhausted"
)

const maxSummaryChars = 600

// Node is the minimal shape choose_attachment and its helpers need. Callers
// project their full graph_nodes rows down to this before calling in.
type Node struct {
	NodeID       string
	ParentNodeID *string
	BranchType   string
	BranchSlot   *int
	NodeText     string
	CreatedAt    int64 // unix nanos; only relative order matters for hashing
}

// Attachment is the outcome of choose_attachment: where and how to graft a
// new node onto the tree.
type Attachment struct {
	ParentNodeID   *string
	BranchType     string
	BranchSlot     *int
	OverrideReason string
}

func ptr[T any](v T) *T { return &v }

func indexNodes(nodes []Node) map[string]Node {
	idx := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		idx[n.NodeID] = n
	}
	return idx
}

// childSlots reports whether parentNodeID already has a main child and
// which side slots (among {1,2}) are occupied, sorted ascending.
func childSlots(nodes []Node, parentNodeID string) (hasMain bool, sideSlots []int) {
	for _, n := range nodes {
		if n.ParentNodeID == nil || *n.ParentNodeID != parentNodeID {
			continue
		}
		switch n.BranchType {
		case BranchMain:
			hasMain = true
		case BranchSide:
			if n.BranchSlot != nil && (*n.BranchSlot == 1 || *n.BranchSlot == 2) {
				sideSlots = append(sideSlots, *n.BranchSlot)
			}
		}
	}
	sort.Ints(sideSlots)
	return hasMain, sideSlots
}

func findRoot(nodes []Node) *Node {
	for i := range nodes {
		if nodes[i].BranchType == BranchRoot {
			return &nodes[i]
		}
	}
	return nil
}

// FindMainTail walks the main chain from the root and returns the id of the
// last node reached (the root itself if it has no main child yet). Returns
// "" if there is no root at all.
func FindMainTail(nodes []Node) string {
	root := findRoot(nodes)
	if root == nil {
		return ""
	}
	byParent := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.BranchType == BranchMain && n.ParentNodeID != nil {
			byParent[*n.ParentNodeID] = n
		}
	}
	current := root.NodeID
	for {
		child, ok := byParent[current]
		if !ok {
			return current
		}
		current = child.NodeID
	}
}

// mainBranchTexts returns node_text along the main path, root first.
func mainBranchTexts(nodes []Node) []string {
	root := findRoot(nodes)
	if root == nil {
		return nil
	}
	byParent := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.BranchType == BranchMain && n.ParentNodeID != nil {
			byParent[*n.ParentNodeID] = n
		}
	}
	texts := []string{root.NodeText}
	current := root.NodeID
	for {
		child, ok := byParent[current]
		if !ok {
			return texts
		}
		texts = append(texts, child.NodeText)
		current = child.NodeID
	}
}

// BuildMainBranchSummary concatenates the last five main-path node texts
// with " | ", truncated to 600 runes.
func BuildMainBranchSummary(nodes []Node) string {
	texts := mainBranchTexts(nodes)
	if len(texts) > 5 {
		texts = texts[len(texts)-5:]
	}
	summary := strings.Join(texts, " | ")
	runes := []rune(summary)
	if len(runes) > maxSummaryChars {
		runes = runes[:maxSummaryChars]
	}
	return string(runes)
}

// wouldCreateCycle reports whether attaching nodeID under parentNodeID would
// make nodeID its own ancestor — i.e. whether parentNodeID's ancestor chain
// already reaches nodeID. nodeID is not yet in nodesByID (it's the node
// being attached), so the walk only ever inspects existing nodes.
func wouldCreateCycle(nodesByID map[string]Node, parentNodeID, nodeID string) bool {
	current := parentNodeID
	for current != "" {
		if current == nodeID {
			return true
		}
		parent, ok := nodesByID[current]
		if !ok || parent.ParentNodeID == nil {
			return false
		}
		current = *parent.ParentNodeID
	}
	return false
}

// climbForFreeSlot walks up the ancestor chain starting at startParentID
// looking for a node with an available slot: a free main slot when
// branchPreference is "main", otherwise (or once main is taken) the lowest
// free side slot. Rather than re-attaching as a second main child of the
// climbed-to node (which would violate the at-most-one-main-child
// invariant), we keep climbing until a structurally valid slot exists.
// Returns ok=false when no ancestor up to and including the root has a
// usable slot: both side slots taken, plus the main slot when
// branchPreference is "main" (with a side preference the main slot is never
// used).
func climbForFreeSlot(nodes []Node, nodesByID map[string]Node, startParentID, branchPreference string) (parentID, branchType string, slot *int, ok bool) {
	current := startParentID
	for current != "" {
		hasMain, sideSlots := childSlots(nodes, current)
		if branchPreference == PreferMain && !hasMain {
			return current, BranchMain, nil, true
		}
		for _, s := range []int{1, 2} {
			taken := false
			for _, occupied := range sideSlots {
				if occupied == s {
					taken = true
					break
				}
			}
			if !taken {
				return current, BranchSide, ptr(s), true
			}
		}
		node, exists := nodesByID[current]
		if !exists || node.ParentNodeID == nil {
			return "", "", nil, false
		}
		current = *node.ParentNodeID
	}
	return "", "", nil, false
}

// ChooseAttachment is the deterministic repair function at the heart of the
// consistency agent. Given the current node list and an LLM's raw
// suggestion, it returns the attachment that will keep the tree
// structurally valid (modulo the documented pathological exhaustion case).
func ChooseAttachment(nodes []Node, candidateParentID *string, branchPreference, nodeID string, currentMainTailNodeID *string) Attachment {
	if len(nodes) == 0 {
		return Attachment{ParentNodeID: nil, BranchType: BranchRoot, BranchSlot: nil, OverrideReason: ReasonRootNode}
	}

	nodesByID := indexNodes(nodes)
	mainTail := ""
	if currentMainTailNodeID != nil {
		mainTail = *currentMainTailNodeID
	}
	if mainTail == "" {
		mainTail = FindMainTail(nodes)
	}
	overrideReason := ""

	parentID := ""
	if candidateParentID != nil {
		parentID = *candidateParentID
	}
	if _, known := nodesByID[parentID]; parentID == "" || !known || wouldCreateCycle(nodesByID, parentID, nodeID) {
		parentID = mainTail
		overrideReason = ReasonParentRepaired
	}

	if _, known := nodesByID[parentID]; parentID == "" || !known {
		root := findRoot(nodes)
		if root != nil {
			parentID = root.NodeID
		} else {
			parentID = ""
		}
		overrideReason = ReasonFallbackRoot
	}

	if parentID == "" {
		return Attachment{ParentNodeID: nil, BranchType: BranchRoot, BranchSlot: nil, OverrideReason: ReasonRecoveredRoot}
	}

	hasMain, sideSlots := childSlots(nodes, parentID)
	if branchPreference == PreferMain && !hasMain {
		return Attachment{ParentNodeID: ptr(parentID), BranchType: BranchMain, BranchSlot: nil, OverrideReason: overrideReason}
	}

	for _, s := range []int{1, 2} {
		taken := false
		for _, occupied := range sideSlots {
			if occupied == s {
				taken = true
				break
			}
		}
		if !taken {
			reason := overrideReason
			if reason == "" && branchPreference != PreferSide {
				reason = ReasonBranchRepairedSide
			}
			slot := s
			return Attachment{ParentNodeID: ptr(parentID), BranchType: BranchSide, BranchSlot: &slot, OverrideReason: reason}
		}
	}

	// Parent full: climb the parent's own ancestor chain instead of
	// re-using parentID as a second main child or jumping straight to the
	// main tail.
	if foundParent, branchType, slot, ok := climbForFreeSlot(nodes, nodesByID, parentID, branchPreference); ok {
		reason := overrideReason
		if reason == "" {
			reason = ReasonParentFullFallback
		}
		return Attachment{ParentNodeID: ptr(foundParent), BranchType: branchType, BranchSlot: slot, OverrideReason: reason}
	}

	// Every ancestor up to the root is full. This is the documented
	// exception to the structural invariants: there is nowhere left to
	// attach without exceeding a parent's slot budget.
	fallbackParent := mainTail
	if fallbackParent == "" {
		fallbackParent = parentID
	}
	return Attachment{ParentNodeID: ptr(fallbackParent), BranchType: BranchMain, BranchSlot: nil, OverrideReason: ReasonParentFullExhausted}
}

// normalizedNode is the projection snapshot hashing feeds into the
// canonical encoder: only the fields that define tree shape and content.
// Field order matches the sorted-key canonical JSON form (a map would sort
// the same way, but a struct keeps the field set explicit).
type normalizedNode struct {
	BranchSlot   *int    `json:"branch_slot"`
	BranchType   string  `json:"branch_type"`
	NodeID       string  `json:"node_id"`
	NodeText     string  `json:"node_text"`
	ParentNodeID *string `json:"parent_node_id"`
}

// SnapshotHash computes the deterministic content hash of a node set: sort
// by (created_at, node_id), project to the normalized shape, canonical-JSON
// encode, and SHA-256 the result. Two snapshots with the same node ids, tree
// shape and text hash identically regardless of insertion order.
func SnapshotHash(nodes []Node) (string, error) {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].NodeID < sorted[j].NodeID
	})

	normalized := make([]normalizedNode, len(sorted))
	for i, n := range sorted {
		normalized[i] = normalizedNode{
			BranchSlot:   n.BranchSlot,
			BranchType:   n.BranchType,
			NodeID:       n.NodeID,
			NodeText:     n.NodeText,
			ParentNodeID: n.ParentNodeID,
		}
	}

	encoded, err := envelope.CanonicalJSON(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
