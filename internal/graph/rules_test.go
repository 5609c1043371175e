package graph

import "testing"

func n(id string, parent *string, branchType string, slot *int, text string, createdAt int64) Node {
	return Node{NodeID: id, ParentNodeID: parent, BranchType: branchType, BranchSlot: slot, NodeText: text, CreatedAt: createdAt}
}

func sp(s string) *string { return &s }

// S1: first utterance of a session becomes the root.
func TestChooseAttachment_EmptyTreeYieldsRoot(t *testing.T) {
	att := ChooseAttachment(nil, nil, PreferMain, "node-1", nil)
	if att.ParentNodeID != nil {
		t.Fatalf("expected nil parent for root, got %v", *att.ParentNodeID)
	}
	if att.BranchType != BranchRoot {
		t.Fatalf("expected branch type root, got %s", att.BranchType)
	}
	if att.OverrideReason != ReasonRootNode {
		t.Fatalf("expected override reason %s, got %s", ReasonRootNode, att.OverrideReason)
	}
}

// S2: a well-formed main-branch continuation is accepted without repair.
func TestChooseAttachment_MainContinuationNoRepair(t *testing.T) {
	nodes := []Node{n("root", nil, BranchRoot, nil, "hello", 1)}
	att := ChooseAttachment(nodes, sp("root"), PreferMain, "node-2", sp("root"))
	if att.ParentNodeID == nil || *att.ParentNodeID != "root" {
		t.Fatalf("expected parent root, got %v", att.ParentNodeID)
	}
	if att.BranchType != BranchMain {
		t.Fatalf("expected main branch, got %s", att.BranchType)
	}
	if att.OverrideReason != "" {
		t.Fatalf("expected no repair, got %s", att.OverrideReason)
	}
}

// S3: a second proposed main child under the same parent is repaired to a
// free side slot.
func TestChooseAttachment_SecondMainChildRepairedToSide(t *testing.T) {
	nodes := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
	}
	att := ChooseAttachment(nodes, sp("root"), PreferMain, "node-3", sp("main-1"))
	if att.BranchType != BranchSide {
		t.Fatalf("expected side branch, got %s", att.BranchType)
	}
	if att.BranchSlot == nil || *att.BranchSlot != 1 {
		t.Fatalf("expected side slot 1, got %v", att.BranchSlot)
	}
	if att.OverrideReason != ReasonBranchRepairedSide {
		t.Fatalf("expected override reason %s, got %s", ReasonBranchRepairedSide, att.OverrideReason)
	}
}

// S4: a candidate parent that does not exist in the tree falls back to the
// main tail.
func TestChooseAttachment_UnknownParentFallsBackToMainTail(t *testing.T) {
	nodes := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
	}
	att := ChooseAttachment(nodes, sp("does-not-exist"), PreferMain, "node-3", sp("main-1"))
	if att.ParentNodeID == nil || *att.ParentNodeID != "main-1" {
		t.Fatalf("expected fallback parent main-1, got %v", att.ParentNodeID)
	}
	if att.OverrideReason != ReasonParentRepaired {
		t.Fatalf("expected override reason %s, got %s", ReasonParentRepaired, att.OverrideReason)
	}
}

// S5: a candidate parent that is a descendant of the new node (via the
// proposal referencing an ancestor loop) is rejected as a cycle and
// repaired to the main tail.
func TestChooseAttachment_CycleRejected(t *testing.T) {
	nodes := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
	}
	// node-3 is a side child proposing itself as its own future parent via
	// a stale candidate that happens to equal itself once attached; cycle
	// detection checks that the candidate parent's ancestor chain doesn't
	// already reach the node being attached. Simulate by pointing the
	// candidate parent id at the node id under attachment.
	att := ChooseAttachment(nodes, sp("main-1"), PreferMain, "main-1", sp("main-1"))
	if att.OverrideReason != ReasonParentRepaired {
		t.Fatalf("expected cycle to trigger repair, got reason %s parent %v", att.OverrideReason, att.ParentNodeID)
	}
}

// Both main and both side slots full at the first candidate: climb to the
// next ancestor rather than overloading the parent with a second main
// child.
func TestChooseAttachment_ParentFullClimbsToAncestor(t *testing.T) {
	s1, s2 := 1, 2
	nodes := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
		n("side-a", sp("main-1"), BranchSide, &s1, "tangent a", 3),
		n("side-b", sp("main-1"), BranchSide, &s2, "tangent b", 4),
		n("main-2", sp("main-1"), BranchMain, nil, "continuing more", 5),
	}
	// main-1 now has a main child (main-2) and both side slots full: fully
	// occupied. Climbing should move to root, which still has a free side
	// slot (root's only child so far is main-1, the main slot).
	att := ChooseAttachment(nodes, sp("main-1"), PreferSide, "node-new", sp("main-2"))
	if att.ParentNodeID == nil || *att.ParentNodeID != "root" {
		t.Fatalf("expected climb to land on root, got %v", att.ParentNodeID)
	}
	if att.BranchType != BranchSide {
		t.Fatalf("expected side branch at root, got %s", att.BranchType)
	}
	if att.BranchSlot == nil || *att.BranchSlot != 1 {
		t.Fatalf("expected root's first free side slot, got %v", att.BranchSlot)
	}
}

func TestFindMainTail_FollowsMainChainOnly(t *testing.T) {
	s1 := 1
	nodes := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
		n("side-a", sp("main-1"), BranchSide, &s1, "tangent", 3),
		n("main-2", sp("main-1"), BranchMain, nil, "more", 4),
	}
	if got := FindMainTail(nodes); got != "main-2" {
		t.Fatalf("expected main-2, got %s", got)
	}
}

func TestBuildMainBranchSummary_LastFiveJoined(t *testing.T) {
	nodes := []Node{
		n("n0", nil, BranchRoot, nil, "zero", 0),
		n("n1", sp("n0"), BranchMain, nil, "one", 1),
		n("n2", sp("n1"), BranchMain, nil, "two", 2),
		n("n3", sp("n2"), BranchMain, nil, "three", 3),
		n("n4", sp("n3"), BranchMain, nil, "four", 4),
		n("n5", sp("n4"), BranchMain, nil, "five", 5),
	}
	got := BuildMainBranchSummary(nodes)
	want := "one | two | three | four | five"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSnapshotHash_DeterministicRegardlessOfInputOrder(t *testing.T) {
	a := []Node{
		n("root", nil, BranchRoot, nil, "hello", 1),
		n("main-1", sp("root"), BranchMain, nil, "continuing", 2),
	}
	b := []Node{a[1], a[0]}

	hashA, err := SnapshotHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := SnapshotHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected order-independent hash, got %s vs %s", hashA, hashB)
	}

	c := []Node{a[0], n("main-1", sp("root"), BranchMain, nil, "different text", 2)}
	hashC, err := SnapshotHash(c)
	if err != nil {
		t.Fatalf("hash c: %v", err)
	}
	if hashC == hashA {
		t.Fatalf("expected different text to change the hash")
	}
}

func TestSnapshotHash_EmptyTree(t *testing.T) {
	got, err := SnapshotHash(nil)
	if err != nil {
		t.Fatalf("hash empty: %v", err)
	}
	if got == "" {
		t.Fatalf("expected a hash even for the empty tree")
	}
}
