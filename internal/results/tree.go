// File: internal/results/tree.go
package results

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// keyNamespace scopes the SHA-1 node keys of result trees.
var keyNamespace = uuid.MustParse("6f1c9a52-3d0e-4c5b-9a87-2b1e4f7d9c10")

// NodeType is the kind of a result-tree node.
type NodeType string

const (
	NodeRun        NodeType = "run"
	NodeAction     NodeType = "action"
	NodeEvent      NodeType = "event"
	NodeSearch     NodeType = "search"
	NodeValidation NodeType = "validation"
	NodeWarning    NodeType = "warning"
	NodeSubscript  NodeType = "subscript"
)

// NodeState is the verdict of a node.
type NodeState string

const (
	StatePending NodeState = "pending"
	StateRunning NodeState = "running"
	StateSuccess NodeState = "success"
	StateWarning NodeState = "warning"
	StateFailed  NodeState = "failed"
	StateSkipped NodeState = "skipped"
)

// NodeKey is the stable key of a script node. It does not change between
// runs of the same script.
func NodeKey(seq int, t NodeType, subscript int) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%d|%s|%d", seq, t, subscript))).String()
}

// Node is one entry of the result tree.
type Node struct {
	Key         string             `json:"key"`
	Type        NodeType           `json:"type"`
	Seq         int                `json:"seq"`
	Subscript   int                `json:"subscript"`
	Label       string             `json:"label,omitempty"`
	State       NodeState          `json:"state"`
	Status      schemas.StatusCode `json:"status"`
	Message     string             `json:"message,omitempty"`
	BranchTaken bool               `json:"branchTaken,omitempty"`
	Attrs       map[string]string  `json:"attrs,omitempty"`
	Started     time.Time          `json:"started,omitempty"`
	Finished    time.Time          `json:"finished,omitempty"`
	Children    []*Node            `json:"children,omitempty"`
}

// NodePublisher is told about every node change.
type NodePublisher interface {
	PublishNode(n schemas.NodeNotification)
}

// Tree is the diagnostic result of one run. It is safe for concurrent use.
type Tree struct {
	mu        sync.RWMutex
	sessionID string
	runID     string
	script    string
	root      *Node
	byKey     map[string]*Node
	pub       NodePublisher
	now       func() time.Time
	logRef    string
}

// NewTree creates the tree for a run. pub may be nil.
func NewTree(sessionID, runID, script string, pub NodePublisher, now func() time.Time) *Tree {
	if now == nil {
		now = time.Now
	}
	t := &Tree{
		sessionID: sessionID,
		runID:     runID,
		script:    script,
		byKey:     map[string]*Node{},
		pub:       pub,
		now:       now,
	}
	t.root = &Node{
		Key:     uuid.NewSHA1(keyNamespace, []byte("run|"+runID)).String(),
		Type:    NodeRun,
		Label:   script,
		State:   StateRunning,
		Started: now(),
	}
	t.byKey[t.root.Key] = t.root
	return t
}

func (t *Tree) RunID() string  { return t.runID }
func (t *Tree) Script() string { return t.script }

// Root returns the run node.
func (t *Tree) Root() *Node { return t.root }

// Lookup finds a node by key.
func (t *Tree) Lookup(key string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byKey[key]
	return n, ok
}

// Action returns the node for an action, creating it on first visit.
func (t *Tree) Action(subscript, seq int, title string) *Node {
	return t.child(t.root, NodeKey(seq, NodeAction, subscript), NodeAction, seq, subscript, title)
}

// Event returns the node for an event under action, creating it on first
// visit. A revisited event is reset to running.
func (t *Tree) Event(action *Node, subscript, seq int, label string) *Node {
	return t.child(action, NodeKey(seq, NodeEvent, subscript), NodeEvent, seq, subscript, label)
}

func (t *Tree) child(parent *Node, key string, typ NodeType, seq, subscript int, label string) *Node {
	t.mu.Lock()
	n, ok := t.byKey[key]
	kind := schemas.NodeUpdate
	if !ok {
		n = &Node{Key: key, Type: typ, Seq: seq, Subscript: subscript}
		parent.Children = append(parent.Children, n)
		t.byKey[key] = n
		kind = schemas.NodeCreate
	}
	n.Label = label
	n.State = StateRunning
	n.Status = schemas.StatusSuccess
	n.Message = ""
	n.Started = t.now()
	n.Finished = time.Time{}
	note := t.noteLocked(kind, n)
	t.mu.Unlock()
	t.publish(note)
	return n
}

// AddDetail appends a diagnostic child (a search or validation record).
func (t *Tree) AddDetail(parent *Node, typ NodeType, label string, attrs map[string]string) *Node {
	t.mu.Lock()
	n := &Node{
		Key:      uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s|%s|%d", parent.Key, typ, len(parent.Children)))).String(),
		Type:     typ,
		Seq:      parent.Seq,
		Label:    label,
		State:    StateSuccess,
		Attrs:    attrs,
		Started:  t.now(),
		Finished: t.now(),
	}
	parent.Children = append(parent.Children, n)
	t.byKey[n.Key] = n
	note := t.noteLocked(schemas.NodeCreate, n)
	t.mu.Unlock()
	t.publish(note)
	return n
}

// Succeed marks n successful unless it already failed or warned. It returns
// whether the state changed.
func (t *Tree) Succeed(n *Node) bool {
	t.mu.Lock()
	if n.State == StateFailed || n.State == StateWarning || n.State == StateSkipped {
		t.mu.Unlock()
		return false
	}
	n.State = StateSuccess
	n.Finished = t.now()
	note := t.noteLocked(schemas.NodeState, n)
	t.mu.Unlock()
	t.publish(note)
	return true
}

// Warn records a warning child and downgrades n to warning unless it failed.
func (t *Tree) Warn(n *Node, code schemas.StatusCode, msg string) {
	t.AddDetail(n, NodeWarning, msg, map[string]string{"status": code.String()})
	t.mu.Lock()
	if n.State != StateFailed {
		n.State = StateWarning
		n.Status = code
		n.Message = msg
	}
	note := t.noteLocked(schemas.NodeState, n)
	t.mu.Unlock()
	t.publish(note)
}

// Skip marks n skipped.
func (t *Tree) Skip(n *Node, code schemas.StatusCode, msg string) {
	t.setVerdict(n, StateSkipped, code, msg)
}

// Fail marks n failed.
func (t *Tree) Fail(n *Node, code schemas.StatusCode, msg string) {
	t.setVerdict(n, StateFailed, code, msg)
}

func (t *Tree) setVerdict(n *Node, s NodeState, code schemas.StatusCode, msg string) {
	t.mu.Lock()
	n.State = s
	n.Status = code
	n.Message = msg
	n.Finished = t.now()
	note := t.noteLocked(schemas.NodeState, n)
	t.mu.Unlock()
	t.publish(note)
}

// SetLabel relabels n.
func (t *Tree) SetLabel(n *Node, label string) {
	t.mu.Lock()
	n.Label = label
	note := t.noteLocked(schemas.NodeLabel, n)
	t.mu.Unlock()
	t.publish(note)
}

// SetBranchTaken flags n as the node a branch was taken from. Only the first
// call has an effect.
func (t *Tree) SetBranchTaken(n *Node) bool {
	t.mu.Lock()
	if n.BranchTaken {
		t.mu.Unlock()
		return false
	}
	n.BranchTaken = true
	note := t.noteLocked(schemas.NodeUpdate, n)
	t.mu.Unlock()
	t.publish(note)
	return true
}

// Finish closes the run node with the final status.
func (t *Tree) Finish(code schemas.StatusCode, msg, logRef string) {
	t.mu.Lock()
	r := t.root
	r.Status = code
	r.Message = msg
	r.Finished = t.now()
	if code == schemas.StatusSuccess {
		r.State = StateSuccess
	} else {
		r.State = StateFailed
	}
	t.logRef = logRef
	note := t.noteLocked(schemas.NodeState, r)
	t.mu.Unlock()
	t.publish(note)
}

// Walk visits every node depth first, parents before children.
func (t *Tree) Walk(fn func(n *Node, depth int)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(t.root, 0)
}

// Summary condenses the tree for listings and persistence.
type Summary struct {
	RunID     string             `json:"runId"`
	SessionID string             `json:"sessionId"`
	Script    string             `json:"script"`
	Status    schemas.StatusCode `json:"status"`
	Message   string             `json:"message,omitempty"`
	LogRef    string             `json:"logRef,omitempty"`
	Events    int                `json:"events"`
	Failed    int                `json:"failed"`
	Warnings  int                `json:"warnings"`
	Skipped   int                `json:"skipped"`
	Started   time.Time          `json:"started"`
	Finished  time.Time          `json:"finished"`
}

func (t *Tree) Summary() Summary {
	s := Summary{RunID: t.runID, SessionID: t.sessionID, Script: t.script}
	t.Walk(func(n *Node, _ int) {
		if n.Type == NodeWarning {
			s.Warnings++
		}
		if n.Type != NodeEvent {
			return
		}
		s.Events++
		switch n.State {
		case StateFailed:
			s.Failed++
		case StateSkipped:
			s.Skipped++
		}
	})
	t.mu.RLock()
	defer t.mu.RUnlock()
	s.Status = t.root.Status
	s.Message = t.root.Message
	s.LogRef = t.logRef
	s.Started = t.root.Started
	s.Finished = t.root.Finished
	return s
}

func (t *Tree) noteLocked(kind schemas.NodeNotificationKind, n *Node) schemas.NodeNotification {
	return schemas.NodeNotification{
		Version:   schemas.NotificationVersion,
		SessionID: t.sessionID,
		Kind:      kind,
		Key:       n.Key,
		NodeType:  string(n.Type),
		Label:     n.Label,
		Status:    n.Status,
		State:     string(n.State),
	}
}

func (t *Tree) publish(n schemas.NodeNotification) {
	if t.pub != nil {
		t.pub.PublishNode(n)
	}
}

// FlatNode is a node without its children, plus its parent's key.
type FlatNode struct {
	Node
	ParentKey string
}

// Flatten lists every node in Walk order.
func (t *Tree) Flatten() []FlatNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []FlatNode
	var walk func(n *Node, parent string)
	walk = func(n *Node, parent string) {
		cp := *n
		cp.Children = nil
		out = append(out, FlatNode{Node: cp, ParentKey: parent})
		for _, c := range n.Children {
			walk(c, n.Key)
		}
	}
	walk(t.root, "")
	return out
}
