package schemas

import "time"

// -- Run State --

// RunMode is the top-level engine mode.
type RunMode string

const (
	ModeInactive RunMode = "inactive"
	ModeStopped  RunMode = "stopped"
	ModeRecord   RunMode = "record"
	ModeReplay   RunMode = "replay"
	ModePaused   RunMode = "paused"
	// ModeSuspend and ModeResume are pseudo modes. They toggle event delivery
	// and never become the current mode.
	ModeSuspend RunMode = "suspend"
	ModeResume  RunMode = "resume"
)

// RunType refines why the engine is in its current mode.
type RunType string

const (
	RunTypeNone            RunType = ""
	RunTypeNewRecording    RunType = "newRecording"
	RunTypeAppendRecording RunType = "appendRecording"
	RunTypeReplaying       RunType = "replaying"
	RunTypeAbortedStop     RunType = "abortedStop"
	RunTypeNoScriptStop    RunType = "noScriptStop"
	RunTypeLoadedStop      RunType = "loadedStop"
	RunTypeCompletedStop   RunType = "completedStop"
)

// WaitType says why the engine is currently blocked.
type WaitType string

const (
	WaitNone        WaitType = ""
	WaitLoadingDoc  WaitType = "loadingDocument"
	WaitDispatching WaitType = "dispatching"
	WaitValidating  WaitType = "validating"
	WaitLocations   WaitType = "locations"
	WaitMutations   WaitType = "mutations"
	WaitThinkTime   WaitType = "thinkTime"
	WaitNetwork     WaitType = "network"
	WaitNavigation  WaitType = "navigation"
	WaitDialog      WaitType = "dialog"
	WaitResize      WaitType = "resize"
	WaitCapture     WaitType = "capture"
	WaitPrompt      WaitType = "prompt"
	WaitSearching   WaitType = "searching"
	WaitDraining    WaitType = "draining"
	WaitSuspended   WaitType = "suspended"
	WaitPaused      WaitType = "paused"
	WaitBranching   WaitType = "branching"
	WaitSubscript   WaitType = "subscript"
	WaitResponse    WaitType = "response"
	WaitReady       WaitType = "ready"
	WaitShutdown    WaitType = "shutdown"
	WaitKeyword     WaitType = "keyword"
	WaitPreload     WaitType = "preload"
)

// Progress counts what a run has done so far.
type Progress struct {
	ReplayedEvents  int `json:"replayedEvents"`
	ReplayedActions int `json:"replayedActions"`
	TotalEvents     int `json:"totalEvents"`
	Warnings        int `json:"warnings"`
	Skipped         int `json:"skipped"`
}

// NotificationVersion is bumped whenever StateNotification changes shape.
const NotificationVersion = 1

// StateNotification is published on every run state or wait state change.
type StateNotification struct {
	Version       int        `json:"version"`
	SessionID     string     `json:"sessionId"`
	Mode          RunMode    `json:"mode"`
	Type          RunType    `json:"type"`
	Wait          WaitType   `json:"wait"`
	EventsEnabled bool       `json:"eventsEnabled"`
	Progress      Progress   `json:"progress"`
	Status        StatusCode `json:"status"`
	Text          string     `json:"text"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NodeNotificationKind is the kind of result-tree change an observer is told about.
type NodeNotificationKind string

const (
	NodeCreate NodeNotificationKind = "create"
	NodeUpdate NodeNotificationKind = "update"
	NodeLabel  NodeNotificationKind = "label"
	NodeState  NodeNotificationKind = "state"
)

// NodeNotification reports a change to a result-tree node. Key is stable
// across runs for the same (sequence, node type, subscript).
type NodeNotification struct {
	Version   int                  `json:"version"`
	SessionID string               `json:"sessionId"`
	Kind      NodeNotificationKind `json:"kind"`
	Key       string               `json:"key"`
	NodeType  string               `json:"nodeType"`
	Label     string               `json:"label,omitempty"`
	Status    StatusCode           `json:"status"`
	State     string               `json:"state,omitempty"`
}
