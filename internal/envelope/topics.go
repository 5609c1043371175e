// Package envelope defines the wire format shared by every agent: the event
// envelope, the fixed topic names, and the canonical JSON encoding used both
// for bus payloads and for snapshot hashing.
package envelope

// Topic names carried on the bus. These are the only strings agents should
// use to subscribe or publish — never construct a topic ad hoc.
const (
	TopicSessionControlStart  = "session.control.start"
	TopicSessionControlStop   = "session.control.stop"
	TopicSessionStarted       = "session.started"
	TopicSessionStopped       = "session.stopped"
	TopicAudioFrame           = "audio/frame"
	TopicAudioSegmentCreated  = "audio.segment.created"
	TopicSTTTranscriptCreated = "stt.transcript.created"
	TopicTreeProposalCreated  = "tree.proposal.created"
	TopicTreeApproved         = "tree.approved"
	TopicSnapshotHash         = "snapshot.hash"
	TopicAgentHeartbeat       = "agent.heartbeat"
)
