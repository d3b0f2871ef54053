package model

// MessageType is the closed set of protocol message types.
type MessageType string

const (
	MessageTypeAsk    MessageType = "ask"
	MessageTypeReport MessageType = "report"
	MessageTypeSend   MessageType = "send"
	MessageTypeDone   MessageType = "done"
	MessageTypeFail   MessageType = "fail"
	MessageTypeAck    MessageType = "ack"
	MessageTypeNack   MessageType = "nack"
)

var MessageTypes = []string{"ask", "report", "send", "done", "fail", "ack", "nack"}

// ActionType is the closed set of protocol actions.
type ActionType string

const (
	ActionReview         ActionType = "review"
	ActionReviewFeedback ActionType = "review_feedback"
	ActionAssign         ActionType = "assign"
	ActionClarify        ActionType = "clarify"
	ActionAnswer         ActionType = "answer"
	ActionVerify         ActionType = "verify"
	ActionVerified       ActionType = "verified"
)

var ActionTypes = []string{"review", "review_feedback", "assign", "clarify", "answer", "verify", "verified"}

// Issue categories and severities accepted in review_feedback bodies.
var (
	CategoryTypes  = []string{"func", "perf", "ux", "security", "docs"}
	SeverityLevels = []string{"high", "medium", "low"}
)

// ReasonCodes are the well-known nack/failure reason codes.
var ReasonCodes = []string{
	"queue_full",
	"invalid_format",
	"not_authorized",
	"task_cancelled",
	"deadline_exceeded",
	"missing_dependency",
}

type AckStage string

const (
	AckDelivered AckStage = "delivered"
	AckAccepted  AckStage = "accepted"
	AckNack      AckStage = "nack"
)

type BodyEncoding string

const (
	BodyEncodingJSON   BodyEncoding = "json"
	BodyEncodingBase64 BodyEncoding = "base64"
)

const DefaultBodyEncoding = BodyEncodingJSON

var BodyEncodings = []string{"json", "base64"}

// Message is the wire representation of a routed message. Clients may attach
// fields beyond the protocol contract and the router preserves them verbatim
// through logs and inbox pops, so messages travel as decoded JSON objects
// rather than a fixed struct.
type Message = map[string]any

// DeliveryStatus is the per-recipient delivery lifecycle state.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryAccepted  DeliveryStatus = "accepted"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryState tracks one (message, recipient) pair from enqueue to a
// terminal ack or failure.
type DeliveryState struct {
	MessageID     string         `json:"message_id"`
	Agent         string         `json:"agent"`
	Status        DeliveryStatus `json:"status"`
	RetryCount    int            `json:"retry_count"`
	FirstTS       int64          `json:"first_ts"`
	LastTS        int64          `json:"last_ts"`
	NextRetryAt   int64          `json:"next_retry_at,omitempty"`
	ExpiresAt     int64          `json:"expires_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// DeliveryKey identifies a delivery state.
type DeliveryKey struct {
	MessageID string
	Agent     string
}

type TaskStatus string

const (
	TaskOpen          TaskStatus = "open"
	TaskDone          TaskStatus = "done"
	TaskFailed        TaskStatus = "failed"
	TaskVerifyPending TaskStatus = "verify_pending"
	TaskVerified      TaskStatus = "verified"
)

// Task is the aggregated lifecycle state projected from action-bearing
// messages. Owner may be a role string or the message's `to` list.
type Task struct {
	Status        TaskStatus `json:"status,omitempty"`
	Owner         any        `json:"owner,omitempty"`
	Deadline      int64      `json:"deadline,omitempty"`
	Retries       int        `json:"retries"`
	LastUpdateSeq int64      `json:"last_update_seq,omitempty"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEntry records the liveness of one agent instance.
type PresenceEntry struct {
	Agent      string         `json:"agent"`
	Status     PresenceStatus `json:"status"`
	LastSeen   int64          `json:"last_seen"`
	LastChange int64          `json:"last_change"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Session identifies a workspace; created once and immutable thereafter.
type Session struct {
	SessionID string   `json:"session_id"`
	CreatedAt int64    `json:"created_at"`
	Workspace string   `json:"workspace"`
	Roles     []string `json:"roles"`
}

// RouterState is the persisted (epoch, last_seq) counter.
type RouterState struct {
	Epoch   int64 `json:"epoch"`
	LastSeq int64 `json:"last_seq"`
	LastTS  int64 `json:"last_ts,omitempty"`
}

// AckRecord is one acknowledgment as appended to acks-<epoch>.jsonl.
type AckRecord struct {
	ID    string `json:"id"`
	Ack   string `json:"ack"`
	Agent string `json:"agent"`
	TS    int64  `json:"ts"`
}

// RouterEventKind labels events published to the websocket hub.
type RouterEventKind string

const (
	EventDelivered RouterEventKind = "delivered"
	EventAccepted  RouterEventKind = "accepted"
	EventFailed    RouterEventKind = "failed"
	EventPresence  RouterEventKind = "presence"
)

// RouterEvent is the hub-facing notification emitted by the router core.
type RouterEvent struct {
	Kind      RouterEventKind `json:"kind"`
	MessageID string          `json:"message_id,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	TS        int64           `json:"ts"`
}
