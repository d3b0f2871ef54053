// Package router implements the message router core: ingress validation,
// inbox delivery with two-stage acknowledgments, the bounded-backoff retry
// loop, task aggregation, and presence tracking. All durable effects go
// through the storage layout so the router can rebuild itself after a crash.
package router

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamrouter/internal/metrics"
	"teamrouter/internal/model"
	"teamrouter/internal/protocol"
	"teamrouter/internal/state"
	"teamrouter/internal/storage"
	"teamrouter/internal/validation"
)

// Config holds the routing knobs. All durations are milliseconds to match
// the wire format.
type Config struct {
	AckTimeoutMs              int64
	RetryBackoffMs            []int64
	MaxRetries                int
	DefaultTTLMs              int64
	JitterRatio               float64
	RetryPollIntervalMs       int64
	PresenceIntervalMs        int64
	PresenceTimeoutMultiplier int64
	BlobThresholdBytes        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeoutMs:              120000,
		RetryBackoffMs:            []int64{30000, 120000, 300000, 600000, 600000},
		MaxRetries:                5,
		DefaultTTLMs:              3600000,
		JitterRatio:               0.2,
		RetryPollIntervalMs:       500,
		PresenceIntervalMs:        30000,
		PresenceTimeoutMultiplier: 2,
		BlobThresholdBytes:        16384,
	}
}

// FailureInfo describes one delivery failure handed to the failure hook.
type FailureInfo struct {
	MessageID  string `json:"message_id"`
	Agent      string `json:"agent"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
}

// Options configures a Router. Workspace is required; everything else has a
// usable default.
type Options struct {
	Workspace string
	Config    Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Sink      EventSink
	NowMs     func() int64
	OnFailure func(FailureInfo)
}

// Router owns all in-memory routing state. Every public method is safe for
// concurrent use.
type Router struct {
	cfg     Config
	layout  storage.Layout
	log     *zap.Logger
	metrics *metrics.Metrics
	sink    EventSink
	nowMs   func() int64
	onFail  func(FailureInfo)

	Presence *PresenceRegistry

	mu          sync.Mutex
	sessionID   string
	routerState model.RouterState
	messages    map[string]model.Message
	inbox       map[string][]string
	delivery    map[model.DeliveryKey]*model.DeliveryState
	tasks       map[string]*model.Task

	stop    chan struct{}
	stopped sync.WaitGroup
	running bool
}

// New builds a router rooted at the workspace, recovering all durable state
// from disk and starting a fresh epoch.
func New(opts Options) (*Router, error) {
	if opts.Workspace == "" {
		return nil, fmt.Errorf("workspace required")
	}
	cfg := opts.Config
	if cfg.AckTimeoutMs == 0 {
		cfg = DefaultConfig()
	}
	r := &Router{
		cfg:      cfg,
		layout:   storage.ForWorkspace(opts.Workspace),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		sink:     opts.Sink,
		nowMs:    opts.NowMs,
		onFail:   opts.OnFailure,
		messages: make(map[string]model.Message),
		inbox:    make(map[string][]string),
		delivery: make(map[model.DeliveryKey]*model.DeliveryState),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.sink == nil {
		r.sink = nopSink{}
	}
	if r.nowMs == nil {
		r.nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if r.onFail == nil {
		r.onFail = r.defaultFailureHandler
	}

	if err := r.layout.Ensure(); err != nil {
		return nil, err
	}
	session, err := storage.InitOrLoadSession(r.layout, opts.Workspace, nil)
	if err != nil {
		return nil, err
	}
	r.sessionID = session.SessionID

	recovery, err := state.RecoverState(r.layout, nil)
	if err != nil {
		return nil, err
	}
	r.routerState = recovery.RouterState
	if err := state.SaveRouterState(r.layout, r.routerState); err != nil {
		return nil, err
	}
	for agent, ids := range recovery.InboxByAgent {
		r.inbox[agent] = append([]string(nil), ids...)
	}
	r.tasks = recovery.Tasks
	if r.tasks == nil {
		r.tasks = make(map[string]*model.Task)
	}

	r.Presence = NewPresenceRegistry(cfg.PresenceIntervalMs, cfg.PresenceTimeoutMultiplier)

	if err := r.loadHistory(); err != nil {
		return nil, err
	}
	r.log.Info("router recovered",
		zap.String("session", r.sessionID),
		zap.Int64("epoch", r.routerState.Epoch),
		zap.Int64("last_seq", r.routerState.LastSeq),
		zap.Int("agents", len(r.inbox)))
	return r, nil
}

// SessionID returns the workspace session identifier.
func (r *Router) SessionID() string { return r.sessionID }

// currentEpoch snapshots the epoch under the lock. It only fills the
// validation default; prepareMessage stamps the authoritative value later.
func (r *Router) currentEpoch() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routerState.Epoch
}

// HasPendingDelivery reports whether any delivery of the message is still
// awaiting acceptance. Maintenance uses it to keep externalized bodies
// alive while retries are possible.
func (r *Router) HasPendingDelivery(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.delivery {
		if key.MessageID == messageID && entry.Status == model.DeliveryDelivered {
			return true
		}
	}
	return false
}

// Layout exposes the storage layout for adjacent components (maintenance,
// trace tooling).
func (r *Router) Layout() storage.Layout { return r.layout }

// Start launches the retry loop. Calling Start on a running router is a
// no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.stopped.Add(1)
	go r.retryLoop(r.stop)
}

// Stop halts the retry loop and waits for it to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()
	r.stopped.Wait()
}

// ReceiveMessage ingests one message: validates it, assigns seq/id/ts,
// appends it to the durable log, delivers to each resolved recipient, and
// folds it into the task projection. Ack-shaped payloads are dispatched to
// ReceiveAck.
func (r *Router) ReceiveMessage(message model.Message) (map[string]any, error) {
	if message == nil {
		return nil, Invalid("message must be an object")
	}
	msgType := model.GetString(message, "type")
	if _, hasStage := message["ack_stage"]; msgType == "ack" || msgType == "nack" || hasStage {
		return r.ReceiveAck(message)
	}

	incoming := make(model.Message, len(message)+4)
	for k, v := range message {
		incoming[k] = v
	}
	if _, ok := incoming["v"]; !ok {
		incoming["v"] = "1"
	}
	if _, ok := incoming["session"]; !ok {
		incoming["session"] = r.sessionID
	}
	if _, ok := incoming["epoch"]; !ok {
		incoming["epoch"] = r.currentEpoch()
	}
	if errs := validation.Validate(incoming, validation.Options{AllowMissingGenerated: true}); len(errs) > 0 {
		r.metrics.MessagesRejected.Inc()
		return nil, Invalid(strings.Join(errs, "; "))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prepared, err := r.prepareMessage(incoming)
	if err != nil {
		return nil, err
	}
	if err := r.recordMessage(prepared); err != nil {
		return nil, err
	}

	now := r.nowMs()
	targets := model.StringList(prepared["to"])
	deliverTo := r.resolveRecipients(targets, now)
	if len(deliverTo) == 0 {
		deliverTo = targets
	}
	acks := make([]map[string]any, 0, len(deliverTo))
	for _, agent := range deliverTo {
		if err := r.deliverToInbox(prepared, agent, now); err != nil {
			return nil, err
		}
		ack := map[string]any{
			"id":    prepared["id"],
			"ack":   "delivered",
			"agent": agent,
			"ts":    now,
		}
		if err := storage.AppendAckEvent(r.layout, r.routerState.Epoch, ack); err != nil {
			return nil, err
		}
		acks = append(acks, ack)
		r.sink.Publish(model.RouterEvent{
			Kind:      model.EventDelivered,
			MessageID: prepared["id"].(string),
			Agent:     agent,
			TS:        now,
		})
	}
	if err := r.updateTask(prepared); err != nil {
		return nil, err
	}

	r.metrics.MessagesIngested.Inc()
	r.log.Debug("message routed",
		zap.String("id", prepared["id"].(string)),
		zap.Strings("to", deliverTo),
		zap.String("type", model.GetString(prepared, "type")))
	return map[string]any{
		"status": "delivered",
		"id":     prepared["id"],
		"seq":    prepared["seq"],
		"ts":     prepared["ts"],
		"acks":   acks,
	}, nil
}

// ReceiveAck applies one acknowledgment to the matching delivery state.
// accepted is terminal and clears the pending inbox entry; nack marks the
// delivery failed and triggers the failure hook; delivered only refreshes
// the timestamp.
func (r *Router) ReceiveAck(ack model.Message) (map[string]any, error) {
	stage := model.GetString(ack, "ack")
	if stage == "" {
		stage = model.GetString(ack, "ack_stage")
	}
	corr := model.GetString(ack, "corr")
	if corr == "" {
		corr = model.GetString(ack, "id")
	}
	agent := model.GetString(ack, "agent")
	if agent == "" {
		agent = inferAgent(model.GetString(ack, "from"))
	}
	ts, ok := model.IntLike(ack["ts"])
	if !ok || ts == 0 {
		ts = r.nowMs()
	}
	if stage == "" && model.GetString(ack, "type") == "nack" {
		stage = "nack"
	}
	if stage == "" || corr == "" || agent == "" {
		return nil, Invalid("ack must include ack_stage, corr/id, and agent")
	}
	if stage != "delivered" && stage != "accepted" && stage != "nack" {
		return nil, Invalid("ack_stage invalid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := model.DeliveryKey{MessageID: corr, Agent: agent}
	entry, exists := r.delivery[key]
	if !exists {
		entry = &model.DeliveryState{
			MessageID:  corr,
			Agent:      agent,
			Status:     model.DeliveryDelivered,
			RetryCount: 0,
			FirstTS:    ts,
			LastTS:     ts,
		}
		r.delivery[key] = entry
	}

	// accepted and failed are terminal. Late acks still land in the log
	// below, but the state never moves and the failure hook never re-fires.
	terminal := entry.Status == model.DeliveryAccepted || entry.Status == model.DeliveryFailed
	if !terminal {
		switch stage {
		case "accepted":
			entry.Status = model.DeliveryAccepted
			entry.LastTS = ts
			entry.NextRetryAt = 0
			r.removeFromInbox(agent, corr)
			if err := storage.AppendInboxEvent(r.layout, agent, storage.InboxEventAccepted, corr, ts); err != nil {
				return nil, err
			}
			r.sink.Publish(model.RouterEvent{Kind: model.EventAccepted, MessageID: corr, Agent: agent, TS: ts})
		case "nack":
			entry.Status = model.DeliveryFailed
			entry.LastTS = ts
			entry.NextRetryAt = 0
			reason := model.GetString(ack, "reason")
			if reason == "" {
				reason = "nack"
			}
			entry.FailureReason = reason
			r.reportFailure(FailureInfo{
				MessageID:  corr,
				Agent:      agent,
				Reason:     reason,
				RetryCount: entry.RetryCount,
			}, ts)
		default:
			entry.Status = model.DeliveryDelivered
			entry.LastTS = ts
		}
	}

	if err := storage.AppendAckEvent(r.layout, r.routerState.Epoch, map[string]any{
		"id": corr, "ack": stage, "agent": agent, "ts": ts,
	}); err != nil {
		return nil, err
	}
	r.metrics.AcksReceived.WithLabelValues(stage).Inc()
	return map[string]any{"status": "ok", "id": corr, "ack": stage, "agent": agent}, nil
}

// PopInbox dequeues up to limit pending messages for an agent. Popping does
// not acknowledge: the delivery stays pending until the agent posts an
// accepted ack.
func (r *Router) PopInbox(agent string, limit int) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.inbox[agent]
	var results []model.Message
	for len(queue) > 0 && len(results) < limit {
		messageID := queue[0]
		queue = queue[1:]
		if message, ok := r.messages[messageID]; ok {
			results = append(results, message)
		}
	}
	r.inbox[agent] = queue
	r.metrics.InboxPops.Add(float64(len(results)))
	return results
}

// Status reports the counters, pending inbox depths, and delivery states.
// Tasks are included on request, optionally filtered to one id.
func (r *Router) Status(includeTasks bool, filterTask string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make(map[string]int, len(r.inbox))
	for agent, queue := range r.inbox {
		pending[agent] = len(queue)
	}
	deliveries := make([]model.DeliveryState, 0, len(r.delivery))
	for _, entry := range r.delivery {
		deliveries = append(deliveries, *entry)
	}
	result := map[string]any{
		"session":       r.sessionID,
		"epoch":         r.routerState.Epoch,
		"last_seq":      r.routerState.LastSeq,
		"pending_inbox": pending,
		"deliveries":    deliveries,
	}
	if includeTasks {
		// Copied by value so callers can marshal outside the lock.
		tasks := make(map[string]model.Task)
		if filterTask != "" {
			if task, ok := r.tasks[filterTask]; ok {
				tasks[filterTask] = *task
			}
		} else {
			for id, task := range r.tasks {
				tasks[id] = *task
			}
		}
		result["tasks"] = tasks
	}
	return result
}

// Trace reconstructs a message's (or a task's) full log history.
func (r *Router) Trace(taskID, messageID string) (map[string]any, error) {
	if taskID != "" && messageID != "" {
		return nil, Invalid("trace supports either task_id or message_id")
	}
	if messageID != "" {
		var messageEvent map[string]any
		err := storage.IterMessageEvents(r.layout, func(record map[string]any) error {
			if messageEvent == nil && record["id"] == messageID {
				messageEvent = record
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		acks := []map[string]any{}
		err = storage.IterAckEvents(r.layout, func(record map[string]any) error {
			if record["id"] == messageID {
				acks = append(acks, record)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": messageID, "message": messageEvent, "acks": acks}, nil
	}
	if taskID != "" {
		messages := []map[string]any{}
		messageIDs := make(map[string]bool)
		err := storage.IterMessageEvents(r.layout, func(record map[string]any) error {
			if record["task_id"] == taskID {
				messages = append(messages, record)
				if id, ok := record["id"].(string); ok && id != "" {
					messageIDs[id] = true
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		acks := []map[string]any{}
		err = storage.IterAckEvents(r.layout, func(record map[string]any) error {
			if id, ok := record["id"].(string); ok && messageIDs[id] {
				acks = append(acks, record)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": taskID, "messages": messages, "acks": acks}, nil
	}
	return nil, Invalid("task_id or message_id required")
}

// RegisterPresence marks an agent online with optional metadata.
func (r *Router) RegisterPresence(agent string, meta map[string]any) (map[string]any, error) {
	if agent == "" {
		return nil, Invalid("agent required")
	}
	now := r.nowMs()
	entry := r.Presence.Register(agent, meta, now)
	r.sink.Publish(model.RouterEvent{Kind: model.EventPresence, Agent: agent, TS: now})
	return r.presencePayload(entry, now), nil
}

// Heartbeat refreshes an agent's liveness.
func (r *Router) Heartbeat(agent string) (map[string]any, error) {
	if agent == "" {
		return nil, Invalid("agent required")
	}
	now := r.nowMs()
	entry := r.Presence.Heartbeat(agent, now)
	return r.presencePayload(entry, now), nil
}

// PresenceStatus reports one agent's liveness, or the whole registry when
// agent is empty.
func (r *Router) PresenceStatus(agent string) map[string]any {
	now := r.nowMs()
	if agent != "" {
		entry, ok := r.Presence.Get(agent, now)
		if !ok {
			return map[string]any{
				"agent":       agent,
				"status":      "unknown",
				"last_seen":   nil,
				"last_change": nil,
				"timeout_ms":  r.Presence.TimeoutMs,
				"now":         now,
			}
		}
		return map[string]any{
			"agent":       agent,
			"status":      string(entry.Status),
			"last_seen":   entry.LastSeen,
			"last_change": entry.LastChange,
			"timeout_ms":  r.Presence.TimeoutMs,
			"now":         now,
		}
	}
	entries := make(map[string]any)
	for name, entry := range r.Presence.Snapshot(now) {
		entries[name] = map[string]any{
			"status":      string(entry.Status),
			"last_seen":   entry.LastSeen,
			"last_change": entry.LastChange,
			"meta":        entry.Meta,
		}
	}
	return map[string]any{"now": now, "timeout_ms": r.Presence.TimeoutMs, "agents": entries}
}

func (r *Router) presencePayload(entry model.PresenceEntry, now int64) map[string]any {
	return map[string]any{
		"agent":       entry.Agent,
		"status":      string(entry.Status),
		"last_seen":   entry.LastSeen,
		"last_change": entry.LastChange,
		"timeout_ms":  r.Presence.TimeoutMs,
		"now":         now,
		"meta":        entry.Meta,
	}
}

func inferAgent(from string) string {
	if from == "" {
		return ""
	}
	if idx := strings.Index(from, "-"); idx >= 0 {
		return from[:idx]
	}
	return from
}

// prepareMessage assigns the generated fields under the router lock: the
// next seq, the composite id, the ingress timestamp, and the default TTL.
func (r *Router) prepareMessage(message model.Message) (model.Message, error) {
	now := r.nowMs()
	prepared := make(model.Message, len(message)+4)
	for k, v := range message {
		prepared[k] = v
	}
	prepared["session"] = r.sessionID
	prepared["epoch"] = r.routerState.Epoch
	r.routerState = state.AdvanceSeq(r.routerState, now)
	if err := state.SaveRouterState(r.layout, r.routerState); err != nil {
		return nil, err
	}
	prepared["seq"] = r.routerState.LastSeq
	prepared["id"] = fmt.Sprintf("%s-%d-%d", r.sessionID, r.routerState.Epoch, r.routerState.LastSeq)
	prepared["ts"] = now
	to, err := protocol.NormalizeTo(prepared["to"])
	if err != nil {
		return nil, Invalid("to invalid: " + err.Error())
	}
	prepared["to"] = to
	if _, ok := prepared["ttl_ms"]; !ok {
		prepared["ttl_ms"] = r.cfg.DefaultTTLMs
	}
	if err := r.externalizeBody(prepared); err != nil {
		return nil, err
	}
	return prepared, nil
}

// externalizeBody moves oversized bodies into the blob store, leaving a
// body_ref behind so the log line stays small.
func (r *Router) externalizeBody(message model.Message) error {
	if r.cfg.BlobThresholdBytes <= 0 {
		return nil
	}
	body, ok := message["body"].(string)
	if !ok || len(body) <= r.cfg.BlobThresholdBytes {
		return nil
	}
	if _, hasRef := message["body_ref"]; hasRef {
		return nil
	}
	blobID := message["id"].(string)
	if _, err := storage.WriteBlob(r.layout, blobID, map[string]any{
		"body":          body,
		"body_encoding": message["body_encoding"],
	}); err != nil {
		return err
	}
	message["body"] = ""
	message["body_ref"] = blobID
	return nil
}

func (r *Router) recordMessage(message model.Message) error {
	id := message["id"].(string)
	r.messages[id] = message
	return storage.AppendMessageEvent(r.layout, r.routerState.Epoch, message)
}

// resolveRecipients maps targets onto live agent instances: an exact
// instance match wins, otherwise the target is treated as a role and every
// online instance with that role receives the message, otherwise the target
// passes through literally. Duplicates collapse, keeping first position.
func (r *Router) resolveRecipients(targets []string, now int64) []string {
	if len(targets) == 0 {
		return nil
	}
	snapshot := r.Presence.Snapshot(now)
	var resolved []string
	for _, target := range targets {
		if _, ok := snapshot[target]; ok {
			resolved = append(resolved, target)
			continue
		}
		matched := false
		for _, entry := range snapshot {
			if entry.Status != model.PresenceOnline {
				continue
			}
			if entry.Meta != nil && entry.Meta["role"] == target {
				resolved = append(resolved, entry.Agent)
				matched = true
			}
		}
		if !matched {
			resolved = append(resolved, target)
		}
	}
	seen := make(map[string]bool, len(resolved))
	deduped := resolved[:0]
	for _, agent := range resolved {
		if !seen[agent] {
			seen[agent] = true
			deduped = append(deduped, agent)
		}
	}
	return deduped
}

func (r *Router) deliverToInbox(message model.Message, agent string, now int64) error {
	id := message["id"].(string)
	if err := storage.AppendInboxEvent(r.layout, agent, storage.InboxEventDeliver, id, now); err != nil {
		return err
	}
	r.inbox[agent] = append(r.inbox[agent], id)

	key := model.DeliveryKey{MessageID: id, Agent: agent}
	entry, ok := r.delivery[key]
	if !ok {
		r.delivery[key] = &model.DeliveryState{
			MessageID:   id,
			Agent:       agent,
			Status:      model.DeliveryDelivered,
			RetryCount:  0,
			FirstTS:     now,
			LastTS:      now,
			NextRetryAt: now + r.cfg.AckTimeoutMs,
			ExpiresAt:   r.computeExpiresAt(message),
		}
	} else {
		entry.LastTS = now
		entry.Status = model.DeliveryDelivered
	}
	r.metrics.Deliveries.Inc()
	return nil
}

func (r *Router) removeFromInbox(agent, messageID string) {
	queue := r.inbox[agent]
	if len(queue) == 0 {
		return
	}
	filtered := queue[:0]
	for _, id := range queue {
		if id != messageID {
			filtered = append(filtered, id)
		}
	}
	r.inbox[agent] = filtered
}

// computeExpiresAt derives the delivery deadline: ts+ttl_ms capped by the
// message deadline when both are present.
func (r *Router) computeExpiresAt(message model.Message) int64 {
	if message == nil {
		return 0
	}
	now, ok := model.IntLike(message["ts"])
	if !ok || now == 0 {
		now = r.nowMs()
	}
	var expiry int64
	if ttl, ok := model.IntLike(message["ttl_ms"]); ok {
		expiry = now + ttl
	}
	if deadline, ok := model.IntLike(message["deadline"]); ok {
		if expiry == 0 || deadline < expiry {
			expiry = deadline
		}
	}
	return expiry
}

// updateTask folds a task-bearing message into the projection. A done/fail
// message without an action implies the matching lifecycle action.
func (r *Router) updateTask(message model.Message) error {
	if model.GetString(message, "task_id") == "" {
		return nil
	}
	taskMessage := message
	if model.GetString(message, "action") == "" {
		if msgType := model.GetString(message, "type"); msgType == "done" || msgType == "fail" {
			taskMessage = make(model.Message, len(message)+1)
			for k, v := range message {
				taskMessage[k] = v
			}
			taskMessage["action"] = msgType
		}
	}
	state.ApplyMessageToTasks(r.tasks, taskMessage)
	return state.SaveTasks(r.layout, r.tasks)
}

// loadHistory rebuilds the in-memory maps from the durable logs: the full
// message index, the delivery states folded from ack events, and fresh
// retry deadlines for every message still pending in an inbox.
func (r *Router) loadHistory() error {
	err := storage.IterMessageEvents(r.layout, func(record map[string]any) error {
		if record["event"] != "message" {
			return nil
		}
		id, _ := record["id"].(string)
		if id == "" {
			return nil
		}
		message := make(model.Message, len(record))
		for k, v := range record {
			if k != "event" {
				message[k] = v
			}
		}
		r.messages[id] = message
		return nil
	})
	if err != nil {
		return err
	}

	now := r.nowMs()
	err = storage.IterAckEvents(r.layout, func(record map[string]any) error {
		messageID, _ := record["id"].(string)
		agent, _ := record["agent"].(string)
		stage, _ := record["ack"].(string)
		if stage == "" {
			stage, _ = record["ack_stage"].(string)
		}
		if messageID == "" || agent == "" || stage == "" {
			return nil
		}
		ts, ok := model.IntLike(record["ts"])
		if !ok || ts == 0 {
			ts = now
		}
		key := model.DeliveryKey{MessageID: messageID, Agent: agent}
		entry, exists := r.delivery[key]
		if !exists {
			r.delivery[key] = &model.DeliveryState{
				MessageID: messageID,
				Agent:     agent,
				Status:    recoveredStatus(stage),
				FirstTS:   ts,
				LastTS:    ts,
			}
			return nil
		}
		entry.Status = recoveredStatus(stage)
		entry.LastTS = ts
		return nil
	})
	if err != nil {
		return err
	}

	for agent, ids := range r.inbox {
		for _, messageID := range ids {
			key := model.DeliveryKey{MessageID: messageID, Agent: agent}
			expiresAt := r.computeExpiresAt(r.messages[messageID])
			entry, exists := r.delivery[key]
			if !exists {
				r.delivery[key] = &model.DeliveryState{
					MessageID:   messageID,
					Agent:       agent,
					Status:      model.DeliveryDelivered,
					FirstTS:     now,
					LastTS:      now,
					NextRetryAt: now + r.cfg.AckTimeoutMs,
					ExpiresAt:   expiresAt,
				}
				continue
			}
			entry.Status = model.DeliveryDelivered
			entry.LastTS = now
			entry.NextRetryAt = now + r.cfg.AckTimeoutMs
			if entry.ExpiresAt == 0 {
				entry.ExpiresAt = expiresAt
			}
		}
	}
	return nil
}

// recoveredStatus maps a logged ack stage onto a delivery status.
func recoveredStatus(stage string) model.DeliveryStatus {
	switch stage {
	case "accepted":
		return model.DeliveryAccepted
	case "nack":
		return model.DeliveryFailed
	default:
		return model.DeliveryDelivered
	}
}

func (r *Router) retryLoop(stop <-chan struct{}) {
	defer r.stopped.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.RetryPollIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.RunRetryPass()
		}
	}
}

// RunRetryPass executes one sweep over the delivery states: expired or
// retry-exhausted deliveries fail, due ones are redelivered with the next
// backoff step, and stale presence entries flip offline.
func (r *Router) RunRetryPass() {
	now := r.nowMs()
	r.mu.Lock()
	for _, entry := range r.delivery {
		if entry.Status == model.DeliveryAccepted || entry.Status == model.DeliveryFailed {
			continue
		}
		if entry.ExpiresAt != 0 && now >= entry.ExpiresAt {
			r.markFailed(entry, "deadline_exceeded", now)
			continue
		}
		if entry.NextRetryAt != 0 && now < entry.NextRetryAt {
			continue
		}
		if entry.RetryCount >= r.cfg.MaxRetries {
			r.markFailed(entry, "max_retries", now)
			continue
		}
		message, ok := r.messages[entry.MessageID]
		if !ok {
			continue
		}
		delay := r.retryDelay(entry.RetryCount)
		if delay < r.cfg.AckTimeoutMs {
			delay = r.cfg.AckTimeoutMs
		}
		entry.RetryCount++
		entry.LastTS = now
		entry.NextRetryAt = now + delay
		if err := r.deliverToInbox(message, entry.Agent, now); err != nil {
			r.log.Error("redelivery failed", zap.String("id", entry.MessageID), zap.Error(err))
			continue
		}
		r.metrics.Retries.Inc()
		r.log.Debug("message redelivered",
			zap.String("id", entry.MessageID),
			zap.String("agent", entry.Agent),
			zap.Int("retry_count", entry.RetryCount))
	}
	r.mu.Unlock()
	r.Presence.Expire(now)
}

// retryDelay picks the backoff step for the retry count with symmetric
// jitter applied.
func (r *Router) retryDelay(retryCount int) int64 {
	backoff := r.cfg.RetryBackoffMs
	idx := retryCount
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	base := backoff[idx]
	jitter := float64(base) * r.cfg.JitterRatio
	delay := float64(base) + (rand.Float64()*2-1)*jitter
	if delay < 0 {
		return 0
	}
	return int64(delay)
}

func (r *Router) markFailed(entry *model.DeliveryState, reason string, now int64) {
	entry.Status = model.DeliveryFailed
	entry.FailureReason = reason
	entry.NextRetryAt = 0
	r.reportFailure(FailureInfo{
		MessageID:  entry.MessageID,
		Agent:      entry.Agent,
		Reason:     reason,
		RetryCount: entry.RetryCount,
	}, now)
}

func (r *Router) reportFailure(info FailureInfo, now int64) {
	r.onFail(info)
	r.metrics.Failures.WithLabelValues(info.Reason).Inc()
	r.sink.Publish(model.RouterEvent{
		Kind:      model.EventFailed,
		MessageID: info.MessageID,
		Agent:     info.Agent,
		Reason:    info.Reason,
		TS:        now,
	})
	r.log.Warn("delivery failed",
		zap.String("id", info.MessageID),
		zap.String("agent", info.Agent),
		zap.String("reason", info.Reason),
		zap.Int("retry_count", info.RetryCount))
}

// defaultFailureHandler appends the failure record to logs/failures.log.
func (r *Router) defaultFailureHandler(info FailureInfo) {
	if err := storage.AppendJSONL(r.layout.FailuresLogPath(), info); err != nil {
		r.log.Error("failure log append failed", zap.Error(err))
	}
}
