package router

import (
	"os"
	"strings"
	"testing"

	"teamrouter/internal/model"
	"teamrouter/internal/storage"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) Now() int64       { return c.now }
func (c *fakeClock) Advance(ms int64) { c.now += ms }

func testRouter(t *testing.T, workspace string, clock *fakeClock) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AckTimeoutMs = 1000
	cfg.RetryBackoffMs = []int64{1000, 2000}
	cfg.MaxRetries = 2
	cfg.JitterRatio = 0
	cfg.DefaultTTLMs = 3600000
	r, err := New(Options{
		Workspace: workspace,
		Config:    cfg,
		NowMs:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func askMessage(to any) model.Message {
	return model.Message{
		"agent_instance": "lead-1",
		"from":           "lead-1",
		"to":             to,
		"type":           "ask",
	}
}

func TestReceiveMessageDelivers(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	result, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if result["status"] != "delivered" {
		t.Fatalf("status: %v", result)
	}
	if result["seq"].(int64) != 1 {
		t.Fatalf("seq: %v", result["seq"])
	}
	id := result["id"].(string)
	if !strings.HasPrefix(id, r.SessionID()+"-") || !strings.HasSuffix(id, "-1") {
		t.Fatalf("id shape: %s", id)
	}
	acks := result["acks"].([]map[string]any)
	if len(acks) != 1 || acks[0]["ack"] != "delivered" || acks[0]["agent"] != "coder-1" {
		t.Fatalf("acks: %v", acks)
	}

	status := r.Status(false, "")
	if status["pending_inbox"].(map[string]int)["coder-1"] != 1 {
		t.Fatalf("pending: %v", status["pending_inbox"])
	}
	if !r.HasPendingDelivery(id) {
		t.Fatal("delivery not reported pending")
	}
}

func TestReceiveMessageRejectsInvalid(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	msg := askMessage([]any{"coder-1"})
	msg["type"] = "report" // report without corr
	_, err := r.ReceiveMessage(msg)
	if err == nil || !IsInvalid(err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if !strings.Contains(err.Error(), "corr required") {
		t.Fatalf("error text: %v", err)
	}
}

func TestAcceptedAckClearsInbox(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	result, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id := result["id"].(string)

	ackResult, err := r.ReceiveAck(model.Message{
		"ack_stage": "accepted",
		"corr":      id,
		"agent":     "coder-1",
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ackResult["status"] != "ok" || ackResult["ack"] != "accepted" {
		t.Fatalf("ack result: %v", ackResult)
	}

	status := r.Status(false, "")
	if status["pending_inbox"].(map[string]int)["coder-1"] != 0 {
		t.Fatalf("inbox not cleared: %v", status["pending_inbox"])
	}
	deliveries := status["deliveries"].([]model.DeliveryState)
	if len(deliveries) != 1 || deliveries[0].Status != model.DeliveryAccepted {
		t.Fatalf("deliveries: %+v", deliveries)
	}

	// Accepted is terminal: a retry pass must not redeliver.
	clock.Advance(100000)
	r.RunRetryPass()
	if got := r.PopInbox("coder-1", 10); len(got) != 0 {
		t.Fatalf("redelivered after accept: %v", got)
	}
	if r.HasPendingDelivery(id) {
		t.Fatal("accepted delivery still reported pending")
	}
}

func TestLateAcksDoNotReopenTerminalStates(t *testing.T) {
	clock := &fakeClock{now: 1000}
	failures := 0
	workspace := t.TempDir()
	cfg := DefaultConfig()
	cfg.AckTimeoutMs = 1000
	cfg.JitterRatio = 0
	r, err := New(Options{
		Workspace: workspace,
		Config:    cfg,
		NowMs:     clock.Now,
		OnFailure: func(FailureInfo) { failures++ },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	result, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id := result["id"].(string)
	if _, err := r.ReceiveAck(model.Message{"ack_stage": "accepted", "corr": id, "agent": "coder-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A straggling delivered ack must not downgrade the accepted state or
	// make the delivery due for retry again.
	if _, err := r.ReceiveAck(model.Message{"ack_stage": "delivered", "corr": id, "agent": "coder-1"}); err != nil {
		t.Fatalf("late delivered: %v", err)
	}
	deliveries := r.Status(false, "")["deliveries"].([]model.DeliveryState)
	if len(deliveries) != 1 || deliveries[0].Status != model.DeliveryAccepted {
		t.Fatalf("accepted state lost: %+v", deliveries)
	}
	clock.Advance(1000000)
	r.RunRetryPass()
	if got := r.PopInbox("coder-1", 10); len(got) != 0 {
		t.Fatalf("accepted message redelivered: %v", got)
	}

	// Nack after a terminal state only lands in the ack log.
	if _, err := r.ReceiveAck(model.Message{"ack_stage": "nack", "corr": id, "agent": "coder-1"}); err != nil {
		t.Fatalf("late nack: %v", err)
	}
	deliveries = r.Status(false, "")["deliveries"].([]model.DeliveryState)
	if deliveries[0].Status != model.DeliveryAccepted {
		t.Fatalf("nack moved terminal state: %+v", deliveries)
	}
	if failures != 0 {
		t.Fatalf("failure hook fired %d times", failures)
	}

	acks := 0
	err = storage.IterAckEvents(r.Layout(), func(record map[string]any) error {
		if record["id"] == id {
			acks++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("iter acks: %v", err)
	}
	// initial delivered + accepted + both late acks
	if acks != 4 {
		t.Fatalf("ack log entries: %d", acks)
	}
}

func TestNackAfterFailedDoesNotRefireFailureHook(t *testing.T) {
	clock := &fakeClock{now: 1000}
	failures := 0
	cfg := DefaultConfig()
	cfg.JitterRatio = 0
	r, err := New(Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		NowMs:     clock.Now,
		OnFailure: func(FailureInfo) { failures++ },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	result, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id := result["id"].(string)
	for i := 0; i < 2; i++ {
		if _, err := r.ReceiveAck(model.Message{"type": "nack", "corr": id, "agent": "coder-1", "reason": "busy"}); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}
	if failures != 1 {
		t.Fatalf("failure hook fired %d times", failures)
	}
}

func TestConcurrentIngressKeepsSeqConsistent(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	const senders = 8
	errCh := make(chan error, senders)
	for i := 0; i < senders; i++ {
		go func() {
			_, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
			errCh <- err
		}()
	}
	for i := 0; i < senders; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("receive: %v", err)
		}
	}

	status := r.Status(false, "")
	if status["last_seq"].(int64) != senders {
		t.Fatalf("last_seq: %v", status["last_seq"])
	}
	if status["pending_inbox"].(map[string]int)["coder-1"] != senders {
		t.Fatalf("pending: %v", status["pending_inbox"])
	}
}

func TestNackMarksFailedAndLogs(t *testing.T) {
	clock := &fakeClock{now: 1000}
	workspace := t.TempDir()
	r := testRouter(t, workspace, clock)

	result, err := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id := result["id"].(string)

	if _, err := r.ReceiveAck(model.Message{
		"type":   "nack",
		"corr":   id,
		"agent":  "coder-1",
		"reason": "not_authorized",
	}); err != nil {
		t.Fatalf("nack: %v", err)
	}

	status := r.Status(false, "")
	deliveries := status["deliveries"].([]model.DeliveryState)
	if len(deliveries) != 1 || deliveries[0].Status != model.DeliveryFailed || deliveries[0].FailureReason != "not_authorized" {
		t.Fatalf("deliveries: %+v", deliveries)
	}

	data, err := os.ReadFile(r.Layout().FailuresLogPath())
	if err != nil {
		t.Fatalf("failures log: %v", err)
	}
	if !strings.Contains(string(data), "not_authorized") {
		t.Fatalf("failures log content: %s", data)
	}
}

func TestAckInfersAgentFromFrom(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	result, _ := r.ReceiveMessage(askMessage([]any{"coder"}))
	id := result["id"].(string)

	ackResult, err := r.ReceiveAck(model.Message{
		"ack_stage": "accepted",
		"id":        id,
		"from":      "coder-1",
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ackResult["agent"] != "coder" {
		t.Fatalf("inferred agent: %v", ackResult["agent"])
	}
}

func TestAckValidation(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	_, err := r.ReceiveAck(model.Message{"ack_stage": "accepted"})
	if err == nil || err.Error() != "ack must include ack_stage, corr/id, and agent" {
		t.Fatalf("got %v", err)
	}
	_, err = r.ReceiveAck(model.Message{"ack_stage": "bogus", "corr": "x", "agent": "a"})
	if err == nil || err.Error() != "ack_stage invalid" {
		t.Fatalf("got %v", err)
	}
}

func TestPopInboxDoesNotAck(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	first, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	second, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))

	popped := r.PopInbox("coder-1", 1)
	if len(popped) != 1 || popped[0]["id"] != first["id"] {
		t.Fatalf("pop order: %v", popped)
	}
	popped = r.PopInbox("coder-1", 5)
	if len(popped) != 1 || popped[0]["id"] != second["id"] {
		t.Fatalf("second pop: %v", popped)
	}

	// Delivery states stay pending; an unacked pop is still retried.
	status := r.Status(false, "")
	for _, d := range status["deliveries"].([]model.DeliveryState) {
		if d.Status != model.DeliveryDelivered {
			t.Fatalf("delivery transitioned on pop: %+v", d)
		}
	}
}

func TestRetryRedeliversThenExhausts(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	result, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	id := result["id"].(string)
	r.PopInbox("coder-1", 1)

	// First due pass: retry_count 0 -> 1, message re-enqueued.
	clock.Advance(1500)
	r.RunRetryPass()
	popped := r.PopInbox("coder-1", 5)
	if len(popped) != 1 || popped[0]["id"] != id {
		t.Fatalf("redelivery: %v", popped)
	}

	// Second due pass: retry_count 1 -> 2.
	clock.Advance(3000)
	r.RunRetryPass()

	// Third due pass: retry_count at max, delivery fails.
	clock.Advance(3000)
	r.RunRetryPass()

	status := r.Status(false, "")
	deliveries := status["deliveries"].([]model.DeliveryState)
	if len(deliveries) != 1 {
		t.Fatalf("deliveries: %+v", deliveries)
	}
	if deliveries[0].Status != model.DeliveryFailed || deliveries[0].FailureReason != "max_retries" {
		t.Fatalf("expected max_retries failure: %+v", deliveries[0])
	}
	if deliveries[0].RetryCount != 2 {
		t.Fatalf("retry count: %d", deliveries[0].RetryCount)
	}
}

func TestRetryDeadlineExceeded(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	msg := askMessage([]any{"coder-1"})
	msg["ttl_ms"] = int64(2000)
	if _, err := r.ReceiveMessage(msg); err != nil {
		t.Fatalf("receive: %v", err)
	}

	clock.Advance(5000)
	r.RunRetryPass()

	status := r.Status(false, "")
	deliveries := status["deliveries"].([]model.DeliveryState)
	if deliveries[0].Status != model.DeliveryFailed || deliveries[0].FailureReason != "deadline_exceeded" {
		t.Fatalf("expected deadline failure: %+v", deliveries[0])
	}
}

func TestRoleResolutionViaPresence(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	r.RegisterPresence("coder-1", map[string]any{"role": "coder"})
	r.RegisterPresence("coder-2", map[string]any{"role": "coder"})
	r.RegisterPresence("reviewer-1", map[string]any{"role": "reviewer"})

	result, err := r.ReceiveMessage(askMessage([]any{"coder"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	acks := result["acks"].([]map[string]any)
	if len(acks) != 2 {
		t.Fatalf("expected fan-out to both coder instances: %v", acks)
	}
	agents := map[any]bool{acks[0]["agent"]: true, acks[1]["agent"]: true}
	if !agents["coder-1"] || !agents["coder-2"] {
		t.Fatalf("agents: %v", agents)
	}

	// Unknown target falls through literally.
	result, err = r.ReceiveMessage(askMessage([]any{"ghost-9"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	acks = result["acks"].([]map[string]any)
	if len(acks) != 1 || acks[0]["agent"] != "ghost-9" {
		t.Fatalf("literal fallback: %v", acks)
	}
}

func TestRoleResolutionSkipsOfflineInstances(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	r.RegisterPresence("coder-2", map[string]any{"role": "coder"})
	// Let coder-2 miss its heartbeats before coder-1 comes up.
	clock.Advance(r.Presence.TimeoutMs + 1000)
	r.RegisterPresence("coder-1", map[string]any{"role": "coder"})

	result, err := r.ReceiveMessage(askMessage([]any{"coder"}))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	acks := result["acks"].([]map[string]any)
	if len(acks) != 1 || acks[0]["agent"] != "coder-1" {
		t.Fatalf("offline instance received role message: %v", acks)
	}
}

func TestTaskAggregation(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	assign := askMessage([]any{"coder-1"})
	assign["action"] = "assign"
	assign["task_id"] = "T1"
	assign["owner"] = "coder"
	assign["deadline"] = int64(90000)
	assign["body"] = `{"task_type":"feature","files":["a.go"],"success_criteria":["builds"]}`
	first, err := r.ReceiveMessage(assign)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	status := r.Status(true, "T1")
	tasks := status["tasks"].(map[string]model.Task)
	if tasks["T1"].Status != model.TaskOpen || tasks["T1"].Owner != "coder" {
		t.Fatalf("after assign: %+v", tasks["T1"])
	}

	// done without an explicit action still closes the task.
	done := model.Message{
		"agent_instance": "coder-1",
		"from":           "coder-1",
		"to":             []any{"lead-1"},
		"type":           "done",
		"corr":           first["id"],
		"task_id":        "T1",
	}
	if _, err := r.ReceiveMessage(done); err != nil {
		t.Fatalf("done: %v", err)
	}
	status = r.Status(true, "")
	tasks = status["tasks"].(map[string]model.Task)
	if tasks["T1"].Status != model.TaskDone {
		t.Fatalf("after done: %+v", tasks["T1"])
	}

	// Filtering an unknown task yields an empty map.
	status = r.Status(true, "nope")
	if len(status["tasks"].(map[string]model.Task)) != 0 {
		t.Fatalf("filter: %v", status["tasks"])
	}
}

func TestStatusTasksAreSnapshots(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	assign := askMessage([]any{"coder-1"})
	assign["action"] = "assign"
	assign["task_id"] = "T1"
	assign["owner"] = "coder"
	assign["deadline"] = int64(90000)
	assign["body"] = `{"task_type":"feature","files":["a.go"],"success_criteria":["builds"]}`
	first, err := r.ReceiveMessage(assign)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	before := r.Status(true, "")["tasks"].(map[string]model.Task)

	done := model.Message{
		"agent_instance": "coder-1",
		"from":           "coder-1",
		"to":             []any{"lead-1"},
		"type":           "done",
		"corr":           first["id"],
		"task_id":        "T1",
	}
	if _, err := r.ReceiveMessage(done); err != nil {
		t.Fatalf("done: %v", err)
	}

	// The earlier snapshot must not see the later mutation.
	if before["T1"].Status != model.TaskOpen {
		t.Fatalf("snapshot mutated: %+v", before["T1"])
	}
	after := r.Status(true, "")["tasks"].(map[string]model.Task)
	if after["T1"].Status != model.TaskDone {
		t.Fatalf("after done: %+v", after["T1"])
	}
}

func TestTrace(t *testing.T) {
	clock := &fakeClock{now: 1000}
	r := testRouter(t, t.TempDir(), clock)

	assign := askMessage([]any{"coder-1"})
	assign["action"] = "assign"
	assign["task_id"] = "T1"
	assign["owner"] = "coder"
	assign["deadline"] = int64(90000)
	assign["body"] = `{"task_type":"feature","files":["a.go"],"success_criteria":["builds"]}`
	result, _ := r.ReceiveMessage(assign)
	id := result["id"].(string)
	r.ReceiveAck(model.Message{"ack_stage": "accepted", "corr": id, "agent": "coder-1"})

	byMessage, err := r.Trace("", id)
	if err != nil {
		t.Fatalf("trace message: %v", err)
	}
	if byMessage["message"].(map[string]any)["id"] != id {
		t.Fatalf("trace message: %v", byMessage)
	}
	if acks := byMessage["acks"].([]map[string]any); len(acks) != 2 {
		t.Fatalf("trace acks: %v", acks)
	}

	byTask, err := r.Trace("T1", "")
	if err != nil {
		t.Fatalf("trace task: %v", err)
	}
	if msgs := byTask["messages"].([]map[string]any); len(msgs) != 1 {
		t.Fatalf("trace task messages: %v", msgs)
	}

	if _, err := r.Trace("T1", id); err == nil || err.Error() != "trace supports either task_id or message_id" {
		t.Fatalf("got %v", err)
	}
	if _, err := r.Trace("", ""); err == nil || err.Error() != "task_id or message_id required" {
		t.Fatalf("got %v", err)
	}
}

func TestRecoveryAcrossRestart(t *testing.T) {
	clock := &fakeClock{now: 1000}
	workspace := t.TempDir()
	r := testRouter(t, workspace, clock)

	first, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	second, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))
	r.ReceiveAck(model.Message{"ack_stage": "accepted", "corr": first["id"], "agent": "coder-1"})

	sessionID := r.SessionID()
	epoch := r.Status(false, "")["epoch"].(int64)

	// Simulated restart: a new router over the same workspace.
	restarted := testRouter(t, workspace, clock)
	if restarted.SessionID() != sessionID {
		t.Fatalf("session changed across restart")
	}
	status := restarted.Status(false, "")
	if status["epoch"].(int64) != epoch+1 {
		t.Fatalf("epoch not bumped: %v vs %v", status["epoch"], epoch)
	}
	if status["last_seq"].(int64) != 2 {
		t.Fatalf("last_seq lost: %v", status["last_seq"])
	}
	if status["pending_inbox"].(map[string]int)["coder-1"] != 1 {
		t.Fatalf("pending inbox: %v", status["pending_inbox"])
	}
	popped := restarted.PopInbox("coder-1", 5)
	if len(popped) != 1 || popped[0]["id"] != second["id"] {
		t.Fatalf("recovered inbox: %v", popped)
	}

	// New ids continue under the new epoch without seq reuse.
	third, err := restarted.ReceiveMessage(askMessage([]any{"coder-1"}))
	if err != nil {
		t.Fatalf("post-restart receive: %v", err)
	}
	if third["seq"].(int64) != 3 {
		t.Fatalf("seq after restart: %v", third["seq"])
	}
}

func TestRecoveryWithoutInboxJournals(t *testing.T) {
	clock := &fakeClock{now: 1000}
	workspace := t.TempDir()
	r := testRouter(t, workspace, clock)

	result, _ := r.ReceiveMessage(askMessage([]any{"coder-1"}))

	// Lose the inbox journal; logs alone must reconstruct the queue.
	if err := os.Remove(r.Layout().InboxPath("coder-1")); err != nil {
		t.Fatalf("remove journal: %v", err)
	}
	restarted := testRouter(t, workspace, clock)
	popped := restarted.PopInbox("coder-1", 5)
	if len(popped) != 1 || popped[0]["id"] != result["id"] {
		t.Fatalf("rebuilt inbox: %v", popped)
	}
}

func TestBodyExternalizedToBlob(t *testing.T) {
	clock := &fakeClock{now: 1000}
	cfg := DefaultConfig()
	cfg.JitterRatio = 0
	cfg.BlobThresholdBytes = 64
	r, err := New(Options{Workspace: t.TempDir(), Config: cfg, NowMs: clock.Now})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	msg := askMessage([]any{"coder-1"})
	msg["body"] = `{"payload":"` + strings.Repeat("x", 200) + `"}`
	result, err := r.ReceiveMessage(msg)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id := result["id"].(string)

	popped := r.PopInbox("coder-1", 1)
	if popped[0]["body"] != "" || popped[0]["body_ref"] != id {
		t.Fatalf("body not externalized: %v", popped[0])
	}
	payload, exists, err := storage.ReadBlob(r.Layout(), id)
	if err != nil || !exists {
		t.Fatalf("blob: exists=%v err=%v", exists, err)
	}
	if !strings.Contains(payload["body"].(string), "payload") {
		t.Fatalf("blob content: %v", payload)
	}
}
