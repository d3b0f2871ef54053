package protocol

import (
	"teamrouter/internal/model"
)

// BuildInput carries the common fields of every built message. Seq, ID, and
// TS are assigned by the router at ingress and are normally left zero.
type BuildInput struct {
	Session       string
	Epoch         int64
	AgentInstance string
	From          string
	To            any
	Type          model.MessageType
	Action        model.ActionType
	TaskID        string
	Owner         string
	Deadline      int64
	Corr          string
	TTLMs         int64
	Body          any
	BodyEncoding  model.BodyEncoding
	BodyRef       string
}

// BuildMessage assembles a message object without forcing seq/id/ts.
func BuildMessage(in BuildInput) (model.Message, error) {
	to, err := NormalizeTo(in.To)
	if err != nil {
		return nil, err
	}
	msg := model.Message{
		"v":              1,
		"session":        in.Session,
		"epoch":          in.Epoch,
		"agent_instance": in.AgentInstance,
		"from":           in.From,
		"to":             to,
		"type":           string(in.Type),
	}
	if in.Action != "" {
		msg["action"] = string(in.Action)
	}
	if in.TaskID != "" {
		msg["task_id"] = in.TaskID
	}
	if in.Owner != "" {
		msg["owner"] = in.Owner
	}
	if in.Deadline != 0 {
		msg["deadline"] = in.Deadline
	}
	if in.Corr != "" {
		msg["corr"] = in.Corr
	}
	if in.TTLMs != 0 {
		msg["ttl_ms"] = in.TTLMs
	}

	body := in.Body
	if body == nil && in.BodyRef != "" {
		body = ""
	}
	if body != nil || in.BodyRef != "" {
		encoding := in.BodyEncoding
		if encoding == "" {
			encoding = model.DefaultBodyEncoding
		}
		encoded, err := EncodeBody(body)
		if err != nil {
			return nil, err
		}
		msg["body_encoding"] = string(encoding)
		msg["body"] = encoded
		if in.BodyRef != "" {
			msg["body_ref"] = in.BodyRef
		}
	}
	return msg, nil
}

// AssignSpec describes an `assign` task request.
type AssignSpec struct {
	TaskType        string
	Files           []string
	SuccessCriteria []string
	Dependencies    []string
}

// BuildAssign builds an assignment request message.
func BuildAssign(in BuildInput, spec AssignSpec) (model.Message, error) {
	deps := spec.Dependencies
	if deps == nil {
		deps = []string{}
	}
	in.Type = model.MessageTypeAsk
	in.Action = model.ActionAssign
	in.Body = map[string]any{
		"task_type":        spec.TaskType,
		"files":            spec.Files,
		"success_criteria": spec.SuccessCriteria,
		"dependencies":     deps,
	}
	return BuildMessage(in)
}

// ReviewSpec describes a `review` request.
type ReviewSpec struct {
	DocPath        string
	Focus          []string
	Reviewers      []string
	ReviewDeadline int64
}

// BuildReview builds a review request message. When Reviewers is nil the
// normalized `to` list is used, keeping the reviewers/to invariant intact.
func BuildReview(in BuildInput, spec ReviewSpec) (model.Message, error) {
	to, err := NormalizeTo(in.To)
	if err != nil {
		return nil, err
	}
	reviewers := spec.Reviewers
	if reviewers == nil {
		reviewers = to
	}
	focus := spec.Focus
	if focus == nil {
		focus = []string{}
	}
	in.To = to
	in.Type = model.MessageTypeAsk
	in.Action = model.ActionReview
	in.Body = map[string]any{
		"doc_path":        spec.DocPath,
		"focus":           focus,
		"reviewers":       reviewers,
		"review_deadline": spec.ReviewDeadline,
	}
	return BuildMessage(in)
}

// ClarifySpec describes a `clarify` question about code under review.
type ClarifySpec struct {
	CodePath string
	Question string
	Context  string
	Expected string
	DocPath  string
}

// BuildClarify builds a clarify request message.
func BuildClarify(in BuildInput, spec ClarifySpec) (model.Message, error) {
	body := map[string]any{
		"code_path": spec.CodePath,
		"question":  spec.Question,
		"context":   spec.Context,
	}
	if spec.Expected != "" {
		body["expected"] = spec.Expected
	}
	if spec.DocPath != "" {
		body["doc_path"] = spec.DocPath
	}
	in.Type = model.MessageTypeAsk
	in.Action = model.ActionClarify
	in.Body = body
	return BuildMessage(in)
}

// VerifySpec describes a `verify` request against a document.
type VerifySpec struct {
	DocPath        string
	Question       string
	ChangesSummary string
}

// BuildVerify builds a verify request message.
func BuildVerify(in BuildInput, spec VerifySpec) (model.Message, error) {
	body := map[string]any{
		"doc_path": spec.DocPath,
		"question": spec.Question,
	}
	if spec.ChangesSummary != "" {
		body["changes_summary"] = spec.ChangesSummary
	}
	in.Type = model.MessageTypeAsk
	in.Action = model.ActionVerify
	in.Body = body
	return BuildMessage(in)
}

// BuildAnswer builds an `answer` reply carrying an arbitrary non-empty body.
func BuildAnswer(in BuildInput, body map[string]any) (model.Message, error) {
	in.Type = model.MessageTypeSend
	in.Action = model.ActionAnswer
	in.Body = body
	return BuildMessage(in)
}

// BuildDone builds a `done` completion report.
func BuildDone(in BuildInput, body map[string]any) (model.Message, error) {
	in.Type = model.MessageTypeDone
	if body != nil {
		in.Body = body
	}
	return BuildMessage(in)
}

// BuildFail builds a `fail` report with a required reason.
func BuildFail(in BuildInput, reason string, blockedBy []string) (model.Message, error) {
	body := map[string]any{"reason": reason}
	if blockedBy != nil {
		body["blocked_by"] = blockedBy
	}
	in.Type = model.MessageTypeFail
	in.Body = body
	return BuildMessage(in)
}
