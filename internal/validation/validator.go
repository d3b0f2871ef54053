// Package validation enforces the message protocol contract. The router
// rejects any message for which Validate returns a non-empty error list.
package validation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"teamrouter/internal/model"
	"teamrouter/internal/protocol"
)

// Error carries the full list of protocol violations for one message.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	return strings.Join(e.Errors, "; ")
}

// Options controls validation strictness.
type Options struct {
	// AllowMissingGenerated skips the seq/id/ts requirement for messages
	// that have not passed ingress yet.
	AllowMissingGenerated bool
}

func isNonEmptyString(value any) bool {
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) != ""
}

func intValue(value any) (int64, bool) {
	return model.IntLike(value)
}

func requireStr(container map[string]any, field string, errs *[]string, context string) (string, bool) {
	if !isNonEmptyString(container[field]) {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be non-empty string", context, field))
		return "", false
	}
	return container[field].(string), true
}

func requireBool(container map[string]any, field string, errs *[]string, context string) (bool, bool) {
	v, ok := container[field]
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s missing", context, field))
		return false, false
	}
	b, ok := v.(bool)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be boolean", context, field))
		return false, false
	}
	return b, true
}

func requireInt(container map[string]any, field string, errs *[]string, context string) (int64, bool) {
	v, ok := container[field]
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s missing", context, field))
		return 0, false
	}
	n, ok := intValue(v)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be int-like", context, field))
		return 0, false
	}
	return n, true
}

func requireStringList(container map[string]any, field string, errs *[]string, context string, allowEmpty bool) ([]string, bool) {
	v, ok := container[field]
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s missing", context, field))
		return nil, false
	}
	items, ok := asList(v)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be list", context, field))
		return nil, false
	}
	if len(items) == 0 && !allowEmpty {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be non-empty list", context, field))
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !isNonEmptyString(item) {
			*errs = append(*errs, fmt.Sprintf("%s.%s must be list of non-empty strings", context, field))
			return nil, false
		}
		out = append(out, item.(string))
	}
	return out, true
}

func optionalStringList(container map[string]any, field string, errs *[]string, context string) {
	v, ok := container[field]
	if !ok {
		return
	}
	items, ok := asList(v)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be list", context, field))
		return
	}
	for _, item := range items {
		if !isNonEmptyString(item) {
			*errs = append(*errs, fmt.Sprintf("%s.%s must be list of non-empty strings", context, field))
			return
		}
	}
}

func optionalStr(container map[string]any, field string, errs *[]string, context string) {
	if _, ok := container[field]; !ok {
		return
	}
	if !isNonEmptyString(container[field]) {
		*errs = append(*errs, fmt.Sprintf("%s.%s must be non-empty string", context, field))
	}
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func requireJSONBody(action string, bodyEncoding string, parsedBody map[string]any, errs *[]string) (map[string]any, bool) {
	if bodyEncoding != "json" {
		*errs = append(*errs, action+" requires body_encoding json")
		return nil, false
	}
	if parsedBody == nil {
		*errs = append(*errs, action+" requires json body")
		return nil, false
	}
	return parsedBody, true
}

// Validate returns the list of protocol violations for a decoded message
// object. An empty list means the message is acceptable for ingress.
func Validate(message map[string]any, opts Options) []string {
	var errs []string
	if message == nil {
		return []string{"message must be an object"}
	}

	required := []string{"v", "session", "epoch", "agent_instance", "from", "to", "type"}
	if !opts.AllowMissingGenerated {
		required = append(required, "seq", "id", "ts")
	}
	for _, key := range required {
		if _, ok := message[key]; !ok {
			errs = append(errs, "missing field: "+key)
		}
	}

	if v, ok := message["v"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "v must be int-like")
	}
	if v, ok := message["session"]; ok {
		if _, isStr := v.(string); !isStr {
			errs = append(errs, "session must be string")
		}
	}
	if v, ok := message["epoch"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "epoch must be int-like")
	}
	if v, ok := message["seq"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "seq must be int-like")
	}
	if v, ok := message["ts"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "ts must be int-like")
	}
	if v, ok := message["agent_instance"]; ok {
		if _, isStr := v.(string); !isStr {
			errs = append(errs, "agent_instance must be string")
		}
	}
	if v, ok := message["from"]; ok {
		if _, isStr := v.(string); !isStr {
			errs = append(errs, "from must be string")
		}
	}

	var toList []string
	if v, ok := message["to"]; ok {
		normalized, err := protocol.NormalizeTo(v)
		if err != nil {
			errs = append(errs, "to invalid: "+err.Error())
		} else {
			toList = normalized
		}
	}

	msgType := ""
	if v, ok := message["type"]; ok {
		s, isStr := v.(string)
		if !isStr {
			errs = append(errs, "type must be string")
		} else if !slices.Contains(model.MessageTypes, s) {
			errs = append(errs, "type invalid: "+s)
		} else {
			msgType = s
		}
	}

	action := ""
	if v, ok := message["action"]; ok {
		s, isStr := v.(string)
		if !isStr {
			errs = append(errs, "action must be string")
		} else if !slices.Contains(model.ActionTypes, s) {
			errs = append(errs, "action invalid: "+s)
		} else {
			action = s
		}
	}

	if v, ok := message["corr"]; ok {
		if _, isStr := v.(string); !isStr {
			errs = append(errs, "corr must be string")
		}
	}
	if v, ok := message["deadline"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "deadline must be int-like")
	}
	if v, ok := message["ttl_ms"]; ok && !model.IsIntLike(v) {
		errs = append(errs, "ttl_ms must be int-like")
	}

	bodyValue, hasBody := message["body"]
	_, hasBodyRef := message["body_ref"]
	bodyEncoding := ""
	if v, ok := message["body_encoding"]; ok {
		bodyEncoding, _ = v.(string)
		if !slices.Contains(model.BodyEncodings, bodyEncoding) {
			errs = append(errs, fmt.Sprintf("body_encoding invalid: %v", v))
		}
	} else if hasBody || hasBodyRef {
		bodyEncoding = string(model.DefaultBodyEncoding)
	}

	bodyStr, bodyIsStr := bodyValue.(string)
	if hasBody {
		if !bodyIsStr {
			errs = append(errs, "body must be string")
		} else if strings.ContainsAny(bodyStr, "\n\r") {
			errs = append(errs, "body must be single-line string")
		}
	}
	if hasBodyRef {
		if _, isStr := message["body_ref"].(string); !isStr {
			errs = append(errs, "body_ref must be string")
		}
	}

	var parsedBody map[string]any
	if bodyEncoding == "json" {
		switch {
		case hasBody && bodyIsStr:
			if bodyStr == "" && !hasBodyRef {
				errs = append(errs, "body is empty for json encoding")
			} else if bodyStr != "" {
				var decoded any
				if err := json.Unmarshal([]byte(bodyStr), &decoded); err != nil {
					errs = append(errs, "body json invalid: "+err.Error())
				} else if obj, ok := decoded.(map[string]any); ok {
					parsedBody = obj
				} else {
					errs = append(errs, "body must be JSON object")
				}
			}
		case hasBodyRef:
			// body_ref points at the externally stored payload.
		default:
			errs = append(errs, "body missing for json encoding")
		}
	}

	if bodyEncoding == "base64" && hasBody && bodyIsStr {
		if _, err := base64.StdEncoding.DecodeString(bodyStr); err != nil {
			errs = append(errs, "body base64 invalid")
		}
	}

	if msgType != "" && msgType != "ask" {
		if !isNonEmptyString(message["corr"]) {
			errs = append(errs, "corr required for non-ask messages")
		}
	}

	switch action {
	case "review":
		validateReview(message, msgType, bodyEncoding, parsedBody, toList, &errs)
	case "assign":
		validateAssign(message, msgType, bodyEncoding, parsedBody, &errs)
	case "clarify":
		validateClarify(message, msgType, bodyEncoding, parsedBody, &errs)
	case "verify":
		validateVerify(message, msgType, bodyEncoding, parsedBody, &errs)
	case "review_feedback":
		validateReviewFeedback(message, msgType, bodyEncoding, parsedBody, &errs)
	case "answer":
		validateAnswer(message, msgType, bodyEncoding, parsedBody, &errs)
	}

	switch msgType {
	case "done":
		validateDone(message, action, bodyEncoding, parsedBody, &errs)
	case "fail":
		validateFail(message, bodyEncoding, parsedBody, &errs)
	}

	return errs
}

// Assert runs Validate and converts a non-empty error list into *Error.
func Assert(message map[string]any, opts Options) error {
	errs := Validate(message, opts)
	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

func validateReview(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, toList []string, errs *[]string) {
	if msgType != "" && msgType != "ask" {
		*errs = append(*errs, "review requires type ask")
	}
	body, ok := requireJSONBody("review", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "doc_path", errs, "review.body")
	requireInt(body, "review_deadline", errs, "review.body")
	reviewers, hasReviewers := asList(body["reviewers"])
	switch {
	case !hasReviewers || len(reviewers) == 0:
		*errs = append(*errs, "review.body.reviewers must be non-empty list")
	default:
		names := make([]string, 0, len(reviewers))
		valid := true
		for _, item := range reviewers {
			s, isStr := item.(string)
			if !isStr || s == "" {
				*errs = append(*errs, "review.body.reviewers must be list of strings")
				valid = false
				break
			}
			names = append(names, s)
		}
		if valid && toList != nil && !slices.Equal(names, toList) {
			*errs = append(*errs, "review.body.reviewers must match to")
		}
	}
	if focus, ok := body["focus"]; ok && focus != nil {
		items, isList := asList(focus)
		if !isList {
			*errs = append(*errs, "review.body.focus must be list")
		} else {
			for _, item := range items {
				if !isNonEmptyString(item) {
					*errs = append(*errs, "review.body.focus must be list of non-empty strings")
					break
				}
			}
		}
	}
}

func validateAssign(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	if msgType != "" && msgType != "ask" {
		*errs = append(*errs, "assign requires type ask")
	}
	requireStr(message, "task_id", errs, "message")
	requireStr(message, "owner", errs, "message")
	requireInt(message, "deadline", errs, "message")
	body, ok := requireJSONBody("assign", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "task_type", errs, "assign.body")
	requireStringList(body, "files", errs, "assign.body", false)
	requireStringList(body, "success_criteria", errs, "assign.body", false)
	optionalStringList(body, "dependencies", errs, "assign.body")
}

func validateClarify(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	if msgType != "" && msgType != "ask" {
		*errs = append(*errs, "clarify requires type ask")
	}
	requireStr(message, "task_id", errs, "message")
	requireStr(message, "owner", errs, "message")
	body, ok := requireJSONBody("clarify", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "code_path", errs, "clarify.body")
	requireStr(body, "question", errs, "clarify.body")
	requireStr(body, "context", errs, "clarify.body")
	optionalStr(body, "expected", errs, "clarify.body")
	optionalStr(body, "doc_path", errs, "clarify.body")
}

func validateVerify(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	if msgType != "" && msgType != "ask" {
		*errs = append(*errs, "verify requires type ask")
	}
	requireStr(message, "task_id", errs, "message")
	requireStr(message, "owner", errs, "message")
	body, ok := requireJSONBody("verify", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "doc_path", errs, "verify.body")
	requireStr(body, "question", errs, "verify.body")
	optionalStr(body, "changes_summary", errs, "verify.body")
}

func validateReviewFeedback(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	if msgType != "" && msgType != "report" {
		*errs = append(*errs, "review_feedback requires type report")
	}
	requireStr(message, "task_id", errs, "message")
	body, ok := requireJSONBody("review_feedback", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "doc_path", errs, "review_feedback.body")
	hasIssues, hasIssuesOK := requireBool(body, "has_issues", errs, "review_feedback.body")
	issueCount, issueCountOK := requireInt(body, "issue_count", errs, "review_feedback.body")
	issues, issuesIsList := asList(body["issues"])

	if hasIssuesOK && hasIssues {
		if issueCountOK && issueCount <= 0 {
			*errs = append(*errs, "review_feedback.body.issue_count must be > 0 when has_issues=true")
		}
		if !issuesIsList || len(issues) == 0 {
			*errs = append(*errs, "review_feedback.body.issues must be non-empty list when has_issues=true")
		}
	} else if hasIssuesOK && !hasIssues {
		if issueCountOK && issueCount != 0 {
			*errs = append(*errs, "review_feedback.body.issue_count must be 0 when has_issues=false")
		}
		if issuesIsList && len(issues) > 0 {
			*errs = append(*errs, "review_feedback.body.issues must be empty when has_issues=false")
		}
	}

	if issuesIsList {
		if issueCountOK && int64(len(issues)) != issueCount {
			*errs = append(*errs, "review_feedback.body.issue_count must match issues length")
		}
		for idx, raw := range issues {
			context := fmt.Sprintf("review_feedback.body.issues[%d]", idx)
			issue, isObj := raw.(map[string]any)
			if !isObj {
				*errs = append(*errs, context+" must be object")
				continue
			}
			requireStr(issue, "doc_path", errs, context)
			issueText, hasIssueText := issue["issue"]
			summaryText, hasSummaryText := issue["summary"]
			if !isNonEmptyString(issueText) && !isNonEmptyString(summaryText) {
				*errs = append(*errs, context+".issue or "+context+".summary required")
			}
			if hasIssueText && !isNonEmptyString(issueText) {
				*errs = append(*errs, context+".issue must be non-empty string")
			}
			if hasSummaryText && !isNonEmptyString(summaryText) {
				*errs = append(*errs, context+".summary must be non-empty string")
			}
			category := issue["category"]
			if !isNonEmptyString(category) {
				*errs = append(*errs, context+".category must be non-empty string")
			} else if !slices.Contains(model.CategoryTypes, category.(string)) {
				*errs = append(*errs, fmt.Sprintf("%s.category invalid: %v", context, category))
			}
			severity := issue["severity"]
			if !isNonEmptyString(severity) {
				*errs = append(*errs, context+".severity must be non-empty string")
			} else if !slices.Contains(model.SeverityLevels, severity.(string)) {
				*errs = append(*errs, fmt.Sprintf("%s.severity invalid: %v", context, severity))
			}
			optionalStr(issue, "code_path", errs, context)
			optionalStringList(issue, "code_paths", errs, context)
			optionalStringList(issue, "doc_paths", errs, context)
			optionalStr(issue, "issue_group", errs, context)
			optionalStr(issue, "suggested_fix", errs, context)
			optionalStr(issue, "suggestion", errs, context)
		}
	}

	optionalStr(body, "summary", errs, "review_feedback.body")
	if questions, ok := body["questions"]; ok && questions != nil {
		items, isList := asList(questions)
		if !isList {
			*errs = append(*errs, "review_feedback.body.questions must be list")
		} else {
			for _, item := range items {
				if !isNonEmptyString(item) {
					*errs = append(*errs, "review_feedback.body.questions must be list of non-empty strings")
					break
				}
			}
		}
	}
}

func validateAnswer(message map[string]any, msgType, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	if msgType != "" && msgType != "send" {
		*errs = append(*errs, "answer requires type send")
	}
	requireStr(message, "task_id", errs, "message")
	body, ok := requireJSONBody("answer", bodyEncoding, parsedBody, errs)
	if ok && len(body) == 0 {
		*errs = append(*errs, "answer.body must not be empty object")
	}
}

func validateDone(message map[string]any, action, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	requireStr(message, "task_id", errs, "message")
	if action == "verified" {
		body, ok := requireJSONBody("verified", bodyEncoding, parsedBody, errs)
		if !ok {
			return
		}
		hasNewIssues, hasNewIssuesOK := requireBool(body, "has_new_issues", errs, "verified.body")
		if hasNewIssuesOK && hasNewIssues {
			count, countOK := requireInt(body, "new_issue_count", errs, "verified.body")
			if countOK && count <= 0 {
				*errs = append(*errs, "verified.body.new_issue_count must be > 0 when has_new_issues=true")
			}
		} else if hasNewIssuesOK && !hasNewIssues {
			if v, present := body["new_issue_count"]; present && !model.IsIntLike(v) {
				*errs = append(*errs, "verified.body.new_issue_count must be int-like")
			}
		}
		return
	}
	if bodyEncoding == "json" && parsedBody != nil {
		if _, present := parsedBody["status"]; present {
			requireStr(parsedBody, "status", errs, "done.body")
		}
	}
}

func validateFail(message map[string]any, bodyEncoding string, parsedBody map[string]any, errs *[]string) {
	requireStr(message, "task_id", errs, "message")
	body, ok := requireJSONBody("fail", bodyEncoding, parsedBody, errs)
	if !ok {
		return
	}
	requireStr(body, "reason", errs, "fail.body")
	optionalStringList(body, "blocked_by", errs, "fail.body")
}
