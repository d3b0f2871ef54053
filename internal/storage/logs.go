package storage

import (
	"os"
	"regexp"
	"sort"
	"strconv"
)

var (
	messageLogRe = regexp.MustCompile(`^messages-(\d+)\.jsonl$`)
	ackLogRe     = regexp.MustCompile(`^acks-(\d+)\.jsonl$`)
)

// AppendMessageEvent appends a message record to the epoch's message log.
// The record gains an "event":"message" marker unless one is already set.
func AppendMessageEvent(layout Layout, epoch int64, event map[string]any) error {
	record := make(map[string]any, len(event)+1)
	for k, v := range event {
		record[k] = v
	}
	if _, ok := record["event"]; !ok {
		record["event"] = "message"
	}
	return AppendJSONL(layout.MessagesLogPath(epoch), record)
}

// AppendAckEvent appends an ack record to the epoch's ack log.
func AppendAckEvent(layout Layout, epoch int64, event map[string]any) error {
	record := make(map[string]any, len(event)+1)
	for k, v := range event {
		record[k] = v
	}
	if _, ok := record["event"]; !ok {
		record["event"] = "ack"
	}
	return AppendJSONL(layout.AcksLogPath(epoch), record)
}

// LogSegment is one epoch-numbered log file.
type LogSegment struct {
	Epoch int64
	Path  string
}

func listSegments(dir string, re *regexp.Regexp, pathFor func(int64) string) ([]LogSegment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segments []LogSegment
	for _, entry := range entries {
		match := re.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		epoch, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, LogSegment{Epoch: epoch, Path: pathFor(epoch)})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Epoch < segments[j].Epoch })
	return segments, nil
}

// ListMessageLogs returns the message log segments in epoch order.
func ListMessageLogs(layout Layout) ([]LogSegment, error) {
	return listSegments(layout.LogsDir(), messageLogRe, layout.MessagesLogPath)
}

// ListAckLogs returns the ack log segments in epoch order.
func ListAckLogs(layout Layout) ([]LogSegment, error) {
	return listSegments(layout.LogsDir(), ackLogRe, layout.AcksLogPath)
}

// IterMessageEvents walks every message event across all epochs in order.
func IterMessageEvents(layout Layout, fn func(record map[string]any) error) error {
	segments, err := ListMessageLogs(layout)
	if err != nil {
		return err
	}
	for _, segment := range segments {
		if err := IterJSONL(segment.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

// IterAckEvents walks every ack event across all epochs in order.
func IterAckEvents(layout Layout, fn func(record map[string]any) error) error {
	segments, err := ListAckLogs(layout)
	if err != nil {
		return err
	}
	for _, segment := range segments {
		if err := IterJSONL(segment.Path, fn); err != nil {
			return err
		}
	}
	return nil
}
