package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame types. Each websocket text message carries one JSON frame.
const (
	FrameInvocation = 1
	FrameCompletion = 3
	FramePing       = 6
	FrameClose      = 7
)

// Hub method names.
const (
	TargetJoinUserGroup           = "JoinUserGroup"
	TargetLeaveUserGroup          = "LeaveUserGroup"
	TargetReceiveNotification     = "ReceiveNotification"
	TargetNotificationCountUpdate = "NotificationCountUpdate"
)

// recordSeparator terminates frames sent by clients speaking the SignalR
// JSON hub protocol.
const recordSeparator = 0x1e

type Frame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// NewInvocation builds an invocation frame for target with JSON-encoded args.
func NewInvocation(invocationID, target string, args ...any) (Frame, error) {
	f := Frame{Type: FrameInvocation, InvocationID: invocationID, Target: target}
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s argument: %w", target, err)
		}
		f.Arguments = append(f.Arguments, raw)
	}
	return f, nil
}

func completion(invocationID, errMsg string) Frame {
	return Frame{Type: FrameCompletion, InvocationID: invocationID, Error: errMsg}
}

// DecodeFrame parses one frame, tolerating a trailing record separator.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimRight(data, string([]byte{recordSeparator}))
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// StringArg returns argument i as a string.
func (f Frame) StringArg(i int) (string, error) {
	if i >= len(f.Arguments) {
		return "", fmt.Errorf("%s: missing argument %d", f.Target, i)
	}
	var s string
	if err := json.Unmarshal(f.Arguments[i], &s); err != nil {
		return "", fmt.Errorf("%s: argument %d is not a string", f.Target, i)
	}
	return s, nil
}
