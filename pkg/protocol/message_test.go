package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"ouro/pkg/protocol"
)

func TestMessageTypes(t *testing.T) {
	t.Parallel()

	types := []protocol.MessageType{
		protocol.MsgAssign,
		protocol.MsgCancel,
		protocol.MsgShutdown,
		protocol.MsgHello,
		protocol.MsgUsage,
		protocol.MsgHeartbeat,
		protocol.MsgDone,
		protocol.MsgScheduleTask,
	}

	expected := []string{
		"ASSIGN",
		"CANCEL",
		"SHUTDOWN",
		"HELLO",
		"USAGE",
		"HEARTBEAT",
		"DONE",
		"SCHEDULE_TASK",
	}

	for i, mt := range types {
		if string(mt) != expected[i] {
			t.Errorf("expected %q, got %q", expected[i], mt)
		}
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		Type: protocol.MsgDone,
		Done: &protocol.DonePayload{
			WorkerID:    "w-01",
			TaskID:      "a1b2c3d4",
			TaskKind:    protocol.TaskEvolution,
			Status:      protocol.StatusCompleted,
			CostUSD:     0.42,
			TotalRounds: 7,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got protocol.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Done == nil || *got.Done != *msg.Done {
		t.Fatalf("round trip mismatch: %+v", got.Done)
	}
	if got.Heartbeat != nil || got.Assign != nil {
		t.Fatal("unrelated payloads must stay nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     protocol.Message
		wantErr bool
	}{
		{
			name: "heartbeat ok",
			msg: protocol.Message{
				Type:      protocol.MsgHeartbeat,
				Heartbeat: &protocol.HeartbeatPayload{WorkerID: "w-01", TaskID: "t1"},
			},
		},
		{
			name:    "heartbeat without payload",
			msg:     protocol.Message{Type: protocol.MsgHeartbeat},
			wantErr: true,
		},
		{
			name: "heartbeat without task id",
			msg: protocol.Message{
				Type:      protocol.MsgHeartbeat,
				Heartbeat: &protocol.HeartbeatPayload{WorkerID: "w-01"},
			},
			wantErr: true,
		},
		{
			name: "schedule task ok",
			msg: protocol.Message{
				Type:         protocol.MsgScheduleTask,
				ScheduleTask: &protocol.ScheduleTaskPayload{Description: "write tests", Depth: 1},
			},
		},
		{
			name: "schedule task empty description",
			msg: protocol.Message{
				Type:         protocol.MsgScheduleTask,
				ScheduleTask: &protocol.ScheduleTaskPayload{},
			},
			wantErr: true,
		},
		{
			name: "payload of the wrong variant",
			msg: protocol.Message{
				Type:      protocol.MsgDone,
				Heartbeat: &protocol.HeartbeatPayload{WorkerID: "w-01", TaskID: "t1"},
			},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     protocol.Message{Type: "BOGUS"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				var malformed *protocol.MalformedMessageError
				if !errors.As(err, &malformed) {
					t.Fatalf("expected *MalformedMessageError, got %T", err)
				}
			}
		})
	}
}

func TestMessageIDs(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		Type:      protocol.MsgHeartbeat,
		Heartbeat: &protocol.HeartbeatPayload{WorkerID: "w-02", TaskID: "t9"},
	}
	if got := msg.WorkerID(); got != "w-02" {
		t.Errorf("WorkerID() = %q, want w-02", got)
	}
	if got := msg.TaskID(); got != "t9" {
		t.Errorf("TaskID() = %q, want t9", got)
	}
	if got := msg.String(); got != "HEARTBEAT(task=t9)" {
		t.Errorf("String() = %q", got)
	}
}
