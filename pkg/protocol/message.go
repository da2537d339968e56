// Package protocol defines the wire format shared by the ouro supervisor and
// its worker processes: line-delimited JSON Messages over a Unix domain
// socket, the Task model, typed errors, and the SQLite schema of the state
// database.
//
// A Message is a closed tagged union: Type selects exactly one payload
// pointer, and Validate rejects messages whose payload is missing or lacks
// the fields its variant requires.
package protocol

import "fmt"

// MessageType identifies the variant of a Message.
type MessageType string

// Supervisor -> worker.
const (
	MsgAssign   MessageType = "ASSIGN"
	MsgCancel   MessageType = "CANCEL"
	MsgShutdown MessageType = "SHUTDOWN"
)

// Worker -> supervisor.
const (
	MsgHello            MessageType = "HELLO"
	MsgUsage            MessageType = "USAGE"
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgDone             MessageType = "DONE"
	MsgSendMessage      MessageType = "SEND_MESSAGE"
	MsgSendPhoto        MessageType = "SEND_PHOTO"
	MsgTyping           MessageType = "TYPING"
	MsgRestartRequest   MessageType = "RESTART_REQUEST"
	MsgScheduleTask     MessageType = "SCHEDULE_TASK"
	MsgCancelTask       MessageType = "CANCEL_TASK"
	MsgToggleEvolution  MessageType = "TOGGLE_EVOLUTION"
	MsgToggleBackground MessageType = "TOGGLE_BACKGROUND"
	MsgReviewRequest    MessageType = "REVIEW_REQUEST"
	MsgTaskMetrics      MessageType = "TASK_METRICS"
	MsgPromote          MessageType = "PROMOTE_TO_STABLE"
)

// Produced inside the supervisor (cron, watchdog).
const (
	MsgStatusReport MessageType = "STATUS_REPORT"
)

// Message is the envelope for every socket exchange. Exactly one payload is
// set, matching Type.
type Message struct {
	Type MessageType `json:"type"`

	Assign   *AssignPayload   `json:"assign,omitempty"`
	Cancel   *CancelPayload   `json:"cancel,omitempty"`
	Shutdown *ShutdownPayload `json:"shutdown,omitempty"`

	Hello            *HelloPayload            `json:"hello,omitempty"`
	Usage            *UsagePayload            `json:"usage,omitempty"`
	Heartbeat        *HeartbeatPayload        `json:"heartbeat,omitempty"`
	Done             *DonePayload             `json:"done,omitempty"`
	SendMessage      *SendMessagePayload      `json:"send_message,omitempty"`
	SendPhoto        *SendPhotoPayload        `json:"send_photo,omitempty"`
	Typing           *TypingPayload           `json:"typing,omitempty"`
	RestartRequest   *RestartRequestPayload   `json:"restart_request,omitempty"`
	ScheduleTask     *ScheduleTaskPayload     `json:"schedule_task,omitempty"`
	CancelTask       *CancelPayload           `json:"cancel_task,omitempty"`
	ToggleEvolution  *TogglePayload           `json:"toggle_evolution,omitempty"`
	ToggleBackground *TogglePayload           `json:"toggle_background,omitempty"`
	ReviewRequest    *ReviewRequestPayload    `json:"review_request,omitempty"`
	TaskMetrics      *TaskMetricsPayload      `json:"task_metrics,omitempty"`
	Promote          *PromotePayload          `json:"promote,omitempty"`
	StatusReport     *StatusReportPayload     `json:"status_report,omitempty"`
}

// AssignPayload hands a task to an idle worker.
type AssignPayload struct {
	Task Task `json:"task"`
}

// CancelPayload names a task to stop. Used both supervisor->worker (CANCEL)
// and worker->supervisor (CANCEL_TASK).
type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// ShutdownPayload tells a worker to exit.
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HelloPayload registers a worker connection with the supervisor.
type HelloPayload struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	TaskID   string `json:"task_id,omitempty"` // set when reconnecting mid-task
}

// UsagePayload reports one inference exchange.
type UsagePayload struct {
	WorkerID string `json:"worker_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Category string `json:"category,omitempty"`
	Usage    Usage  `json:"usage"`
}

// HeartbeatPayload proves a worker is alive and progressing on a task.
type HeartbeatPayload struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	Phase    string `json:"phase,omitempty"`
}

// DonePayload reports the end of a task attempt.
type DonePayload struct {
	WorkerID    string   `json:"worker_id"`
	TaskID      string   `json:"task_id"`
	TaskKind    TaskKind `json:"task_type"`
	Status      string   `json:"status"`
	CostUSD     float64  `json:"cost_usd"`
	TotalRounds int      `json:"total_rounds"`
	Error       string   `json:"error,omitempty"`
}

// SendMessagePayload asks the supervisor to deliver text to the operator.
type SendMessagePayload struct {
	ChannelID  int64  `json:"chat_id"`
	Text       string `json:"text"`
	LogText    string `json:"log_text,omitempty"`
	IsProgress bool   `json:"is_progress,omitempty"`
}

// SendPhotoPayload asks the supervisor to deliver an image to the operator.
type SendPhotoPayload struct {
	ChannelID   int64  `json:"chat_id"`
	ImageBase64 string `json:"image_base64"`
	Caption     string `json:"caption,omitempty"`
}

// TypingPayload asks for a typing indicator on a channel.
type TypingPayload struct {
	ChannelID int64 `json:"chat_id"`
}

// RestartRequestPayload asks the supervisor to restart itself.
type RestartRequestPayload struct {
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

// ScheduleTaskPayload asks the supervisor to queue a subtask.
type ScheduleTaskPayload struct {
	TaskID       string `json:"task_id,omitempty"`
	Description  string `json:"description"`
	Context      string `json:"context,omitempty"`
	Depth        int    `json:"depth"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// TogglePayload flips an operator-visible mode.
type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

// ReviewRequestPayload asks for a review task to be queued.
type ReviewRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TaskMetricsPayload carries per-task execution statistics.
type TaskMetricsPayload struct {
	TaskID      string   `json:"task_id"`
	TaskKind    TaskKind `json:"task_type"`
	DurationSec float64  `json:"duration_sec"`
	ToolCalls   int      `json:"tool_calls"`
	ToolErrors  int      `json:"tool_errors"`
}

// PromotePayload asks for the development branch to be promoted to stable.
type PromotePayload struct {
	Reason string `json:"reason,omitempty"`
}

// StatusReportPayload triggers a status message to the owner.
type StatusReportPayload struct {
	Source string `json:"source"`
}

// Validate checks that the payload selected by Type is present and carries
// the fields its variant requires. Unknown types return a
// *MalformedMessageError with Reason "unknown type".
func (m Message) Validate() error {
	bad := func(reason string) error {
		return &MalformedMessageError{Type: m.Type, Reason: reason}
	}
	switch m.Type {
	case MsgAssign:
		if m.Assign == nil || m.Assign.Task.ID == "" {
			return bad("assign requires a task id")
		}
	case MsgCancel:
		if m.Cancel == nil || m.Cancel.TaskID == "" {
			return bad("cancel requires task_id")
		}
	case MsgShutdown:
		if m.Shutdown == nil {
			return bad("missing shutdown payload")
		}
	case MsgHello:
		if m.Hello == nil || m.Hello.WorkerID == "" {
			return bad("hello requires worker_id")
		}
	case MsgUsage:
		if m.Usage == nil {
			return bad("missing usage payload")
		}
	case MsgHeartbeat:
		if m.Heartbeat == nil || m.Heartbeat.TaskID == "" {
			return bad("heartbeat requires task_id")
		}
	case MsgDone:
		if m.Done == nil || m.Done.TaskID == "" {
			return bad("done requires task_id")
		}
	case MsgSendMessage:
		if m.SendMessage == nil || m.SendMessage.Text == "" {
			return bad("send_message requires text")
		}
	case MsgSendPhoto:
		if m.SendPhoto == nil || m.SendPhoto.ImageBase64 == "" {
			return bad("send_photo requires image_base64")
		}
	case MsgTyping:
		if m.Typing == nil {
			return bad("missing typing payload")
		}
	case MsgRestartRequest:
		if m.RestartRequest == nil {
			return bad("missing restart_request payload")
		}
	case MsgScheduleTask:
		if m.ScheduleTask == nil || m.ScheduleTask.Description == "" {
			return bad("schedule_task requires description")
		}
	case MsgCancelTask:
		if m.CancelTask == nil || m.CancelTask.TaskID == "" {
			return bad("cancel_task requires task_id")
		}
	case MsgToggleEvolution:
		if m.ToggleEvolution == nil {
			return bad("missing toggle_evolution payload")
		}
	case MsgToggleBackground:
		if m.ToggleBackground == nil {
			return bad("missing toggle_background payload")
		}
	case MsgReviewRequest:
		if m.ReviewRequest == nil {
			return bad("missing review_request payload")
		}
	case MsgTaskMetrics:
		if m.TaskMetrics == nil || m.TaskMetrics.TaskID == "" {
			return bad("task_metrics requires task_id")
		}
	case MsgPromote:
		if m.Promote == nil {
			return bad("missing promote payload")
		}
	case MsgStatusReport:
		if m.StatusReport == nil {
			return bad("missing status_report payload")
		}
	default:
		return bad("unknown type")
	}
	return nil
}

// WorkerID pulls the worker ID from any payload that carries one.
func (m Message) WorkerID() string {
	switch {
	case m.Hello != nil:
		return m.Hello.WorkerID
	case m.Heartbeat != nil:
		return m.Heartbeat.WorkerID
	case m.Done != nil:
		return m.Done.WorkerID
	case m.Usage != nil:
		return m.Usage.WorkerID
	default:
		return ""
	}
}

// TaskID pulls the task ID from any payload that carries one.
func (m Message) TaskID() string {
	switch {
	case m.Assign != nil:
		return m.Assign.Task.ID
	case m.Heartbeat != nil:
		return m.Heartbeat.TaskID
	case m.Done != nil:
		return m.Done.TaskID
	case m.Usage != nil:
		return m.Usage.TaskID
	case m.Cancel != nil:
		return m.Cancel.TaskID
	case m.CancelTask != nil:
		return m.CancelTask.TaskID
	case m.TaskMetrics != nil:
		return m.TaskMetrics.TaskID
	case m.ScheduleTask != nil:
		return m.ScheduleTask.TaskID
	case m.RestartRequest != nil:
		return m.RestartRequest.TaskID
	default:
		return ""
	}
}

// String implements fmt.Stringer for log lines.
func (m Message) String() string {
	if id := m.TaskID(); id != "" {
		return fmt.Sprintf("%s(task=%s)", m.Type, id)
	}
	return string(m.Type)
}
