package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/missiond/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Message   string `json:"message"`
}

var (
	mu      sync.Mutex
	file    *os.File
	written atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Until Init is called
// records are counted but not written.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of records seen since startup.
func Count() int64 {
	return written.Load()
}

// RecordEvent mirrors a persisted domain event.
func RecordEvent(eventID, eventType, agentID, taskID, message string, at time.Time) {
	write(entry{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Kind:      "event",
		Type:      eventType,
		EventID:   eventID,
		AgentID:   agentID,
		TaskID:    taskID,
		Message:   message,
	})
}

// RecordFatal records a process-fatal condition with its reason code.
func RecordFatal(reasonCode, message string) {
	write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      "fatal",
		Type:      reasonCode,
		Message:   message,
	})
}

func write(e entry) {
	written.Add(1)
	e.Message = shared.Redact(e.Message)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
