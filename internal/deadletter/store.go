package deadletter

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a message that exhausted its retry budget, kept for manual
// inspection instead of being deleted or endlessly redelivered.
type Entry struct {
	ID            int64           `json:"id"`
	OriginalID    int64           `json:"original_id"`
	Queue         string          `json:"queue"`
	Class         string          `json:"class"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	LastError     string          `json:"last_error"`
	Attempts      int             `json:"attempts"`
	MovedAt       time.Time       `json:"moved_at"`
}

// Store holds dead-lettered messages.
type Store interface {
	Add(ctx context.Context, e Entry) error
	List(ctx context.Context, queue string, limit int) ([]Entry, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	Remove(ctx context.Context, id int64) error
}
