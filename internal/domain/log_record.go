package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONMap stores free-form metadata as a JSON text column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogRecord is an operator-facing audit row (batch summaries, monitor outcomes,
// cleanup actions).
type LogRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Level     LogLevel  `gorm:"type:text;index" json:"level"`
	Component string    `gorm:"type:text;index" json:"component"`
	Message   string    `gorm:"type:text" json:"message"`
	Meta      JSONMap   `gorm:"type:text" json:"meta"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (LogRecord) TableName() string {
	return "logs"
}
