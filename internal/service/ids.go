package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewBatchID returns batch_<unix millis>_<9 base36 chars>.
func NewBatchID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(base36, 9)
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	return fmt.Sprintf("batch_%d_%s", now.UnixMilli(), suffix), nil
}

// ParseBatchStart recovers the creation time embedded in a batch id.
func ParseBatchStart(batchID string) (time.Time, error) {
	parts := strings.Split(batchID, "_")
	if len(parts) != 3 || parts[0] != "batch" {
		return time.Time{}, fmt.Errorf("malformed batch id %q", batchID)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed batch id %q: %w", batchID, err)
	}
	return time.UnixMilli(ms), nil
}

// NewUsername returns prefix followed by length random [a-z0-9] characters.
func NewUsername(prefix string, length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	suffix, err := gonanoid.Generate(base36, length)
	if err != nil {
		return "", fmt.Errorf("generate username: %w", err)
	}
	return prefix + suffix, nil
}
