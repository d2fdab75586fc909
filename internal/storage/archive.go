package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/timmy/phonefarm/internal/domain"
)

// ReportArchive stores batch summaries as JSON objects.
type ReportArchive struct {
	store  ObjectStorage
	prefix string
}

func NewReportArchive(store ObjectStorage, prefix string) *ReportArchive {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "batches"
	}
	return &ReportArchive{store: store, prefix: prefix}
}

// Key returns the object key of a batch report.
func (a *ReportArchive) Key(batchID string) string {
	return path.Join(a.prefix, batchID+".json")
}

// Save uploads the summary and returns its URL.
func (a *ReportArchive) Save(ctx context.Context, summary *domain.BatchSummary) (string, error) {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode batch report: %w", err)
	}
	key := a.Key(summary.BatchID)
	if err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return a.store.GetURL(key), nil
}

// Load fetches a previously archived summary.
func (a *ReportArchive) Load(ctx context.Context, batchID string) (*domain.BatchSummary, error) {
	rc, err := a.store.Download(ctx, a.Key(batchID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read batch report %s: %w", batchID, err)
	}
	var summary domain.BatchSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, fmt.Errorf("decode batch report %s: %w", batchID, err)
	}
	return &summary, nil
}
