package store

import (
	"context"
	"fmt"

	"github.com/rendis/replaykit/pkg/schema"
)

// LoadHistory returns the full history of an instance, failing when the
// sequence has gaps.
func LoadHistory(ctx context.Context, s Store, instanceID string) ([]*schema.HistoryEvent, error) {
	events, err := s.GetHistory(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get history for replay: %w", err)
	}
	if err := ValidateHistory(instanceID, events); err != nil {
		return nil, err
	}
	return events, nil
}

// ValidateHistory checks that sequences start at 1 and are contiguous.
func ValidateHistory(instanceID string, events []*schema.HistoryEvent) error {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in history of %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}
	return nil
}
