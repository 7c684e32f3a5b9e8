package actions

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/songzhibin97/process-engine/types"
)

// MemoryRecordStore is an in-process RecordStore for tests and the example.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]interface{}
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]map[string]interface{})}
}

func recordKey(object, id string) string { return object + "/" + id }

// Put replaces a record.
func (s *MemoryRecordStore) Put(object, id string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(object, id)] = copyFields(fields)
}

// GetRecord returns a copy of the record.
func (s *MemoryRecordStore) GetRecord(ctx context.Context, object, id string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(object, id)]
	if !ok {
		return nil, types.NotFoundf("record %s/%s", object, id)
	}
	return copyFields(rec), nil
}

// UpdateFields merges fields into the record, creating it if absent.
func (s *MemoryRecordStore) UpdateFields(ctx context.Context, object, id string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(object, id)
	rec, ok := s.records[k]
	if !ok {
		rec = make(map[string]interface{}, len(fields))
		s.records[k] = rec
	}
	for f, v := range fields {
		rec[f] = v
	}
	return nil
}

// ListRecords returns copies of every record of object keyed by record id.
func (s *MemoryRecordStore) ListRecords(ctx context.Context, object string) (map[string]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := object + "/"
	out := make(map[string]map[string]interface{})
	for k, rec := range s.records {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = copyFields(rec)
		}
	}
	return out, nil
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LogNotifier writes notifications to a zap logger. It is the daemon's
// default until a delivery service is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.Info("notification",
		zap.Strings("recipients", note.Recipients),
		zap.String("template", note.Template),
		zap.String("subject", note.Subject),
		zap.Any("data", note.Data))
	return nil
}
