package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/telemetry"
)

const DefaultMonitorRetention = time.Hour

// OperationMonitor is the in-memory audit trail of credit operations.
// It is an observability side channel, never a source of truth for balances.
type OperationMonitor struct {
	mu        sync.Mutex
	ops       map[string]*models.CreditOperation
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	outcomes  metric.Int64Counter
}

type MonitorStats struct {
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

func NewOperationMonitor(retention time.Duration, logger zerolog.Logger) *OperationMonitor {
	if retention <= 0 {
		retention = DefaultMonitorRetention
	}
	outcomes, _ := telemetry.Meter("bidding/monitor").Int64Counter("bidding.credit_operation.outcomes",
		metric.WithDescription("Terminal credit operation outcomes by status"),
	)
	return &OperationMonitor{
		ops:       make(map[string]*models.CreditOperation),
		retention: retention,
		now:       time.Now,
		logger:    logger,
		outcomes:  outcomes,
	}
}

// TrackOperation registers op as pending. Re-tracking a known id is ignored.
func (m *OperationMonitor) TrackOperation(op models.CreditOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ops[op.OperationID]; ok {
		m.logger.Warn().Str("operation_id", op.OperationID).Msg("operation already tracked")
		return
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = m.now()
	}
	op.Status = models.OperationPending
	m.ops[op.OperationID] = &op
}

// MarkSuccess moves a pending operation to success. It returns false if the
// operation is unknown or already terminal.
func (m *OperationMonitor) MarkSuccess(operationID string) bool {
	return m.finish(operationID, models.OperationSuccess, "")
}

// MarkFailed moves a pending operation to failed with the given reason.
func (m *OperationMonitor) MarkFailed(operationID, reason string) bool {
	return m.finish(operationID, models.OperationFailed, reason)
}

func (m *OperationMonitor) finish(operationID string, status models.OperationStatus, reason string) bool {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	if !ok || op.Status != models.OperationPending {
		m.mu.Unlock()
		m.logger.Debug().Str("operation_id", operationID).Str("status", string(status)).
			Msg("ignoring terminal transition for unknown or finished operation")
		return false
	}
	now := m.now()
	op.Status = status
	op.Error = reason
	op.CompletedAt = &now
	opType := op.Type
	m.mu.Unlock()

	if m.outcomes != nil {
		m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("status", string(status)),
			attribute.String("type", opType),
		))
	}
	return true
}

func (m *OperationMonitor) Get(operationID string) (models.CreditOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return models.CreditOperation{}, false
	}
	return *op, true
}

// GetFailedOperations returns a copy of every failed operation, oldest first.
func (m *OperationMonitor) GetFailedOperations() []models.CreditOperation {
	m.mu.Lock()
	out := make([]models.CreditOperation, 0)
	for _, op := range m.ops {
		if op.Status == models.OperationFailed {
			cp := *op
			if op.CompletedAt != nil {
				t := *op.CompletedAt
				cp.CompletedAt = &t
			}
			out = append(out, cp)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Cleanup drops operations older than the retention window and returns how many were removed.
// It is meant to be driven by an external scheduler.
func (m *OperationMonitor) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	removed := 0
	for id, op := range m.ops {
		if op.Timestamp.Before(cutoff) {
			delete(m.ops, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("monitor cleanup")
	}
	return removed
}

func (m *OperationMonitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s MonitorStats
	for _, op := range m.ops {
		switch op.Status {
		case models.OperationPending:
			s.Pending++
		case models.OperationSuccess:
			s.Success++
		case models.OperationFailed:
			s.Failed++
		}
	}
	return s
}
