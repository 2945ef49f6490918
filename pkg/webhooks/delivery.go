package webhooks

import (
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/creditd/pkg/billing"
)

// DeliveryStatus represents the status of a notification delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// DeliveryLog tracks one notification sent to one endpoint across all attempts
type DeliveryLog struct {
	ID             string                   `json:"id"`
	EndpointID     string                   `json:"endpoint_id"`
	EventID        string                   `json:"event_id"`
	Type           billing.NotificationType `json:"type"`
	URL            string                   `json:"url"`
	Status         DeliveryStatus           `json:"status"`
	StatusCode     int                      `json:"status_code,omitempty"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	Attempts       int                      `json:"attempts"`
	NextRetryAt    *time.Time               `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
	Duration       time.Duration            `json:"duration,omitempty"`
	RequestHeaders map[string]string        `json:"request_headers,omitempty"`
	ResponseBody   string                   `json:"response_body,omitempty"`

	payload []byte
}

// DeliveryFilter selects delivery logs. Zero fields match everything.
type DeliveryFilter struct {
	EndpointID string
	EventID    string
	Status     DeliveryStatus
	Limit      int
}

func (f DeliveryFilter) matches(d *DeliveryLog) bool {
	if f.EndpointID != "" && d.EndpointID != f.EndpointID {
		return false
	}
	if f.EventID != "" && d.EventID != f.EventID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// DeliveryLogStore is a bounded in-memory delivery log. Readers get copies.
type DeliveryLogStore struct {
	logs    map[string]*DeliveryLog
	mutex   sync.RWMutex
	maxLogs int
}

// NewDeliveryLogStore creates a new delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add adds a delivery log, evicting the oldest completed entries when full
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	s.logs[log.ID] = log
}

// Get returns a copy of the delivery log with id
func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return DeliveryLog{}, false
	}
	return *log, true
}

// Update applies fn to the stored log under the write lock
func (s *DeliveryLogStore) Update(id string, fn func(*DeliveryLog)) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return false
	}
	fn(log)
	return true
}

// List returns matching logs, newest first
func (s *DeliveryLogStore) List(filter DeliveryFilter) []DeliveryLog {
	s.mutex.RLock()
	result := make([]DeliveryLog, 0)
	for _, log := range s.logs {
		if filter.matches(log) {
			result = append(result, *log)
		}
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// GetPendingRetries returns ids of retrying deliveries due at or before now
func (s *DeliveryLogStore) GetPendingRetries(now time.Time) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var ids []string
	for _, log := range s.logs {
		if log.Status == DeliveryStatusRetrying &&
			log.NextRetryAt != nil &&
			!log.NextRetryAt.After(now) {
			ids = append(ids, log.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// evictOldest removes the oldest 10% of logs, preferring finished ones
func (s *DeliveryLogStore) evictOldest() {
	logs := make([]*DeliveryLog, 0, len(s.logs))
	for _, log := range s.logs {
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		iDone, jDone := logs[i].CompletedAt != nil, logs[j].CompletedAt != nil
		if iDone != jDone {
			return iDone
		}
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})

	evictCount := len(logs) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(logs); i++ {
		delete(s.logs, logs[i].ID)
	}
}

// GetStats returns delivery statistics for an endpoint
func (s *DeliveryLogStore) GetStats(endpointID string) DeliveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := DeliveryStats{EndpointID: endpointID}
	for _, log := range s.logs {
		if log.EndpointID != endpointID {
			continue
		}

		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			stats.TotalDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		case DeliveryStatusPending:
			stats.Pending++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats summarizes deliveries to one endpoint
type DeliveryStats struct {
	EndpointID      string        `json:"endpoint_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	Pending         int           `json:"pending"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}
