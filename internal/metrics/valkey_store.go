package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DeliveryMetrics holds delivery totals shared by every dispatcher
// writing to the same Valkey instance
type DeliveryMetrics struct {
	TotalDelivered int64     `json:"total_delivered"`
	TotalFailed    int64     `json:"total_failed"`
	TotalRequeued  int64     `json:"total_requeued"`
	LastUpdated    time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour      string `json:"hour"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Requeued  int64  `json:"requeued"`
}

// DefaultValkeyPrefix namespaces every key written by ValkeyStore
const DefaultValkeyPrefix = "maildispatch:metrics:"

// maxRecentErrors bounds the recent error list
const maxRecentErrors = 100

// ValkeyStore mirrors delivery counters to Valkey so several dispatchers
// can be observed together. It implements dispatch.MetricsRecorder and
// dispatch.ErrorRecorder.
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}
	return NewValkeyStoreWithClient(client, DefaultValkeyPrefix), nil
}

// NewValkeyStoreWithClient wraps an existing client
func NewValkeyStoreWithClient(client valkey.Client, prefix string) *ValkeyStore {
	return &ValkeyStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

// incrCounter is a helper to increment a metric counter with hourly tracking
func (s *ValkeyStore) incrCounter(ctx context.Context, counterName string) error {
	now := s.now()
	key := s.prefix + counterName
	hourKey := s.hourKey(now, counterName)

	cmds := valkey.Commands{
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(), // 24h TTL
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.Format(time.RFC3339)).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) hourKey(t time.Time, counterName string) string {
	return s.prefix + "hourly:" + t.Format("2006-01-02:15") + ":" + counterName
}

// getInt reads a counter; a missing key reads as zero
func (s *ValkeyStore) getInt(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// IncrDelivered increments the delivered counter
func (s *ValkeyStore) IncrDelivered(ctx context.Context) error {
	return s.incrCounter(ctx, "delivered")
}

// IncrFailed increments the failed counter
func (s *ValkeyStore) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrDeferred increments the requeued counter
func (s *ValkeyStore) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "requeued")
}

// GetMetrics retrieves the delivery totals
func (s *ValkeyStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	metrics := &DeliveryMetrics{}

	var err error
	if metrics.TotalDelivered, err = s.getInt(ctx, s.prefix+"delivered"); err != nil {
		return nil, err
	}
	if metrics.TotalFailed, err = s.getInt(ctx, s.prefix+"failed"); err != nil {
		return nil, err
	}
	if metrics.TotalRequeued, err = s.getInt(ctx, s.prefix+"requeued"); err != nil {
		return nil, err
	}

	lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err == nil {
		metrics.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	} else if !valkey.IsValkeyNil(err) {
		return nil, err
	}
	return metrics, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours
func (s *ValkeyStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := s.now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		stats[i] = HourlyStats{Hour: hour.Format("15:00")}

		var err error
		if stats[i].Delivered, err = s.getInt(ctx, s.hourKey(hour, "delivered")); err != nil {
			return nil, err
		}
		if stats[i].Failed, err = s.getInt(ctx, s.hourKey(hour, "failed")); err != nil {
			return nil, err
		}
		if stats[i].Requeued, err = s.getInt(ctx, s.hourKey(hour, "requeued")); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

// AddRecentError stores a failed delivery, keeping the latest ones
func (s *ValkeyStore) AddRecentError(ctx context.Context, entryID, recipient, errorMsg string) error {
	errorData := map[string]string{
		"entry_id":  entryID,
		"recipient": recipient,
		"error":     errorMsg,
		"timestamp": s.now().Format(time.RFC3339),
	}

	data, err := json.Marshal(errorData)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := valkey.Commands{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(maxRecentErrors - 1).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves up to limit recent delivery errors, newest first
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]map[string]string, error) {
	if limit <= 0 || limit > maxRecentErrors {
		limit = maxRecentErrors
	}
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	errors := make([]map[string]string, 0, len(result))
	for _, item := range result {
		var errorData map[string]string
		if err := json.Unmarshal([]byte(item), &errorData); err != nil {
			continue
		}
		errors = append(errors, errorData)
	}

	return errors, nil
}
