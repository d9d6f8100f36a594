package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// Kind tags what a buffered record carries
type Kind string

const (
	KindHeartbeat     Kind = "heartbeat"
	KindCommandReport Kind = "command_report"
)

// Record is one undelivered item. ID is assigned by the buffer and increases
// with enqueue order.
type Record struct {
	ID         uint64               `json:"id"`
	Kind       Kind                 `json:"kind"`
	Heartbeat  *api.HeartbeatRecord `json:"heartbeat,omitempty"`
	Report     *api.CommandReport   `json:"report,omitempty"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Attempts   int                  `json:"attempts"`
}

// Store persists buffered records across restarts
type Store interface {
	Append(r Record) error
	Delete(ids ...uint64) error
	Load() ([]Record, error)
	Close() error
}

// DeliverFunc delivers one record. A nil error confirms delivery.
type DeliverFunc func(ctx context.Context, r Record) error

// Stats summarizes buffer state
type Stats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
	Flushed  uint64 `json:"flushed"`
}

// Buffer is a bounded FIFO of undelivered records. On overflow the oldest
// record is dropped and counted. A record leaves the buffer only after its
// delivery is confirmed, so flushes never reorder or duplicate.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	nextID   uint64
	dropped  uint64
	flushed  uint64
	store    Store
	logger   *zap.Logger

	// serializes Flush callers
	flushMu sync.Mutex
}

// New creates a buffer. When store is non-nil, persisted records are loaded
// in order and trimmed to capacity.
func New(capacity int, store Store, logger *zap.Logger) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}

	b := &Buffer{
		capacity: capacity,
		nextID:   1,
		store:    store,
		logger:   logger.With(zap.String("component", "buffer")),
	}

	if store != nil {
		records, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load buffered records: %w", err)
		}
		for _, r := range records {
			if r.ID >= b.nextID {
				b.nextID = r.ID + 1
			}
		}
		if over := len(records) - capacity; over > 0 {
			b.dropLocked(records[:over])
			records = records[over:]
		}
		b.records = records
		if len(records) > 0 {
			b.logger.Info("Loaded buffered records", zap.Int("count", len(records)))
		}
	}

	observability.BufferDepth.Set(float64(len(b.records)))
	return b, nil
}

// PushHeartbeat enqueues a heartbeat record
func (b *Buffer) PushHeartbeat(hb api.HeartbeatRecord) {
	b.push(Record{Kind: KindHeartbeat, Heartbeat: &hb})
}

// PushReport enqueues a command report
func (b *Buffer) PushReport(rep api.CommandReport) {
	b.push(Record{Kind: KindCommandReport, Report: &rep})
}

func (b *Buffer) push(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r.ID = b.nextID
	b.nextID++
	r.EnqueuedAt = time.Now().UTC()

	if b.store != nil {
		if err := b.store.Append(r); err != nil {
			b.logger.Warn("Failed to persist buffered record", zap.Uint64("id", r.ID), zap.Error(err))
		}
	}
	b.records = append(b.records, r)

	if over := len(b.records) - b.capacity; over > 0 {
		b.dropLocked(b.records[:over])
		b.records = append([]Record(nil), b.records[over:]...)
	}
	observability.BufferDepth.Set(float64(len(b.records)))
}

func (b *Buffer) dropLocked(victims []Record) {
	ids := make([]uint64, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}
	b.dropped += uint64(len(victims))
	observability.BufferDroppedTotal.Add(float64(len(victims)))
	b.logger.Warn("Buffer full, dropped oldest records",
		zap.Int("dropped", len(victims)),
		zap.Uint64("dropped_total", b.dropped),
	)
	if b.store != nil {
		if err := b.store.Delete(ids...); err != nil {
			b.logger.Warn("Failed to delete dropped records", zap.Error(err))
		}
	}
}

// Flush delivers records oldest first and stops at the first failure,
// leaving that record and everything after it in place.
func (b *Buffer) Flush(ctx context.Context, deliver DeliverFunc) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		b.mu.Lock()
		if len(b.records) == 0 {
			b.mu.Unlock()
			return sent, nil
		}
		head := b.records[0]
		b.mu.Unlock()

		if err := deliver(ctx, head); err != nil {
			b.mu.Lock()
			if len(b.records) > 0 && b.records[0].ID == head.ID {
				b.records[0].Attempts++
			}
			b.mu.Unlock()
			return sent, err
		}

		b.remove(head.ID)
		sent++
	}
}

// remove deletes the delivered record if it is still buffered. Overflow may
// have dropped it while delivery was in flight.
func (b *Buffer) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) > 0 && b.records[0].ID == id {
		b.records = b.records[1:]
		b.flushed++
		observability.BufferFlushedTotal.Inc()
		if b.store != nil {
			if err := b.store.Delete(id); err != nil {
				b.logger.Warn("Failed to delete flushed record", zap.Uint64("id", id), zap.Error(err))
			}
		}
	}
	observability.BufferDepth.Set(float64(len(b.records)))
}

// Len returns the number of buffered records
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns the number of records lost to overflow
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Stats returns a summary of the buffer
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Depth: len(b.records), Capacity: b.capacity, Dropped: b.dropped, Flushed: b.flushed}
}

// Snapshot returns the buffered records in delivery order
func (b *Buffer) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// LastHeartbeatSequence returns the highest buffered heartbeat sequence
func (b *Buffer) LastHeartbeatSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var last uint64
	for _, r := range b.records {
		if r.Heartbeat != nil && r.Heartbeat.Sequence > last {
			last = r.Heartbeat.Sequence
		}
	}
	return last
}

// Close releases the backing store
func (b *Buffer) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}
