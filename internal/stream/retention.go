package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tracery/internal/config"
	"github.com/watzon/tracery/internal/events"
	"github.com/watzon/tracery/internal/storage"
)

// retentionBatch is how many executions one cleanup pass handles at a time.
const retentionBatch = 100

// Archive writes and reads expired events as NDJSON objects, one object per
// archived range: events/<execution_id>/<first>-<last>.ndjson.
type Archive struct {
	backend storage.Backend
}

func NewArchive(backend storage.Backend) *Archive {
	return &Archive{backend: backend}
}

func archivePrefix(executionID string) string {
	return "events/" + executionID + "/"
}

// ArchiveKey returns the object key for a range of sequences.
func ArchiveKey(executionID string, first, last int64) string {
	return fmt.Sprintf("%s%010d-%010d.ndjson", archivePrefix(executionID), first, last)
}

// Write stores evs as one object.
func (a *Archive) Write(ctx context.Context, executionID string, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Sequence < evs[j].Sequence })
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encoding event %d: %w", ev.Sequence, err)
		}
	}
	key := ArchiveKey(executionID, evs[0].Sequence, evs[len(evs)-1].Sequence)
	if err := a.backend.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	return nil
}

// Read returns every archived event of an execution ordered by sequence.
func (a *Archive) Read(ctx context.Context, executionID string) ([]events.Event, error) {
	keys, err := a.backend.List(ctx, archivePrefix(executionID))
	if err != nil {
		return nil, err
	}

	var out []events.Event
	for _, key := range keys {
		if !strings.HasSuffix(key, ".ndjson") {
			continue
		}
		evs, err := a.readObject(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (a *Archive) readObject(ctx context.Context, key string) ([]events.Event, error) {
	rc, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer rc.Close()

	var out []events.Event
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return out, nil
}

// RetentionStore is the persisted event table as seen by the retention loop.
type RetentionStore interface {
	ExpiredExecutions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListBefore(ctx context.Context, executionID string, cutoff time.Time) ([]events.Event, error)
	DeleteBefore(ctx context.Context, executionID string, cutoff time.Time) (int64, error)
}

// Retention periodically moves expired events out of the database. Events
// are deleted only after they were archived, when an archive is configured.
type Retention struct {
	store     RetentionStore
	archive   *Archive
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetention creates the retention loop. archive may be nil, in which case
// expired events are only deleted.
func NewRetention(store RetentionStore, archive *Archive, cfg config.StreamConfig) *Retention {
	retention := cfg.Retention
	if retention <= 0 {
		retention = config.DefaultEventRetention
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultCleanupInterval
	}
	return &Retention{
		store:     store,
		archive:   archive,
		retention: retention,
		interval:  interval,
	}
}

// Start runs the loop in the background until Stop or ctx ends.
func (r *Retention) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)

	log.Info().
		Dur("retention", r.retention).
		Dur("interval", r.interval).
		Bool("archive", r.archive != nil).
		Msg("Event retention started")
}

func (r *Retention) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Retention) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to clean up expired events")
			}
		}
	}
}

// Cleanup archives and deletes events older than the retention period and
// returns how many were removed.
func (r *Retention) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.retention)
	var removed int64

	for {
		ids, err := r.store.ExpiredExecutions(ctx, cutoff, retentionBatch)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			n, err := r.expire(ctx, id, cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		if len(ids) < retentionBatch {
			break
		}
	}

	if removed > 0 {
		log.Info().Int64("events", removed).Msg("Expired execution events")
	}
	return removed, nil
}

func (r *Retention) expire(ctx context.Context, executionID string, cutoff time.Time) (int64, error) {
	if r.archive != nil {
		evs, err := r.store.ListBefore(ctx, executionID, cutoff)
		if err != nil {
			return 0, err
		}
		if err := r.archive.Write(ctx, executionID, evs); err != nil {
			return 0, err
		}
	}
	n, err := r.store.DeleteBefore(ctx, executionID, cutoff)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("execution_id", executionID).Int64("events", n).Msg("Removed expired events")
	return n, nil
}
