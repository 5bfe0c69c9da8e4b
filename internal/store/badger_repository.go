/**
 * @description
 * Embedded implementation of the relay's storage contracts for single-node
 * deployments. Records are JSON values under "rec/<signature>"; every mutation
 * reads the record inside a read-write transaction, so two transactions racing
 * on the same signature conflict and only one commits.
 *
 * @dependencies
 * - github.com/dgraph-io/badger/v4: embedded transactional key-value store.
 * - github.com/google/uuid: time-ordered inbox keys.
 */

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/transfa/deposit-relay/internal/domain"
)

const (
	recordPrefix    = "rec/"
	watermarkPrefix = "wm/"
	inboxPrefix     = "inbox/"

	maxConflictRetries = 8
)

// BadgerRepository implements Repository on an embedded Badger database.
type BadgerRepository struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerRepository opens (or creates) the database in dir. An empty dir opens an in-memory store.
func OpenBadgerRepository(dir string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close flushes and closes the database.
func (s *BadgerRepository) Close() error {
	return s.db.Close()
}

func recordKey(signature string) []byte {
	return []byte(recordPrefix + signature)
}

func (s *BadgerRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getRecord(txn *badger.Txn, signature string) (domain.ProcessingRecord, error) {
	var rec domain.ProcessingRecord
	item, err := txn.Get(recordKey(signature))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, domain.ErrRecordNotFound
	}
	if err != nil {
		return rec, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(raw, &rec)
	return rec, err
}

func putRecord(txn *badger.Txn, rec domain.ProcessingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.Signature), raw)
}

// mutate applies fn to the stored record. fn reports whether it changed the
// record; unchanged records are not written back.
func (s *BadgerRepository) mutate(ctx context.Context, signature string, fn func(rec *domain.ProcessingRecord, now time.Time) bool) (domain.ProcessingRecord, bool, error) {
	var (
		result  domain.ProcessingRecord
		changed bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, signature)
		if err != nil {
			return err
		}
		now := s.now()
		changed = fn(&rec, now)
		if changed {
			rec.UpdatedAt = now
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		result = rec
		return nil
	})
	return result, changed, err
}

// transition is mutate restricted to records currently in one of the given statuses.
func (s *BadgerRepository) transition(ctx context.Context, signature string, from []domain.ProcessingStatus, fn func(rec *domain.ProcessingRecord, now time.Time)) (domain.ProcessingRecord, bool, error) {
	return s.mutate(ctx, signature, func(rec *domain.ProcessingRecord, now time.Time) bool {
		for _, status := range from {
			if rec.Status == status {
				fn(rec, now)
				return true
			}
		}
		return false
	})
}

func (s *BadgerRepository) Observe(ctx context.Context, event domain.DepositEvent) (domain.ProcessingRecord, bool, error) {
	if event.Amount < 0 {
		return domain.ProcessingRecord{}, false, fmt.Errorf("%w: negative amount", domain.ErrMalformedEvent)
	}
	var (
		result  domain.ProcessingRecord
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		now := s.now()
		rec, err := getRecord(txn, event.SourceSignature)
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			rec = domain.ProcessingRecord{
				Signature:           event.SourceSignature,
				Status:              domain.StatusSeen,
				Event:               event,
				ResolvedDestination: event.DestinationKey,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			created = true
		case err != nil:
			return err
		case rec.ResolvedDestination == "" && event.DestinationKey != "" &&
			(rec.Status == domain.StatusSeen || rec.Status == domain.StatusPendingCorrelation):
			rec.ResolvedDestination = event.DestinationKey
			rec.Event.DestinationKey = event.DestinationKey
			rec.UpdatedAt = now
		default:
			result = rec
			return nil
		}
		result = rec
		return putRecord(txn, rec)
	})
	return result, created, err
}

func (s *BadgerRepository) Reserve(ctx context.Context, signature string) (domain.ReserveResult, error) {
	rec, won, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusSeen}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusReserved
		rec.ReservedAt = &now
	})
	if err != nil {
		return domain.ReserveResult{}, err
	}
	if won {
		return domain.ReserveResult{Won: true, Status: domain.StatusReserved}, nil
	}
	return domain.ReserveResult{AlreadyReserved: rec.Status.PastReservation(), Status: rec.Status}, nil
}

func (s *BadgerRepository) MarkPendingCorrelation(ctx context.Context, signature string, nextAttemptAt time.Time) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusSeen}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusPendingCorrelation
		next := nextAttemptAt.UTC()
		rec.NextAttemptAt = &next
	})
	return ok, err
}

func (s *BadgerRepository) ResolveCorrelation(ctx context.Context, signature, destination string) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusPendingCorrelation}, func(rec *domain.ProcessingRecord, now time.Time) {
		if rec.ResolvedDestination == "" {
			rec.ResolvedDestination = destination
			rec.Event.DestinationKey = destination
		}
		rec.Status = domain.StatusReserved
		rec.NextAttemptAt = nil
		rec.LastError = ""
		rec.ReservedAt = &now
	})
	return ok, err
}

func (s *BadgerRepository) DeferCorrelation(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (domain.ProcessingRecord, error) {
	rec, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusPendingCorrelation}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.CorrelationAttempts++
		rec.LastError = truncateReason(reason)
		next := nextAttemptAt.UTC()
		rec.NextAttemptAt = &next
	})
	if err == nil && !ok {
		err = domain.ErrInvalidTransition
	}
	return rec, err
}

func (s *BadgerRepository) DeadLetter(ctx context.Context, signature, reason string) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusPendingCorrelation}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusDeadLetter
		rec.LastError = truncateReason(reason)
		rec.NextAttemptAt = nil
	})
	return ok, err
}

func (s *BadgerRepository) RecordAttempt(ctx context.Context, signature string) (int, error) {
	rec, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusReserved}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Attempts++
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrInvalidTransition
	}
	return rec.Attempts, nil
}

func (s *BadgerRepository) Commit(ctx context.Context, signature string, creditedAmount int64) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusReserved}, func(rec *domain.ProcessingRecord, now time.Time) {
		amount := creditedAmount
		rec.Status = domain.StatusCredited
		rec.CreditedAmount = &amount
		rec.CreditedAt = &now
		rec.LastError = ""
		rec.NextAttemptAt = nil
	})
	return ok, err
}

func (s *BadgerRepository) Fail(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusReserved}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusFailed
		rec.LastError = truncateReason(reason)
		next := nextAttemptAt.UTC()
		rec.NextAttemptAt = &next
	})
	return ok, err
}

func (s *BadgerRepository) Requeue(ctx context.Context, signature string) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusFailed}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusReserved
		rec.RetryCycles++
		rec.NextAttemptAt = nil
		rec.ReservedAt = &now
	})
	return ok, err
}

func (s *BadgerRepository) FailTerminal(ctx context.Context, signature, reason string) (bool, error) {
	_, ok, err := s.transition(ctx, signature, []domain.ProcessingStatus{domain.StatusReserved, domain.StatusFailed}, func(rec *domain.ProcessingRecord, now time.Time) {
		rec.Status = domain.StatusFailedTerminal
		rec.LastError = truncateReason(reason)
		rec.NextAttemptAt = nil
	})
	return ok, err
}

func (s *BadgerRepository) Get(ctx context.Context, signature string) (domain.ProcessingRecord, error) {
	var rec domain.ProcessingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, signature)
		return err
	})
	return rec, err
}

// scanRecords visits every record; keep returns false to skip one.
func (s *BadgerRepository) scanRecords(keep func(rec domain.ProcessingRecord) bool) ([]domain.ProcessingRecord, error) {
	records := make([]domain.ProcessingRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(recordPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec domain.ProcessingRecord
			if err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &rec)
			}); err != nil {
				return err
			}
			if keep(rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	return records, err
}

func capRecords(records []domain.ProcessingRecord, limit int) []domain.ProcessingRecord {
	if limit = listLimit(limit); len(records) > limit {
		return records[:limit]
	}
	return records
}

func (s *BadgerRepository) ListByStatus(ctx context.Context, status domain.ProcessingStatus, limit int) ([]domain.ProcessingRecord, error) {
	records, err := s.scanRecords(func(rec domain.ProcessingRecord) bool { return rec.Status == status })
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Event.SourceTimestamp.Equal(records[j].Event.SourceTimestamp) {
			return records[i].Event.SourceTimestamp.Before(records[j].Event.SourceTimestamp)
		}
		return records[i].Signature < records[j].Signature
	})
	return capRecords(records, limit), nil
}

func (s *BadgerRepository) ListDue(ctx context.Context, status domain.ProcessingStatus, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	records, err := s.scanRecords(func(rec domain.ProcessingRecord) bool {
		return rec.Status == status && (rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].NextAttemptAt, records[j].NextAttemptAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return records[i].Signature < records[j].Signature
	})
	return capRecords(records, limit), nil
}

func (s *BadgerRepository) ListStaleReserved(ctx context.Context, olderThan time.Time, limit int) ([]domain.ProcessingRecord, error) {
	records, err := s.scanRecords(func(rec domain.ProcessingRecord) bool {
		return rec.Status == domain.StatusReserved && rec.UpdatedAt.Before(olderThan)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.Before(records[j].UpdatedAt) })
	return capRecords(records, limit), nil
}

func (s *BadgerRepository) UnknownSignatures(ctx context.Context, signatures []string) ([]string, error) {
	unknown := make([]string, 0, len(signatures))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, signature := range signatures {
			_, err := txn.Get(recordKey(signature))
			if errors.Is(err, badger.ErrKeyNotFound) {
				unknown = append(unknown, signature)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return unknown, err
}

func (s *BadgerRepository) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	counts := make(domain.StatusCounts, len(domain.AllStatuses))
	for _, status := range domain.AllStatuses {
		counts[status] = 0
	}
	_, err := s.scanRecords(func(rec domain.ProcessingRecord) bool {
		counts[rec.Status]++
		return false
	})
	return counts, err
}

func watermarkKey(address string, channel domain.Channel) []byte {
	return []byte(watermarkPrefix + address + "/" + string(channel))
}

func (s *BadgerRepository) LoadWatermark(ctx context.Context, address string, channel domain.Channel) (time.Time, bool, error) {
	var (
		mark  time.Time
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(address, channel))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return err
			}
			mark, found = parsed.UTC(), true
			return nil
		})
	})
	return mark, found, err
}

func (s *BadgerRepository) SaveWatermark(ctx context.Context, address string, channel domain.Channel, mark time.Time) error {
	key := watermarkKey(address, channel)
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if current, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil && !mark.After(current) {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, []byte(mark.UTC().Format(time.RFC3339Nano)))
	})
}

type inboxEntry struct {
	ID                  string     `json:"id"`
	Signature           string     `json:"signature"`
	Payload             []byte     `json:"payload"`
	Status              string     `json:"status"`
	Attempts            int        `json:"attempts"`
	NextAttemptAt       time.Time  `json:"next_attempt_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func inboxKey(id string) []byte {
	return []byte(inboxPrefix + id)
}

func putInbox(txn *badger.Txn, entry inboxEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(inboxKey(entry.ID), raw)
}

func (s *BadgerRepository) EnqueueWebhook(ctx context.Context, signature string, payload []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := s.now()
	entry := inboxEntry{
		ID:            id.String(),
		Signature:     signature,
		Payload:       bytes.Clone(payload),
		Status:        "pending",
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := s.update(ctx, func(txn *badger.Txn) error { return putInbox(txn, entry) }); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// ClaimWebhooks walks the inbox in key order, which is creation order for UUIDv7 ids.
func (s *BadgerRepository) ClaimWebhooks(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	var messages []domain.InboxMessage
	err := s.update(ctx, func(txn *badger.Txn) error {
		messages = messages[:0]
		now := s.now()
		var claimed []inboxEntry

		prefix := []byte(inboxPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(claimed) < limit; it.Next() {
			var entry inboxEntry
			if err := it.Item().Value(func(raw []byte) error { return json.Unmarshal(raw, &entry) }); err != nil {
				it.Close()
				return err
			}
			due := entry.Status == "pending" && !entry.NextAttemptAt.After(now)
			stale := entry.Status == "processing" && entry.ProcessingStartedAt != nil &&
				entry.ProcessingStartedAt.Before(now.Add(-staleAfter))
			if due || stale {
				claimed = append(claimed, entry)
			}
		}
		it.Close()

		for _, entry := range claimed {
			started := now
			entry.Status = "processing"
			entry.ProcessingStartedAt = &started
			entry.Attempts++
			if err := putInbox(txn, entry); err != nil {
				return err
			}
			messages = append(messages, domain.InboxMessage{
				ID:        entry.ID,
				Signature: entry.Signature,
				Payload:   entry.Payload,
				Attempts:  entry.Attempts,
				CreatedAt: entry.CreatedAt,
			})
		}
		return nil
	})
	return messages, err
}

func (s *BadgerRepository) MarkWebhookDone(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(inboxKey(id))
	})
}

func (s *BadgerRepository) MarkWebhookFailed(ctx context.Context, id string, retryAfter time.Duration, reason string) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(inboxKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry inboxEntry
		if err := item.Value(func(raw []byte) error { return json.Unmarshal(raw, &entry) }); err != nil {
			return err
		}
		entry.Status = "pending"
		entry.ProcessingStartedAt = nil
		entry.NextAttemptAt = s.now().Add(retryAfter)
		entry.LastError = truncateReason(reason)
		return putInbox(txn, entry)
	})
}
