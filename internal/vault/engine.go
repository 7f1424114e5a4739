// Package vault backs up the local message store to a remote object store
// and restores it on a fresh device: monthly snapshots, create-only delta
// files, last-writer-wins merge with a tombstone union, and additive
// compaction.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/convstate"
	"github.com/halcyon-im/halcyon/internal/logging"
	"github.com/halcyon-im/halcyon/internal/models"
	"github.com/halcyon-im/halcyon/internal/store"
)

const vaultRoot = "messaging/"

func monthPrefix(t time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/", vaultRoot, t.Year(), int(t.Month()))
}

func snapshotKey(t time.Time) string {
	return fmt.Sprintf("%svault_%04d_%02d.json", monthPrefix(t), t.Year(), int(t.Month()))
}

func deltaPrefix(t time.Time) string {
	return monthPrefix(t) + "deltas/"
}

// deltaKey zero-pads the nanosecond timestamp so lexicographic key order is
// chronological order.
func deltaKey(t time.Time) string {
	return fmt.Sprintf("%s%020d_delta.json", deltaPrefix(t), t.UnixNano())
}

// Engine is the vault sync engine.
type Engine struct {
	objects    ObjectStore
	messages   store.MessageRepository
	tombstones store.TombstoneRepository
	metadata   store.MetadataRepository
	state      *convstate.State
	log        logging.Logger

	compactionThreshold  int
	hydrateConversations int
	hydratePageSize      int

	now func() time.Time
}

func NewEngine(objects ObjectStore, messages store.MessageRepository,
	tombstones store.TombstoneRepository, metadata store.MetadataRepository,
	state *convstate.State, log logging.Logger,
	compactionThreshold, hydrateConversations int) *Engine {
	if compactionThreshold <= 0 {
		compactionThreshold = 10
	}
	if hydrateConversations <= 0 {
		hydrateConversations = 5
	}
	return &Engine{
		objects:              objects,
		messages:             messages,
		tombstones:           tombstones,
		metadata:             metadata,
		state:                state,
		log:                  log.With("component", "vault"),
		compactionThreshold:  compactionThreshold,
		hydrateConversations: hydrateConversations,
		hydratePageSize:      50,
		now:                  time.Now,
	}
}

// Backup writes everything newer than the sync cursor as one delta file and
// advances the cursor only after the write lands. A failed write leaves the
// cursor alone so the next run re-covers the same range.
func (e *Engine) Backup(ctx context.Context) error {
	cursor, err := e.readCursor(ctx)
	if err != nil {
		return err
	}

	msgs, err := e.messages.CreatedAfter(ctx, cursor)
	if err != nil {
		return err
	}
	tombs, err := e.tombstones.CreatedAfter(ctx, cursor)
	if err != nil {
		return err
	}
	if len(msgs) == 0 && len(tombs) == 0 {
		e.log.Debug(ctx, "nothing to back up", "cursor", cursor)
		return nil
	}

	now := e.now().UTC()
	artifact := models.VaultArtifact{
		ID:         uuid.NewString(),
		Kind:       models.ArtifactDelta,
		RangeStart: cursor,
		RangeEnd:   now,
		Count:      len(msgs),
		Messages:   msgs,
		Tombstones: tombs,
	}
	body, err := json.Marshal(artifact)
	if err != nil {
		return err
	}

	if err := e.objects.Put(ctx, deltaKey(now), body, true); err != nil {
		return fmt.Errorf("%w: delta write: %v", common.ErrSyncFailure, err)
	}

	if err := e.writeCursor(ctx, now); err != nil {
		return err
	}
	e.log.Info(ctx, "delta written", "messages", len(msgs), "tombstones", len(tombs))

	e.maybeCompact(ctx, now)
	return nil
}

// maybeCompact folds the month into a fresh snapshot once the delta count
// passes the threshold. Deltas are left in place; compaction only adds.
func (e *Engine) maybeCompact(ctx context.Context, month time.Time) {
	deltas, err := e.objects.List(ctx, deltaPrefix(month))
	if err != nil {
		e.log.Warn(ctx, "compaction check failed", "error", err)
		return
	}
	if len(deltas) <= e.compactionThreshold {
		return
	}

	msgs, tombs, err := e.mergeKeys(ctx, append(e.snapshotIfPresent(ctx, month), deltas...))
	if err != nil {
		e.log.Warn(ctx, "compaction merge failed", "error", err)
		return
	}

	snapshot := models.VaultArtifact{
		ID:         uuid.NewString(),
		Kind:       models.ArtifactSnapshot,
		RangeEnd:   e.now().UTC(),
		Count:      len(msgs),
		Messages:   msgs,
		Tombstones: tombs,
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		e.log.Warn(ctx, "compaction marshal failed", "error", err)
		return
	}
	if err := e.objects.Put(ctx, snapshotKey(month), body, false); err != nil {
		e.log.Warn(ctx, "snapshot write failed", "error", err)
		return
	}
	e.log.Info(ctx, "month compacted", "deltas", len(deltas), "messages", len(msgs))
}

func (e *Engine) snapshotIfPresent(ctx context.Context, month time.Time) []string {
	key := snapshotKey(month)
	if _, err := e.objects.Get(ctx, key); err != nil {
		return nil
	}
	return []string{key}
}

// Restore merges every remote artifact into the local store and warms up the
// most recent conversations. Running it twice is a no-op for the store.
func (e *Engine) Restore(ctx context.Context) error {
	keys, err := e.objects.List(ctx, vaultRoot)
	if err != nil {
		return fmt.Errorf("%w: listing artifacts: %v", common.ErrSyncFailure, err)
	}
	if len(keys) == 0 {
		e.log.Info(ctx, "vault is empty, nothing to restore")
		return nil
	}

	msgs, tombs, err := e.mergeKeys(ctx, orderForMerge(keys))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrSyncFailure, err)
	}

	if err := e.messages.BulkUpsert(ctx, msgs); err != nil {
		return err
	}
	if err := e.tombstones.BulkUpsert(ctx, tombs); err != nil {
		return err
	}
	for _, tomb := range tombs {
		if err := e.messages.DeleteByID(ctx, tomb.MessageID); err != nil {
			return err
		}
	}
	// The sync cursor stays where backup left it. Advancing it here would
	// skip local-only messages sent before the newest remote artifact.
	e.log.Info(ctx, "restore complete", "messages", len(msgs), "tombstones", len(tombs))

	for _, month := range artifactMonths(keys) {
		e.maybeCompact(ctx, month)
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := e.hydrate(bg); err != nil {
			e.log.Warn(bg, "hydration failed", "error", err)
		}
	}()
	return nil
}

// artifactMonths extracts the distinct months covered by the given keys,
// in ascending order.
func artifactMonths(keys []string) []time.Time {
	seen := make(map[string]struct{})
	var months []time.Time
	for _, key := range keys {
		raw := keyMonth(key)
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		month, err := time.Parse("2006/01/", raw)
		if err != nil {
			continue
		}
		months = append(months, month)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}

// hydrate loads the most recently active conversations into the live view,
// one conversation at a time.
func (e *Engine) hydrate(ctx context.Context) error {
	urns, err := e.messages.RecentConversations(ctx, e.hydrateConversations)
	if err != nil {
		return err
	}
	for _, urn := range urns {
		page, err := e.messages.ListByConversation(ctx, urn, e.hydratePageSize, time.Time{})
		if err != nil {
			return err
		}
		if err := e.state.Load(ctx, urn, page); err != nil {
			return err
		}
	}
	return nil
}

// mergeKeys reads the given artifacts in order and folds them with
// last-writer-wins per message id. Tombstoned ids never survive the merge,
// regardless of which artifact carried the message.
func (e *Engine) mergeKeys(ctx context.Context, keys []string) ([]models.Message, []models.Tombstone, error) {
	merged := make(map[string]models.Message)
	tombSet := make(map[string]models.Tombstone)

	for _, key := range keys {
		body, err := e.objects.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		var artifact models.VaultArtifact
		if err := json.Unmarshal(body, &artifact); err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		for _, m := range artifact.Messages {
			merged[m.ID] = m
		}
		for _, tomb := range artifact.Tombstones {
			tombSet[tomb.MessageID] = tomb
		}
	}

	msgs := make([]models.Message, 0, len(merged))
	for id, m := range merged {
		if _, dead := tombSet[id]; dead {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })

	tombs := make([]models.Tombstone, 0, len(tombSet))
	for _, tomb := range tombSet {
		tombs = append(tombs, tomb)
	}
	sort.Slice(tombs, func(i, j int) bool { return tombs[i].MessageID < tombs[j].MessageID })

	return msgs, tombs, nil
}

// orderForMerge sorts keys so snapshots apply before the deltas that postdate
// them: per month, the snapshot first, then deltas in timestamp order.
func orderForMerge(keys []string) []string {
	ordered := append([]string(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := strings.Contains(ordered[i], "/deltas/"), strings.Contains(ordered[j], "/deltas/")
		if di != dj {
			pi, pj := keyMonth(ordered[i]), keyMonth(ordered[j])
			if pi != pj {
				return pi < pj
			}
			return !di
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

// keyMonth extracts the "YYYY/MM/" portion of an artifact key.
func keyMonth(key string) string {
	rest := strings.TrimPrefix(key, vaultRoot)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return rest
	}
	return parts[0] + "/" + parts[1] + "/"
}

func (e *Engine) readCursor(ctx context.Context) (time.Time, error) {
	raw, err := e.metadata.Get(ctx, store.MetaSyncCursor)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	var t time.Time
	if err := t.UnmarshalText(raw); err != nil {
		return time.Time{}, fmt.Errorf("parsing sync cursor: %w", err)
	}
	return t, nil
}

func (e *Engine) writeCursor(ctx context.Context, t time.Time) error {
	raw, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return e.metadata.Set(ctx, store.MetaSyncCursor, raw)
}
