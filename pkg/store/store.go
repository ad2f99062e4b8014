// Package store implements §6's optional "Persisted state layout": an
// append-only, no-read-path dump of session results and the
// human-readable execution trajectory. It is grounded in the teacher's
// internal/storage.MetadataManager, which opens a goleveldb database
// with leveldb.OpenFile the same way, narrowed here to write-once keys
// since nothing in this core ever reads the dump back.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/galaxycore/constellation/pkg/eventbus"
)

// Store is a write-only sink for run artifacts. It is safe for
// concurrent use by the EventBus subscriber goroutine that feeds it.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// sessionResultRecord is the structured JSON session result: the final
// nodes, each with its timestamps. Edges and the planner's edit history
// are not recorded.
type sessionResultRecord struct {
	ConstellationID string                 `json:"constellation_id"`
	Revision        int64                  `json:"revision"`
	Status          string                 `json:"status"`
	Reason          string                 `json:"reason,omitempty"`
	RecordedAt      time.Time              `json:"recorded_at"`
	Nodes           map[string]interface{} `json:"nodes"`
}

// PutSessionResult appends the final structured session result. The
// key embeds a timestamp so repeated runs of the same constellation id
// never collide.
func (s *Store) PutSessionResult(constellationID string, revision int64, status, reason string, nodes map[string]interface{}) error {
	rec := sessionResultRecord{
		ConstellationID: constellationID, Revision: revision,
		Status: status, Reason: reason, RecordedAt: time.Now(), Nodes: nodes,
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal session result: %w", err)
	}
	key := fmt.Sprintf("session/%s/%d", constellationID, rec.RecordedAt.UnixNano())
	return s.db.Put([]byte(key), buf, nil)
}

// AppendTrajectory appends one human-readable trajectory line, fed by
// an EventBus subscriber watching every event for a constellation.
func (s *Store) AppendTrajectory(constellationID, line string) error {
	key := fmt.Sprintf("trajectory/%s/%d", constellationID, time.Now().UnixNano())
	return s.db.Put([]byte(key), []byte(line), nil)
}

// SubscribeTrajectory wires a Store to an EventBus so every task and
// device event on the bus, plus the constellation events for
// constellationID, is appended as a one-line trajectory entry,
// matching §6's "human-readable execution trajectory" artifact.
func (s *Store) SubscribeTrajectory(bus *eventbus.Bus, constellationID string) (unsubscribe func()) {
	return bus.Subscribe(func(e eventbus.Event) bool {
		switch {
		case e.Task != nil:
			return true
		case e.Constellation != nil:
			return e.Constellation.ConstellationID == constellationID
		case e.Device != nil:
			return true
		}
		return false
	}, func(e eventbus.Event) {
		if err := s.AppendTrajectory(constellationID, trajectoryLine(e)); err != nil {
			// Persistence is explicitly best-effort (§6 "not required
			// for correctness"); a write failure here must never
			// disrupt the orchestrator's control flow.
			return
		}
	})
}

func trajectoryLine(e eventbus.Event) string {
	switch {
	case e.Task != nil:
		return fmt.Sprintf("%s task=%s status=%s", e.Timestamp.Format(time.RFC3339), e.Task.TaskID, e.Task.Status)
	case e.Constellation != nil:
		return fmt.Sprintf("%s constellation=%s status=%s revision=%d", e.Timestamp.Format(time.RFC3339), e.Constellation.ConstellationID, e.Constellation.Status, e.Constellation.Revision)
	case e.Device != nil:
		return fmt.Sprintf("%s device=%s status=%s", e.Timestamp.Format(time.RFC3339), e.Device.DeviceID, e.Device.Status)
	default:
		return e.Timestamp.Format(time.RFC3339)
	}
}
