// Package state gives each feature a unit of crash-recoverable durable
// state without the feature implementing its own recovery logic.
//
// A component keeps an authoritative in-memory value, an append-only event
// log and periodic snapshots. Every update is appended durably before it
// is applied in memory. On disk the component is always either "latest
// snapshot + replayable log suffix" or "no snapshot + full log", so a
// crash at any instant leaves a reconstructible value.
//
// Log records and snapshots are framed with CBOR envelopes carrying a
// sequence number; the payload inside an envelope is whatever the
// component's codec produces. Export and import bypass the envelopes
// entirely and speak the codec's state encoding, so a backup taken today
// survives a change of log format.
package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/logging"
)

// Persistent is the capability set the server requires of every durable
// component. Concrete components are generic; the server holds them in one
// ordered collection through this interface.
type Persistent interface {
	// Name identifies the component's storage area under the data dir.
	Name() string
	// Checkpoint snapshots the in-memory value and retires the log
	// entries it covers.
	Checkpoint() error
	// ExportAll produces a complete, log-format-independent
	// serialization of the component's state.
	ExportAll() ([]byte, error)
	// ImportAll replaces the component's state from an export. It is
	// also the bootstrap path: importing a blank export resets the
	// component to its empty value.
	ImportAll(data []byte) error
	// Blank returns the export of the component's empty value.
	Blank() ([]byte, error)
	// Close releases the component's file handles.
	Close() error
}

// Codec supplies the domain logic of a component: validation and
// application of events, and the serialization of events and state.
type Codec[S, E any] interface {
	// Empty returns the initial value of a fresh component.
	Empty() S
	// Validate checks an event against the current value. A non-nil
	// error rejects the update; nothing is logged or applied.
	Validate(s S, ev E) error
	// Apply folds a validated event into the value.
	Apply(s S, ev E) S
	// EncodeEvent / DecodeEvent serialize log payloads.
	EncodeEvent(ev E) ([]byte, error)
	DecodeEvent(data []byte) (E, error)
	// EncodeState / DecodeState serialize snapshots and exports.
	EncodeState(s S) ([]byte, error)
	DecodeState(data []byte) (S, error)
}

// record is the framed form of one logged event.
type record struct {
	Seq     uint64 `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// snapshot is the framed form of one checkpoint.
type snapshot struct {
	Seq   uint64 `cbor:"1,keyasint"`
	State []byte `cbor:"2,keyasint"`
}

const (
	snapshotFile = "snapshot.cbor"
	logFile      = "events.log"
)

// Component is a durable state unit. S is the in-memory value type, E the
// event type. Updates are serialized by a single-writer mutex; queries
// share a read lock and never touch disk.
type Component[S, E any] struct {
	name  string
	dir   string
	codec Codec[S, E]
	log   *logging.Logger

	writeMu sync.Mutex // single-writer discipline for updates

	mu    sync.RWMutex // guards value and seq
	value S
	seq   uint64

	fileMu  sync.Mutex // guards logF across append/checkpoint/import
	logF    *os.File
	encMode cbor.EncMode
}

// Open constructs a component under dir/name, recovering the value from
// the latest snapshot plus any log suffix. A fresh directory yields the
// codec's empty value.
func Open[S, E any](dir, name string, codec Codec[S, E], log *logging.Logger) (*Component[S, E], error) {
	cdir := filepath.Join(dir, name)
	if err := os.MkdirAll(cdir, 0o755); err != nil {
		return nil, errs.Storage(fmt.Sprintf("create state dir for %s", name), err)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}

	c := &Component[S, E]{
		name:    name,
		dir:     cdir,
		codec:   codec,
		log:     log,
		encMode: encMode,
	}

	if err := c.recover(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Storage(fmt.Sprintf("open event log for %s", name), err)
	}
	c.logF = f

	return c, nil
}

// Name implements Persistent.
func (c *Component[S, E]) Name() string { return c.name }

// Update validates ev against the current value, durably appends it and
// applies it in memory. On validation failure the state is unchanged and
// nothing is logged. Updates to one component are totally ordered.
func (c *Component[S, E]) Update(ev E) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	cur := c.value
	seq := c.seq
	c.mu.RUnlock()

	if err := c.codec.Validate(cur, ev); err != nil {
		return err
	}

	payload, err := c.codec.EncodeEvent(ev)
	if err != nil {
		return errs.Storage(fmt.Sprintf("encode event for %s", c.name), err)
	}

	if err := c.append(record{Seq: seq + 1, Payload: payload}); err != nil {
		return err
	}

	next := c.codec.Apply(cur, ev)

	c.mu.Lock()
	c.value = next
	c.seq = seq + 1
	c.mu.Unlock()

	return nil
}

// Query runs fn against the in-memory value under a read lock. fn must
// not retain or mutate the value.
func (c *Component[S, E]) Query(fn func(S)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.value)
}

// Checkpoint serializes the current value to a new snapshot and retires
// the log entries it covers. The snapshot is published by rename, so a
// crash at any instant leaves either the old snapshot with its full log
// or the new snapshot with a (possibly not yet truncated) log whose stale
// prefix is skipped on recovery by sequence number.
func (c *Component[S, E]) Checkpoint() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	cur := c.value
	seq := c.seq
	c.mu.RUnlock()

	encoded, err := c.codec.EncodeState(cur)
	if err != nil {
		return errs.Storage(fmt.Sprintf("encode snapshot for %s", c.name), err)
	}

	if err := c.writeSnapshot(snapshot{Seq: seq, State: encoded}); err != nil {
		return err
	}

	return c.truncateLog()
}

// ExportAll implements Persistent using the codec's state encoding.
func (c *Component[S, E]) ExportAll() ([]byte, error) {
	c.mu.RLock()
	cur := c.value
	c.mu.RUnlock()

	data, err := c.codec.EncodeState(cur)
	if err != nil {
		return nil, errs.Storage(fmt.Sprintf("export %s", c.name), err)
	}
	return data, nil
}

// ImportAll replaces the component's state from an export. The imported
// value is immediately snapshotted at the current sequence, which makes
// the operation crash-safe for the same reason Checkpoint is: surviving
// log entries at or below the snapshot sequence are skipped on recovery.
func (c *Component[S, E]) ImportAll(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	value, err := c.codec.DecodeState(data)
	if err != nil {
		return errs.Validation("import into %s: %v", c.name, err)
	}

	c.mu.RLock()
	seq := c.seq
	c.mu.RUnlock()

	encoded, err := c.codec.EncodeState(value)
	if err != nil {
		return errs.Storage(fmt.Sprintf("re-encode import for %s", c.name), err)
	}
	if err := c.writeSnapshot(snapshot{Seq: seq, State: encoded}); err != nil {
		return err
	}
	if err := c.truncateLog(); err != nil {
		return err
	}

	c.mu.Lock()
	c.value = value
	c.mu.Unlock()

	return nil
}

// Blank implements Persistent.
func (c *Component[S, E]) Blank() ([]byte, error) {
	data, err := c.codec.EncodeState(c.codec.Empty())
	if err != nil {
		return nil, errs.Storage(fmt.Sprintf("encode blank state for %s", c.name), err)
	}
	return data, nil
}

// Close releases the log file handle. The component must not be used
// afterwards.
func (c *Component[S, E]) Close() error {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()
	if c.logF == nil {
		return nil
	}
	err := c.logF.Close()
	c.logF = nil
	return err
}

func (c *Component[S, E]) logPath() string      { return filepath.Join(c.dir, logFile) }
func (c *Component[S, E]) snapshotPath() string { return filepath.Join(c.dir, snapshotFile) }

// recover loads the newest snapshot, then replays log entries with a
// higher sequence number in log order.
func (c *Component[S, E]) recover() error {
	value := c.codec.Empty()
	var seq uint64

	snapData, err := os.ReadFile(c.snapshotPath())
	switch {
	case err == nil:
		var snap snapshot
		if err := cbor.Unmarshal(snapData, &snap); err != nil {
			return errs.Storage(fmt.Sprintf("decode snapshot for %s", c.name), err)
		}
		value, err = c.codec.DecodeState(snap.State)
		if err != nil {
			return errs.Storage(fmt.Sprintf("decode snapshot state for %s", c.name), err)
		}
		seq = snap.Seq
	case os.IsNotExist(err):
		// fresh component, or checkpoint never ran
	default:
		return errs.Storage(fmt.Sprintf("read snapshot for %s", c.name), err)
	}
	snapSeq := seq

	f, err := os.OpenFile(c.logPath(), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			c.value = value
			c.seq = seq
			return nil
		}
		return errs.Storage(fmt.Sprintf("open event log for %s", c.name), err)
	}
	defer f.Close()

	replayed := 0
	goodOffset := int64(0)
	dec := cbor.NewDecoder(f)
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A torn tail record means the corresponding update never
			// reported success. Cut the log back to the last complete
			// record so future appends start from a clean frame.
			c.log.Component(c.name).WithError(err).Warn("event log has torn tail, truncating")
			if err := f.Truncate(goodOffset); err != nil {
				return errs.Storage(fmt.Sprintf("truncate torn log for %s", c.name), err)
			}
			break
		}
		goodOffset = int64(dec.NumBytesRead())
		if rec.Seq <= snapSeq {
			continue // retired by a snapshot that survived a crash mid-checkpoint
		}
		// Beyond the snapshot the sequence must be strictly consecutive. A
		// gap means a lost record; a repeat means two events claimed the
		// same sequence number and there is no way to know which one was
		// acknowledged. Both refuse recovery instead of guessing.
		if rec.Seq != seq+1 {
			return errs.Storage(fmt.Sprintf("event log for %s is not sequential at seq %d (expected %d)", c.name, rec.Seq, seq+1), nil)
		}
		ev, err := c.codec.DecodeEvent(rec.Payload)
		if err != nil {
			return errs.Storage(fmt.Sprintf("decode event %d for %s", rec.Seq, c.name), err)
		}
		value = c.codec.Apply(value, ev)
		seq = rec.Seq
		replayed++
	}

	if replayed > 0 {
		c.log.Component(c.name).WithField("events", replayed).Info("replayed event log")
	}

	c.value = value
	c.seq = seq
	return nil
}

func (c *Component[S, E]) append(rec record) error {
	data, err := c.encMode.Marshal(rec)
	if err != nil {
		return errs.Storage(fmt.Sprintf("encode log record for %s", c.name), err)
	}

	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	if c.logF == nil {
		return errs.Storage(fmt.Sprintf("component %s is closed", c.name), nil)
	}

	info, err := c.logF.Stat()
	if err != nil {
		return errs.Storage(fmt.Sprintf("stat event log for %s", c.name), err)
	}
	end := info.Size()

	if _, err := c.logF.Write(data); err != nil {
		c.rollbackAppend(end)
		return errs.Storage(fmt.Sprintf("append event log for %s", c.name), err)
	}
	if err := c.logF.Sync(); err != nil {
		c.rollbackAppend(end)
		return errs.Storage(fmt.Sprintf("sync event log for %s", c.name), err)
	}
	return nil
}

// rollbackAppend cuts the log back to end after a failed write or sync.
// The record being removed was never acknowledged, and leaving it in
// place would let the next update append a different event under the
// same sequence number. If the rollback itself fails the file is in an
// unknown state, so the component is closed rather than risking a
// corrupt log. Callers hold fileMu.
func (c *Component[S, E]) rollbackAppend(end int64) {
	if err := c.logF.Truncate(end); err != nil {
		c.log.Component(c.name).WithError(err).Error("rollback of failed append failed, closing component")
		c.logF.Close()
		c.logF = nil
	}
}

func (c *Component[S, E]) writeSnapshot(snap snapshot) error {
	data, err := c.encMode.Marshal(snap)
	if err != nil {
		return errs.Storage(fmt.Sprintf("encode snapshot for %s", c.name), err)
	}

	tmp, err := os.CreateTemp(c.dir, ".snapshot-*")
	if err != nil {
		return errs.Storage(fmt.Sprintf("create snapshot temp for %s", c.name), err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Storage(fmt.Sprintf("write snapshot for %s", c.name), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Storage(fmt.Sprintf("sync snapshot for %s", c.name), err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Storage(fmt.Sprintf("close snapshot temp for %s", c.name), err)
	}

	if err := os.Rename(tmpName, c.snapshotPath()); err != nil {
		return errs.Storage(fmt.Sprintf("publish snapshot for %s", c.name), err)
	}
	return nil
}

// truncateLog discards all log entries. Safe after a snapshot is
// published: entries at or below the snapshot sequence are skipped on
// recovery anyway, so a crash between publish and truncate loses nothing.
func (c *Component[S, E]) truncateLog() error {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	if c.logF == nil {
		return errs.Storage(fmt.Sprintf("component %s is closed", c.name), nil)
	}
	if err := c.logF.Truncate(0); err != nil {
		return errs.Storage(fmt.Sprintf("truncate event log for %s", c.name), err)
	}
	return nil
}
