// Package epochlog implements the Epoch Log Gateway (EL, §4.2): read/write
// of per-epoch NodeEntry snapshots, plus the once-only cluster ctime.
package epochlog

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/pkg/errors"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/log"
	"github.com/distsheep/sheepd/pkg/wire"
	"go.uber.org/zap"
)

var (
	epochsBucket = []byte("epochs")
	metaBucket   = []byte("meta")
	ctimeKey     = []byte("ctime")
	latestKey    = []byte("latest")
)

// ErrNoTag is returned by Read when no snapshot exists for the requested
// epoch, corresponding to the NoTag result code of §6.
var ErrNoTag = errors.New("epochlog: no snapshot for epoch")

// RemoteReader fetches a snapshot from another node when the local copy is
// missing, for EL's read_remote fallback (§4.2). It is installed with
// SetRemote; pkg/sheep installs none, so a running node's ReadRemote
// answers from the local copy only.
type RemoteReader interface {
	FetchEpoch(epoch uint32) ([]cluster.NodeEntry, error)
}

// Gateway is the Epoch Log Gateway. Writes are atomic per epoch: each
// Write is a single bbolt transaction, giving the same rename-in-place
// durability guarantee §4.2 requires without a separate temp-file dance.
type Gateway struct {
	db       *bolt.DB
	remote   RemoteReader
	archiver *Archiver
	log      *zap.Logger
}

// Open opens (creating if necessary) the bbolt-backed epoch log at path.
func Open(path string) (*Gateway, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open epoch log: %#v", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(epochsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Gateway{db: db, log: log.Named("epochlog")}, nil
}

// SetRemote attaches the peer-fetch fallback used by ReadRemote.
func (g *Gateway) SetRemote(r RemoteReader) { g.remote = r }

func (g *Gateway) Close() error { return g.db.Close() }

func epochKey(epoch uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, epoch)
	return b
}

// Latest returns the highest epoch whose snapshot has been persisted, 0 if
// the node has never been formatted (§3).
func (g *Gateway) Latest() uint32 {
	var latest uint32
	_ = g.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket).Get(latestKey)
		if len(b) == 4 {
			latest = binary.BigEndian.Uint32(b)
		}
		return nil
	})
	return latest
}

// Read returns the persisted NodeEntry snapshot for epoch, or ErrNoTag if
// none exists locally.
func (g *Gateway) Read(epoch uint32) ([]cluster.NodeEntry, error) {
	var entries []cluster.NodeEntry
	err := g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(epochsBucket).Get(epochKey(epoch))
		if v == nil {
			return ErrNoTag
		}
		var err error
		entries, err = decodeEntries(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadRemote returns the local snapshot for epoch if present, otherwise
// falls back to an RPC against another node (§4.2).
func (g *Gateway) ReadRemote(epoch uint32) ([]cluster.NodeEntry, error) {
	entries, err := g.Read(epoch)
	if err == nil {
		return entries, nil
	}
	if err != ErrNoTag || g.remote == nil {
		return nil, err
	}
	g.log.Debug("local snapshot missing, falling back to peer fetch", zap.Uint32("epoch", epoch))
	return g.remote.FetchEpoch(epoch)
}

// Write persists entries as the snapshot for epoch and advances Latest()
// to epoch if it is now the highest persisted value. A single bbolt
// transaction makes this atomic, matching §4.2's "writes are atomic per
// epoch" requirement.
func (g *Gateway) Write(epoch uint32, entries []cluster.NodeEntry) error {
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	err = g.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(epochsBucket).Put(epochKey(epoch), data); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		cur := meta.Get(latestKey)
		if len(cur) != 4 || binary.BigEndian.Uint32(cur) < epoch {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, epoch)
			if err := meta.Put(latestKey, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && g.archiver != nil {
		g.archiver.mirror(epoch, data)
	}
	return err
}

// Remove deletes the snapshot for epoch, used by tests and by recovery
// cleanup; the core itself never removes a persisted epoch in normal
// operation (Invariant 4 in §3).
func (g *Gateway) Remove(epoch uint32) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(epochsBucket).Delete(epochKey(epoch))
	})
}

// Ctime returns the cluster creation time, and whether it has been set.
// It is written exactly once, at MakeFs time, and never rewritten (§4.2).
func (g *Gateway) Ctime() (time.Time, bool) {
	var ctime time.Time
	var ok bool
	_ = g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(ctimeKey)
		if len(v) != 8 {
			return nil
		}
		ctime = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		ok = true
		return nil
	})
	return ctime, ok
}

// SetCtime persists the cluster ctime. Returns an error if ctime is already
// set, since §4.2 requires it is "persisted once per cluster and never
// rewritten after MakeFs".
func (g *Gateway) SetCtime(t time.Time) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get(ctimeKey) != nil {
			return errors.New("epochlog: ctime already set")
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
		return meta.Put(ctimeKey, b)
	})
}

func encodeEntries(entries []cluster.NodeEntry) ([]byte, error) {
	return wire.EncodeEntries(entries)
}

func decodeEntries(data []byte) ([]cluster.NodeEntry, error) {
	return wire.DecodeEntries(data)
}
