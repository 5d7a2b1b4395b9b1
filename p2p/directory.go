package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const defaultMaxReportedPeers = 1000

// DirectoryEntry captures what we persist about one known peer.
type DirectoryEntry struct {
	Addr          Address   `json:"addr"`
	Authenticated bool      `json:"authenticated"`
	FirstReported time.Time `json:"firstReported"`
	LastSeen      time.Time `json:"lastSeen"`
	Source        string    `json:"source,omitempty"`
}

// Directory is a concurrency-safe, LevelDB-backed peer directory. It holds the
// authenticated and reported peer sets that handshakes gossip, and implements
// PeerDirectory.
type Directory struct {
	mu sync.RWMutex

	db *leveldb.DB

	entries map[Address]*DirectoryEntry
	self    Address

	maxReported int
	now         func() time.Time
}

// OpenDirectory opens (or creates) a directory backed by LevelDB at the given
// path. self is this node's own address, which is never stored or reported.
func OpenDirectory(path string, self Address) (*Directory, error) {
	if path == "" {
		return nil, errors.New("p2p: directory path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: open directory: %w", err)
	}
	dir := &Directory{
		db:          db,
		entries:     make(map[Address]*DirectoryEntry),
		self:        self,
		maxReported: defaultMaxReportedPeers,
		now:         time.Now,
	}
	if err := dir.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return dir, nil
}

// Close flushes and closes the underlying database.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.entries = nil
	return err
}

// AuthenticatedAndReportedPeers implements PeerDirectory. The returned set is
// sorted for deterministic wire payloads.
func (d *Directory) AuthenticatedAndReportedPeers() []Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Address, 0, len(d.entries))
	for addr := range d.entries {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddReportedPeers implements PeerDirectory: merge gossiped addresses into the
// reported set. Our own address, undialable entries, and anything beyond the
// cap are dropped.
func (d *Directory) AddReportedPeers(peers []Address, source Connection) {
	if len(peers) == 0 {
		return
	}
	sourceUID := ""
	if source != nil {
		sourceUID = source.UID()
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}
	for _, addr := range peers {
		if addr == d.self {
			continue
		}
		if _, err := ParseAddress(addr.String()); err != nil {
			continue
		}
		entry := d.entries[addr]
		if entry == nil {
			if len(d.entries) >= d.maxReported {
				continue
			}
			entry = &DirectoryEntry{Addr: addr, FirstReported: now, Source: sourceUID}
			d.entries[addr] = entry
		}
		entry.LastSeen = now
		_ = d.persistLocked(entry)
	}
}

// MarkAuthenticated promotes a peer into the authenticated set. The peer is
// inserted if it was not yet known.
func (d *Directory) MarkAuthenticated(addr Address) {
	if addr == d.self {
		return
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}
	entry := d.entries[addr]
	if entry == nil {
		entry = &DirectoryEntry{Addr: addr, FirstReported: now}
		d.entries[addr] = entry
	}
	entry.Authenticated = true
	entry.LastSeen = now
	_ = d.persistLocked(entry)
}

// RemovePeer drops a peer from both sets.
func (d *Directory) RemovePeer(addr Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}
	if _, ok := d.entries[addr]; !ok {
		return
	}
	delete(d.entries, addr)
	_ = d.db.Delete(directoryKey(addr), nil)
}

// Get returns the stored entry for an address.
func (d *Directory) Get(addr Address) (DirectoryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry := d.entries[addr]
	if entry == nil {
		return DirectoryEntry{}, false
	}
	return *entry, true
}

// Snapshot returns a copy of every stored entry.
func (d *Directory) Snapshot() []DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DirectoryEntry, 0, len(d.entries))
	for _, entry := range d.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func directoryKey(addr Address) []byte {
	return []byte("peer:" + addr.String())
}

func (d *Directory) persistLocked(entry *DirectoryEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.db.Put(directoryKey(entry.Addr), blob, nil)
}

func (d *Directory) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	iter := d.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < 5 || key[:5] != "peer:" {
			continue
		}
		var entry DirectoryEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return fmt.Errorf("p2p: decode directory entry %s: %w", key, err)
		}
		copied := entry
		d.entries[entry.Addr] = &copied
	}
	return iter.Error()
}
