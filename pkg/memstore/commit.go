package memstore

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// Commit is the write set produced by extracting one episode.
type Commit struct {
	MemCell    *MemCell
	EventLogs  []*EventLog
	Foresights []*Foresight
	Profiles   []*UserProfile
}

// CommitEpisode stores an extraction result in one atomic KV batch: the
// memory cell, its event logs and foresights with their parent index
// entries, and profile updates with bumped versions. Either the whole
// episode becomes visible or none of it does.
func (s *Store) CommitEpisode(ctx context.Context, t tenant.Tenant, c *Commit) error {
	if c.MemCell == nil || c.MemCell.EventID == "" {
		return fmt.Errorf("memstore: commit missing memcell")
	}
	if c.MemCell.Timestamp == 0 {
		c.MemCell.Timestamp = nowNano()
	}

	entries := make([]kv.Entry, 0, 1+2*len(c.EventLogs)+2*len(c.Foresights)+len(c.Profiles))

	b, err := msgpack.Marshal(c.MemCell)
	if err != nil {
		return fmt.Errorf("memstore: marshal memcell %s: %w", c.MemCell.EventID, err)
	}
	entries = append(entries, kv.Entry{Key: memCellKey(t, c.MemCell.EventID), Value: b})

	for _, l := range c.EventLogs {
		if l.EventID == "" {
			l.EventID = c.MemCell.EventID
		}
		e, err := eventLogEntries(t, l)
		if err != nil {
			return err
		}
		entries = append(entries, e...)
	}

	for _, fs := range c.Foresights {
		if fs.EventID == "" {
			fs.EventID = c.MemCell.EventID
		}
		e, err := foresightEntries(t, fs)
		if err != nil {
			return err
		}
		entries = append(entries, e...)
	}

	for _, p := range c.Profiles {
		e, err := s.profileEntry(ctx, t, p)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	return s.kv.BatchSet(ctx, entries)
}
