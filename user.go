// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import "fmt"

// A User is the accounting object for one user identity. Users are shared
// by every peer connected under the same UID and are pinned for the
// lifetime of the connection. Reference counts are guarded by the domain
// lock.
type User struct {
	uid  uint32
	refs int
}

// UID reports the user identity the object accounts for.
func (u *User) UID() uint32 { return u.uid }

func (u *User) String() string { return fmt.Sprintf("User(%d)", u.uid) }

// Quota shares. A sending user may occupy at most 1/quotaPoolShare of a
// destination pool and at most quotaMaxMessages entries of its queue.
const (
	quotaPoolShare   = 4
	quotaMaxMessages = 256
)

// A quota tracks per-sender resource usage in one destination peer. All
// access is serialized under the owning PeerInfo lock.
type quota struct {
	entries map[uint32]*quotaEntry
}

type quotaEntry struct {
	bytes    uint64
	messages uint64
}

func newQuota() quota { return quota{entries: make(map[uint32]*quotaEntry)} }

// charge accounts n bytes and one queued message to sender against a pool
// of poolSize bytes. Exceeding either share fails with ErrNoMemory and
// leaves the accounts unchanged.
func (q *quota) charge(sender *User, poolSize, n uint64) error {
	e := q.entries[sender.uid]
	if e == nil {
		e = new(quotaEntry)
		q.entries[sender.uid] = e
	}
	if e.bytes+n > poolSize/quotaPoolShare || e.messages+1 > quotaMaxMessages {
		return fmt.Errorf("quota exhausted for %v: %w", sender, ErrNoMemory)
	}
	e.bytes += n
	e.messages++
	return nil
}

// refund releases n bytes and one message previously charged to uid.
func (q *quota) refund(uid uint32, n uint64) {
	if e := q.entries[uid]; e != nil {
		e.bytes -= n
		e.messages--
		if e.bytes == 0 && e.messages == 0 {
			delete(q.entries, uid)
		}
	}
}

// reset drops all accounts.
func (q *quota) reset() { clear(q.entries) }
