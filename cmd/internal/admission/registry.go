package admission

import (
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tokengate/cmd/internal/ids"
)

const defaultShards = 32

// Registry is the single source of truth for active Session Records.
//
// Concurrency model:
//   - Tokens hash onto a fixed set of shards, each with its own RWMutex.
//     Operations on tokens in different shards never contend.
//   - Every operation on a token runs inside that token's shard lock, so
//     check-and-create in TryAdmit is one atomic step.
//   - The change hook runs after the lock is released; it must not block.
type Registry struct {
	seed   maphash.Seed
	shards []*shard
	size   atomic.Int64

	now      func() time.Time
	newID    func(time.Time) string
	onChange func()
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithShards sets the shard count. Values below 1 are ignored.
func WithShards(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// WithChangeHook registers fn to be called after every committed mutation.
// It is how the write-behind persister learns the registry is dirty.
func WithChangeHook(fn func()) RegistryOption {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// WithSessionIDs overrides session id generation (tests).
func WithSessionIDs(fn func(time.Time) string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		seed:   maphash.MakeSeed(),
		shards: newShards(defaultShards),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  ids.MustULID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{records: make(map[string]*Record)}
	}
	return out
}

func (r *Registry) shardFor(token string) *shard {
	h := maphash.String(r.seed, token)
	return r.shards[h%uint64(len(r.shards))]
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// TryAdmit applies the exclusive policy to a play request for token.
//
//   - Unoccupied: a record is created, Outcome is Admitted.
//   - Held by identity: last activity is refreshed (origin updated),
//     Outcome is AdmittedAsReconnect.
//   - Held by someone else: nothing changes, Outcome is Denied and the
//     returned Record is the current occupant's.
func (r *Registry) TryAdmit(token, identity, origin string) Admission {
	s := r.shardFor(token)
	now := r.now()

	s.mu.Lock()
	existing := s.records[token]

	var out Admission
	switch Decide(existing, identity) {
	case DecisionCreate:
		rec := &Record{
			Token:          token,
			SessionID:      r.newID(now),
			Identity:       identity,
			Origin:         origin,
			StartedAt:      now,
			LastActivityAt: now,
		}
		s.records[token] = rec
		r.size.Add(1)
		out = Admission{Outcome: Admitted, Record: *rec}

	case DecisionRefresh:
		existing.LastActivityAt = now
		if origin != "" {
			existing.Origin = origin
		}
		out = Admission{Outcome: AdmittedAsReconnect, Record: *existing}

	default:
		out = Admission{Outcome: Denied, Record: *existing}
	}
	s.mu.Unlock()

	if out.OK() {
		r.changed()
	}
	return out
}

// Touch refreshes last activity for token and returns a copy of the
// refreshed record, taken under the same lock. ok reports whether a record
// existed.
func (r *Registry) Touch(token string) (Record, bool) {
	s := r.shardFor(token)
	now := r.now()

	var out Record
	s.mu.Lock()
	rec, ok := s.records[token]
	if ok {
		rec.LastActivityAt = now
		out = *rec
	}
	s.mu.Unlock()

	if ok {
		r.changed()
	}
	return out, ok
}

// Release removes the record for token regardless of who holds it.
// It returns the removed record and whether one existed. Releasing an absent
// token is a no-op.
func (r *Registry) Release(token string) (Record, bool) {
	return r.EvictIf(token, nil)
}

// EvictIf removes the record for token if pred (evaluated under the lock)
// returns true. A nil pred always removes. This is the single removal
// primitive shared by Release and the expiry sweep.
func (r *Registry) EvictIf(token string, pred func(Record) bool) (Record, bool) {
	s := r.shardFor(token)

	s.mu.Lock()
	rec, ok := s.records[token]
	if ok && pred != nil && !pred(*rec) {
		ok = false
	}
	var out Record
	if ok {
		out = *rec
		delete(s.records, token)
		r.size.Add(-1)
	}
	s.mu.Unlock()

	if ok {
		r.changed()
	}
	return out, ok
}

// Get returns a copy of the record for token.
func (r *Registry) Get(token string) (Record, bool) {
	s := r.shardFor(token)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[token]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of active records.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot returns copies of all records ordered by token.
// Shards are read one at a time, so the result is consistent per token but
// not a single global instant; no mutator is ever blocked for more than one
// shard's copy.
func (r *Registry) Snapshot() []Record {
	out := make([]Record, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			out = append(out, *rec)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// scan calls match for every record under the shard read lock and collects
// the tokens it selects. No writes happen here.
func (r *Registry) scan(match func(Record) bool) []Record {
	var out []Record
	for _, s := range r.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			if match(*rec) {
				out = append(out, *rec)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Restore inserts records recovered from persistence. Tokens already present
// are left alone. It returns how many records were inserted.
func (r *Registry) Restore(records []Record) int {
	n := 0
	for _, rec := range records {
		if rec.Token == "" {
			continue
		}
		s := r.shardFor(rec.Token)
		s.mu.Lock()
		if _, exists := s.records[rec.Token]; !exists {
			cp := rec
			if cp.SessionID == "" {
				cp.SessionID = r.newID(cp.StartedAt)
			}
			if cp.LastActivityAt.IsZero() {
				cp.LastActivityAt = cp.StartedAt
			}
			s.records[rec.Token] = &cp
			r.size.Add(1)
			n++
		}
		s.mu.Unlock()
	}
	if n > 0 {
		r.changed()
	}
	return n
}
