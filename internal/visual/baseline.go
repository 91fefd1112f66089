package visual

import (
	"sync"

	"github.com/elliotchance/pie/v2"
)

const (
	// DefaultThreshold is the minimum Hamming distance treated as a change.
	DefaultThreshold = 8

	defaultKey = "__default__"
)

// Baseline is the last accepted visual state of one contact's chat pane.
type Baseline struct {
	Hash     *Hash
	AvatarYs []int
}

// BaselineStore keeps per-contact baselines in memory. The empty contact
// name is stored under a reserved key.
type BaselineStore struct {
	mu        sync.Mutex
	baselines map[string]Baseline
}

func NewBaselineStore() *BaselineStore {
	return &BaselineStore{baselines: make(map[string]Baseline)}
}

func key(contact string) string {
	if contact == "" {
		return defaultKey
	}
	return contact
}

// Save upserts the baseline. Nil arguments leave the stored field as is.
func (s *BaselineStore) Save(contact string, hash *Hash, avatarYs []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(contact)
	b := s.baselines[k]
	if hash != nil {
		h := *hash
		b.Hash = &h
	}
	if avatarYs != nil {
		b.AvatarYs = append([]int(nil), avatarYs...)
	}
	s.baselines[k] = b
}

func (s *BaselineStore) Get(contact string) (Baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.baselines[key(contact)]
	if !ok {
		return Baseline{}, false
	}
	out := Baseline{AvatarYs: append([]int(nil), b.AvatarYs...)}
	if b.Hash != nil {
		h := *b.Hash
		out.Hash = &h
	}
	return out, true
}

// Distance reports how far current is from the recorded hash. It does not
// modify the store.
func (s *BaselineStore) Distance(contact string, current Hash) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.baselines[key(contact)]
	if !ok || b.Hash == nil {
		return 0, false
	}
	return b.Hash.Distance(current), true
}

// CommitBaseline replaces the recorded hash and avatar rows.
func (s *BaselineStore) CommitBaseline(contact string, hash Hash, avatarYs []int) {
	s.Save(contact, &hash, avatarYs)
}

// Decide reports whether current differs enough from the baseline to be
// worth reading. A missing baseline is a change and is not recorded. A
// change at or above threshold advances the baseline.
func (s *BaselineStore) Decide(contact string, current Hash, avatarYs []int, threshold int) bool {
	d, ok := s.Distance(contact, current)
	if !ok {
		return true
	}
	if d >= threshold {
		s.CommitBaseline(contact, current, avatarYs)
		return true
	}
	return false
}

// Clear drops one contact's baseline and reports whether it existed.
func (s *BaselineStore) Clear(contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(contact)
	if _, ok := s.baselines[k]; !ok {
		return false
	}
	delete(s.baselines, k)
	return true
}

// ClearAll drops every baseline and returns how many were removed.
func (s *BaselineStore) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.baselines)
	s.baselines = make(map[string]Baseline)
	return n
}

// Contacts lists named contacts with a baseline, sorted.
func (s *BaselineStore) Contacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := pie.Filter(pie.Keys(s.baselines), func(k string) bool { return k != defaultKey })
	return pie.Sort(names)
}
