package cluster

import (
	"fmt"
	"sync"

	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/buraksezer/consistent"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

type hasher struct {
}

func NewHasher() *hasher {
	return &hasher{}
}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type RingConfig struct {
	PartitionCount int
}

type Member string

func (m Member) String() string {
	return string(m)
}

// Ring assigns run ids to dispatcher members so that all work items of a
// run land on the same member.
type Ring struct {
	RingConfig
	hring   *consistent.Consistent
	members map[string]Member
	mu      sync.RWMutex
}

func NewRing(c RingConfig) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = 271
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            NewHasher(),
	}
	return &Ring{
		RingConfig: c,
		hring:      consistent.New(nil, cfg),
		members:    make(map[string]Member),
	}
}

func MemberName(i int) string {
	return fmt.Sprintf("worker-%d", i)
}

func (r *Ring) Join(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[name]; ok {
		return
	}
	logger.Debug("adding member to ring", zap.String("member", name))
	m := Member(name)
	r.members[name] = m
	r.hring.Add(m)
}

func (r *Ring) Leave(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[name]; !ok {
		return
	}
	logger.Debug("removing member from ring", zap.String("member", name))
	delete(r.members, name)
	r.hring.Remove(name)
}

// Locate returns the member owning the key, or false on an empty ring.
func (r *Ring) Locate(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) == 0 {
		return "", false
	}
	m := r.hring.LocateKey([]byte(key))
	if m == nil {
		return "", false
	}
	return m.String(), true
}

func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for name := range r.members {
		out = append(out, name)
	}
	return out
}
