package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultIdempotencyTTL applies when the store is constructed with a zero TTL.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyEntry caches the response of a completed dispatch. PayloadHash
// detects the same key being reused with a different body.
type IdempotencyEntry struct {
	PayloadHash string
	Value       Result
	ExpiresAt   time.Time
}

// IdempotencyStore guards against duplicate sends. The in-memory
// implementation is process-local; a shared-backing implementation can be
// substituted for horizontally scaled deployments.
type IdempotencyStore interface {
	Get(tenantID, key string) *IdempotencyEntry
	Remember(tenantID, key, payloadHash string, value Result)
	Purge(tenantID, key string)
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]IdempotencyEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		entries: make(map[string]IdempotencyEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func idemKey(tenantID, key string) string { return tenantID + "\x00" + key }

// Get returns a non-expired entry or nil. Expired entries encountered on the
// way are swept out.
func (s *MemoryIdempotencyStore) Get(tenantID, key string) *IdempotencyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
		}
	}

	e, ok := s.entries[idemKey(tenantID, key)]
	if !ok {
		return nil
	}
	out := e
	return &out
}

func (s *MemoryIdempotencyStore) Remember(tenantID, key, payloadHash string, value Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idemKey(tenantID, key)] = IdempotencyEntry{
		PayloadHash: payloadHash,
		Value:       value,
		ExpiresAt:   s.now().Add(s.ttl),
	}
}

func (s *MemoryIdempotencyStore) Purge(tenantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, idemKey(tenantID, key))
}

// hashScope is the material covered by the payload hash. Struct field order
// is fixed and map keys marshal sorted, so the serialization is stable
// regardless of how the request was assembled.
type hashScope struct {
	TenantID   string  `json:"tenantId"`
	TicketID   string  `json:"ticketId"`
	InstanceID string  `json:"instanceId"`
	Payload    Payload `json:"payload"`
}

func hashPayload(tenantID, ticketID, instanceID string, p Payload) string {
	b, _ := json.Marshal(hashScope{
		TenantID:   tenantID,
		TicketID:   ticketID,
		InstanceID: instanceID,
		Payload:    p,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
