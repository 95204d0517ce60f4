package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips whitespace and separators and keeps a single leading
// plus. It deliberately does no country-level validation.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	hasPlus := strings.HasPrefix(p, "+")
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if hasPlus {
		return "+" + digits
	}
	return digits
}

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string { return newID("msg") }
func NewTicketID() string  { return newID("tkt") }
func NewContactID() string { return newID("cntc") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
