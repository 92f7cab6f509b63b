package realtime

import "time"

// resumption tracks the provider session handle held in memory. A handle is
// only ever replaced by a newer non-empty one; clear is reserved for explicit
// close and session expiry.
type resumption struct {
	handle    string
	expiresAt time.Time
}

// observe records h and reports whether the stored handle changed.
func (r *resumption) observe(h string, expiresAt time.Time) bool {
	if h == "" {
		return false
	}
	if h == r.handle && (expiresAt.IsZero() || expiresAt.Equal(r.expiresAt)) {
		return false
	}
	if h != r.handle {
		r.expiresAt = time.Time{}
	}
	r.handle = h
	if !expiresAt.IsZero() {
		r.expiresAt = expiresAt
	}
	return true
}

func (r *resumption) clear() {
	r.handle = ""
	r.expiresAt = time.Time{}
}

// usable returns the handle unless it is known to have expired.
func (r *resumption) usable(now time.Time) string {
	if r.handle == "" {
		return ""
	}
	if !r.expiresAt.IsZero() && now.After(r.expiresAt) {
		return ""
	}
	return r.handle
}
