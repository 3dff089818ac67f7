// Package pin implements the pairing code gate: generation, countdown,
// verification and lockout policy for the 4-digit pairing PIN.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"sync"
	"time"
)

const (
	// Digits is the canonical PIN width ("0042", not "42").
	Digits = 4

	// DefaultTimeout is how long a generated PIN stays valid.
	DefaultTimeout = 30 * time.Second

	// MaxAttempts is the number of wrong codes tolerated before lockout.
	MaxAttempts = 3
)

// Result classifies the outcome of a verification attempt.
type Result int

const (
	Success Result = iota
	WrongCode
	Expired
	LockedOut
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case WrongCode:
		return "wrong code"
	case Expired:
		return "expired"
	case LockedOut:
		return "locked out"
	default:
		return "unknown"
	}
}

// Verdict is the result of Verify. AttemptsRemaining is meaningful only
// for WrongCode.
type Verdict struct {
	Result            Result
	AttemptsRemaining int
}

// Gate owns at most one active PIN session at a time. Generating a new
// code cancels any prior one. Natural expiry is reported through the
// onExpire callback so the owner can generate a fresh code and
// re-challenge the peer instead of forcing pairing to restart.
//
// Gate is safe for concurrent use. onExpire is invoked without the gate's
// lock held and never after Cancel for the same session.
type Gate struct {
	mu       sync.Mutex
	code     string
	prev     string // code of the most recently ended session
	deadline time.Time
	attempts int
	active   bool
	gen      uint64 // session generation, guards stale timer fires
	timer    *time.Timer

	timeout  time.Duration
	onExpire func()
}

// New creates a gate in the NoPIN state. timeout <= 0 selects
// DefaultTimeout. onExpire may be nil.
func New(timeout time.Duration, onExpire func()) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{timeout: timeout, onExpire: onExpire}
}

// Generate produces a uniformly random 4-digit code, cancels any prior
// session, and starts the countdown. The returned string is the canonical
// zero-padded form.
func (g *Gate) Generate() string {
	code := randomCode()

	g.mu.Lock()
	g.cancelLocked()
	g.code = code
	g.deadline = time.Now().Add(g.timeout)
	g.attempts = 0
	g.active = true
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(g.timeout, func() { g.expire(gen) })
	g.mu.Unlock()

	return code
}

// Verify checks candidate against the active code. With no active session
// or a passed deadline the verdict is Expired. A correct code succeeds
// exactly once and ends the session. A candidate matching the code this
// session superseded is Expired, not wrong, and consumes no attempt. A
// wrong code consumes an attempt; the third wrong attempt locks out and
// ends the session.
func (g *Gate) Verify(candidate string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active || time.Now().After(g.deadline) {
		return Verdict{Result: Expired}
	}

	if subtle.ConstantTimeCompare([]byte(candidate), []byte(g.code)) == 1 {
		g.cancelLocked()
		return Verdict{Result: Success}
	}

	if g.prev != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(g.prev)) == 1 {
		return Verdict{Result: Expired}
	}

	g.attempts++
	if g.attempts >= MaxAttempts {
		g.cancelLocked()
		return Verdict{Result: LockedOut}
	}
	return Verdict{Result: WrongCode, AttemptsRemaining: MaxAttempts - g.attempts}
}

// Cancel releases any active session and stops its timer. Canceling an
// already-ended session is a no-op.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelLocked()
}

// Active reports whether a PIN session is live.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active && !time.Now().After(g.deadline)
}

// Code returns the active challenge code for operator display, or ""
// when no session is live.
func (g *Gate) Code() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return ""
	}
	return g.code
}

// Remaining returns the whole seconds left before expiry, for display.
// Zero when no session is active.
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return 0
	}
	left := time.Until(g.deadline)
	if left < 0 {
		return 0
	}
	return int(left.Round(time.Second) / time.Second)
}

// expire handles a timer fire. A fire that lost the race with Verify,
// Cancel or a newer Generate (generation mismatch) is a no-op.
func (g *Gate) expire(gen uint64) {
	g.mu.Lock()
	if !g.active || g.gen != gen {
		g.mu.Unlock()
		return
	}
	g.cancelLocked()
	cb := g.onExpire
	g.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// cancelLocked clears the session state, remembering the code it ends so
// a later Verify can tell "superseded" from "wrong". Caller must hold
// g.mu.
func (g *Gate) cancelLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.code != "" {
		g.prev = g.code
	}
	g.active = false
	g.code = ""
	g.attempts = 0
}

// randomCode draws each digit independently from crypto/rand.
func randomCode() string {
	buf := make([]byte, Digits)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand failure means the platform RNG is broken;
			// nothing sensible to pair with at that point.
			panic("pin: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = '0' + byte(n.Int64())
	}
	return string(buf)
}
