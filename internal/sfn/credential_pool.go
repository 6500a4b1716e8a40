// Package sfn implements the authenticated GraphQL client for the SFN
// (short-form social network) source family: credential rotation, TLS-fingerprinted
// transport, response classification with circuit breaking, and the
// timeline parser/paginator.
package sfn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCooldownSeconds is how long a rate-limited credential sits out
// before it is eligible for rotation again.
const DefaultCooldownSeconds = 900

// Credential is one auth_token/ct0 pair plus its rotation state.
type Credential struct {
	AuthToken string
	CSRFToken string
	Index     int

	requestCount   int
	cooldownUntil  time.Time
	dead           bool
	lastError      string
}

// maskedToken returns the first 4 characters of the auth token followed by
// asterisks, for status snapshots and logs.
func (c *Credential) maskedToken() string {
	if len(c.AuthToken) < 4 {
		return "****"
	}
	return c.AuthToken[:4] + "****"
}

// CredentialStatus is one entry in Pool.Status.
type CredentialStatus struct {
	Index             int
	Status            string // "available", "cooling", "dead"
	RequestCount      int
	CooldownRemaining time.Duration
	AuthTokenHint     string
}

// Pool is a round-robin rotation of SFN credentials, grounded on the
// account pool pattern: skip cooling/dead credentials, mark on failure,
// wait for the soonest cooldown to clear.
type Pool struct {
	mu      sync.Mutex
	creds   []*Credential
	current int
	now     func() time.Time
	log     *slog.Logger
}

// NewPool builds a credential pool from the given auth/csrf pairs. Pairs
// are trimmed of surrounding whitespace but otherwise used verbatim.
func NewPool(pairs [][2]string, log *slog.Logger) (*Pool, error) {
	if len(pairs) == 0 {
		return nil, errors.New("sfn: at least one auth_token:ct0 credential pair is required")
	}
	p := &Pool{now: time.Now, log: log}
	for i, pair := range pairs {
		p.creds = append(p.creds, &Credential{
			AuthToken: strings.TrimSpace(pair[0]),
			CSRFToken: strings.TrimSpace(pair[1]),
			Index:     i,
		})
	}
	p.log.Info("sfn credential pool initialized", "count", len(p.creds))
	return p, nil
}

// ParseConfigString parses the "auth1:ct01;auth2:ct02" config-file form
// into pairs suitable for NewPool. Malformed entries are skipped with a
// warning, matching the tolerant parsing of the donor implementation.
func ParseConfigString(s string, log *slog.Logger) [][2]string {
	var pairs [][2]string
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			hint := entry
			if len(hint) > 20 {
				hint = hint[:20]
			}
			log.Warn("skipping malformed sfn credential entry", "entry_prefix", hint)
			continue
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	return pairs
}

func (c *Credential) isAvailable(now time.Time) bool {
	if c.dead {
		return false
	}
	return !c.cooldownUntil.After(now)
}

func (c *Credential) cooldownRemaining(now time.Time) time.Duration {
	remaining := c.cooldownUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Next returns the next available credential via round-robin, skipping
// cooling and dead entries. Returns nil if none are available right now.
func (p *Pool) Next() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	total := len(p.creds)
	for i := 0; i < total; i++ {
		c := p.creds[p.current]
		p.current = (p.current + 1) % total
		if c.isAvailable(now) {
			c.requestCount++
			return c
		}
	}
	return nil
}

// MarkRateLimited puts a credential into cooldown. cooldown of 0 uses
// DefaultCooldownSeconds.
func (p *Pool) MarkRateLimited(c *Credential, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldownSeconds * time.Second
	}
	p.mu.Lock()
	c.cooldownUntil = p.now().Add(cooldown)
	c.lastError = fmt.Sprintf("rate limited, cooldown %s", cooldown)
	reqCount := c.requestCount
	p.mu.Unlock()
	p.log.Warn("sfn credential rate limited", "index", c.Index, "cooldown", cooldown, "request_count", reqCount)
}

// MarkDead permanently retires a credential (e.g. 401/403 auth failure).
func (p *Pool) MarkDead(c *Credential, reason string) {
	if reason == "" {
		reason = "marked dead"
	}
	p.mu.Lock()
	c.dead = true
	c.lastError = reason
	p.mu.Unlock()
	p.log.Error("sfn credential dead", "index", c.Index, "reason", reason)
}

// AvailableCount reports how many credentials are neither dead nor cooling.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, c := range p.creds {
		if c.isAvailable(now) {
			n++
		}
	}
	return n
}

// TotalCount reports the pool size.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Status returns a status snapshot for every credential, suitable for
// logging. Auth tokens are masked to their first 4 characters.
func (p *Pool) Status() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]CredentialStatus, 0, len(p.creds))
	for _, c := range p.creds {
		status := "available"
		switch {
		case c.dead:
			status = "dead"
		case !c.isAvailable(now):
			status = "cooling"
		}
		out = append(out, CredentialStatus{
			Index:             c.Index,
			Status:            status,
			RequestCount:      c.requestCount,
			CooldownRemaining: c.cooldownRemaining(now),
			AuthTokenHint:     c.maskedToken(),
		})
	}
	return out
}

// WaitForAvailable blocks (polling, sleeping for the soonest cooldown) until
// a credential is available or the deadline passes. Returns nil immediately
// if every credential is permanently dead. Default caller timeout mirrors
// the donor's 30-minute default via WaitForAvailableDefault.
const WaitForAvailableDefault = 1800 * time.Second

func (p *Pool) WaitForAvailable(timeout time.Duration, sleep func(time.Duration)) *Credential {
	if sleep == nil {
		sleep = time.Sleep
	}
	deadline := p.now().Add(timeout)

	for p.now().Before(deadline) {
		if c := p.Next(); c != nil {
			return c
		}

		p.mu.Lock()
		allDead := true
		now := p.now()
		minWait := time.Second
		haveWait := false
		for _, c := range p.creds {
			if !c.dead {
				allDead = false
				if r := c.cooldownRemaining(now); r > 0 {
					if !haveWait || r < minWait {
						minWait = r
						haveWait = true
					}
				}
			}
		}
		p.mu.Unlock()

		if allDead {
			p.log.Error("all sfn credentials permanently dead")
			return nil
		}

		wait := minWait + time.Second
		if remaining := deadline.Sub(p.now()); remaining < wait {
			wait = remaining
		}
		if wait > 60*time.Second {
			wait = 60 * time.Second
		}
		if wait <= 0 {
			break
		}
		p.log.Info("all sfn credentials cooling, waiting", "wait", wait)
		sleep(wait)
	}

	p.log.Error("timed out waiting for an available sfn credential", "timeout", timeout)
	return nil
}
