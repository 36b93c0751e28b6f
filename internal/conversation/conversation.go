// Package conversation holds the per-session conversation log.
//
// A [Context] is an append-only, ordered list of role-tagged entries. The
// first entry is always the system prompt seeded at creation. A Context is
// owned by exactly one session and survives pipeline rebuilds by reference:
// mode changes hand the same *Context to the new pipeline, they never copy
// or reset it.
package conversation

import (
	"sync"
	"time"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// Role tags the author of an entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one message in the log.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the conversation log of one session.
//
// All methods are safe for concurrent use. The log only grows; there is no
// way to remove or edit an entry once appended.
type Context struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// New returns a Context seeded with the system prompt as its first entry.
func New(systemPrompt string) *Context {
	return newWithClock(systemPrompt, time.Now)
}

func newWithClock(systemPrompt string, now func() time.Time) *Context {
	c := &Context{now: now}
	c.entries = append(c.entries, Entry{Role: RoleSystem, Content: systemPrompt, Timestamp: now()})
	return c
}

// Append adds an entry with the given role and returns it. Only the seeded
// entry may carry [RoleSystem]; later system appends are ignored and return
// the zero Entry.
func (c *Context) Append(role Role, content string) Entry {
	if role == RoleSystem {
		return Entry{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := Entry{Role: role, Content: content, Timestamp: c.now()}
	c.entries = append(c.entries, e)
	return e
}

// SystemPrompt returns the content of the seeded system entry.
func (c *Context) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[0].Content
}

// Len returns the number of entries including the system entry.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the whole log, system entry first.
func (c *Context) Entries() []Entry {
	return c.History(true)
}

// History returns a copy of the log. When includeSystem is false the seeded
// system entry is omitted.
func (c *Context) History(includeSystem bool) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.entries
	if !includeSystem {
		src = src[1:]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Recent returns up to n of the most recent non-system entries, oldest
// first. n <= 0 returns nil.
func (c *Context) Recent(n int) []Entry {
	if n <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.entries[1:]
	if len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Window returns the longest suffix of non-system entries whose estimated
// token count fits in budget. At least the most recent entry is always
// returned when one exists. budget <= 0 means no limit.
func (c *Context) Window(budget int) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.entries[1:]
	if budget <= 0 {
		out := make([]Entry, len(src))
		copy(out, src)
		return out
	}
	used := 0
	start := len(src)
	for i := len(src) - 1; i >= 0; i-- {
		t := EstimateTokens(src[i].Content)
		if used+t > budget && start < len(src) {
			break
		}
		used += t
		start = i
	}
	out := make([]Entry, len(src)-start)
	copy(out, src[start:])
	return out
}

// EstimateTokens returns a rough token count for s.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
