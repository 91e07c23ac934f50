// Package identity forges the browser-like session presented to the upstream
// image service and serializes it so a stateless client can hand it back later.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"net/http"
	"strings"
	"time"
)

const (
	sessionTokenBytes = 16
	accountTokenBytes = 8
)

// Identity is the header and cookie set bound to exactly one upstream task.
// The upstream correlates task ownership with the session cookie, so the value
// used to create a task must be the one used to query it.
type Identity struct {
	UserAgent      string `json:"user_agent"`
	Accept         string `json:"accept"`
	AcceptLanguage string `json:"accept_language"`
	Origin         string `json:"origin"`
	Referer        string `json:"referer"`
	SessionID      string `json:"session_id"`
	AnalyticsSite  string `json:"analytics_site"`
	FirstVisit     int64  `json:"first_visit"`
	LastVisit      int64  `json:"last_visit"`
	AccountID      string `json:"account_id"`
}

// Cookie renders the Cookie header value.
func (id Identity) Cookie() string {
	parts := []string{"server_name_session=" + id.SessionID}
	if id.AnalyticsSite != "" {
		parts = append(parts,
			fmt.Sprintf("Hm_lvt_%s=%d", id.AnalyticsSite, id.FirstVisit),
			fmt.Sprintf("Hm_lpvt_%s=%d", id.AnalyticsSite, id.LastVisit),
		)
	}
	if id.AccountID != "" {
		parts = append(parts, "HMACCOUNT="+id.AccountID)
	}
	return strings.Join(parts, "; ")
}

// Apply sets the identity's headers on h.
func (id Identity) Apply(h http.Header) {
	h.Set("Accept", id.Accept)
	if id.AcceptLanguage != "" {
		h.Set("Accept-Language", id.AcceptLanguage)
	}
	h.Set("Content-Type", "application/json")
	if id.Origin != "" {
		h.Set("Origin", id.Origin)
	}
	if id.Referer != "" {
		h.Set("Referer", id.Referer)
	}
	h.Set("User-Agent", id.UserAgent)
	h.Set("Cookie", id.Cookie())
}

type Profile struct {
	Origin         string
	Referer        string
	AcceptLanguage string
	AnalyticsSite  string
	UserAgents     []string
}

var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36",
}

type Forge struct {
	profile Profile
	now     func() time.Time
}

func NewForge(p Profile) *Forge {
	if len(p.UserAgents) == 0 {
		p.UserAgents = DefaultUserAgents
	}
	p.UserAgents = append([]string(nil), p.UserAgents...)
	return &Forge{profile: p, now: time.Now}
}

// Forge returns a fresh identity. It never fails.
func (f *Forge) Forge() Identity {
	ts := f.now().Unix()
	return Identity{
		UserAgent:      f.profile.UserAgents[mrand.IntN(len(f.profile.UserAgents))],
		Accept:         "*/*",
		AcceptLanguage: f.profile.AcceptLanguage,
		Origin:         f.profile.Origin,
		Referer:        f.profile.Referer,
		SessionID:      randomHex(sessionTokenBytes),
		AnalyticsSite:  f.profile.AnalyticsSite,
		FirstVisit:     ts,
		LastVisit:      ts,
		AccountID:      strings.ToUpper(randomHex(accountTokenBytes)),
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read does not return an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
