package identity

import (
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	lowerHex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)
	upperHex16 = regexp.MustCompile(`^[0-9A-F]{16}$`)
)

func testForge() *Forge {
	f := NewForge(Profile{
		Origin:         "https://upstream.test",
		Referer:        "https://upstream.test/",
		AcceptLanguage: "en-US,en;q=0.9",
		AnalyticsSite:  "abc123",
		UserAgents:     []string{"ua-one", "ua-two"},
	})
	f.now = func() time.Time { return time.Unix(1733500000, 0) }
	return f
}

func TestForgeProducesFreshTokens(t *testing.T) {
	f := testForge()
	a := f.Forge()
	b := f.Forge()

	require.Regexp(t, lowerHex32, a.SessionID)
	require.Regexp(t, upperHex16, a.AccountID)
	require.NotEqual(t, a.SessionID, b.SessionID)
	require.NotEqual(t, a.AccountID, b.AccountID)
	require.Contains(t, []string{"ua-one", "ua-two"}, a.UserAgent)
	require.Equal(t, int64(1733500000), a.FirstVisit)
	require.Equal(t, a.FirstVisit, a.LastVisit)
}

func TestForgeDefaultsUserAgentPool(t *testing.T) {
	id := NewForge(Profile{}).Forge()
	require.Contains(t, DefaultUserAgents, id.UserAgent)
}

func TestIdentityCookieAndHeaders(t *testing.T) {
	id := Identity{
		UserAgent:      "ua",
		Accept:         "*/*",
		AcceptLanguage: "en",
		Origin:         "https://o.test",
		Referer:        "https://o.test/",
		SessionID:      "deadbeef",
		AnalyticsSite:  "site",
		FirstVisit:     10,
		LastVisit:      11,
		AccountID:      "CAFE",
	}
	require.Equal(t, "server_name_session=deadbeef; Hm_lvt_site=10; Hm_lpvt_site=11; HMACCOUNT=CAFE", id.Cookie())

	h := http.Header{}
	id.Apply(h)
	require.Equal(t, "ua", h.Get("User-Agent"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, "https://o.test", h.Get("Origin"))
	require.Equal(t, "https://o.test/", h.Get("Referer"))
	require.Equal(t, id.Cookie(), h.Get("Cookie"))
}

func TestCodecRoundTrip(t *testing.T) {
	f := testForge()
	for i := 0; i < 20; i++ {
		id := f.Forge()
		enc := Encode(id)
		got, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, id, got)
		require.Equal(t, enc, Encode(got))
	}
}

func TestDecodeRejectsMalformedContext(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not base64":    "%%%not-base64%%%",
		"not json":      base64.StdEncoding.EncodeToString([]byte("hello")),
		"unknown field": base64.StdEncoding.EncodeToString([]byte(`{"User-Agent":"x","Cookie":"y"}`)),
		"no session":    base64.StdEncoding.EncodeToString([]byte(`{"user_agent":"x"}`)),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidContext), "got %v", err)
		})
	}
}
