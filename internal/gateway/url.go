// ABOUTME: Gateway URL parsing and rebuilding, including resume query parameters
// ABOUTME: Validates scheme, host, token, and resume sn/session_id as the gateway requires

package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// URL parse failures.
var (
	ErrInvalidURL    = errors.New("invalid gateway url")
	ErrInvalidScheme = errors.New("gateway url scheme must be ws or wss")
	ErrNoHost        = errors.New("gateway url has no host")
	ErrNoToken       = errors.New("gateway url has no token")
	ErrNoSN          = errors.New("gateway url has resume=1 but no sn")
	ErrInvalidSN     = errors.New("gateway url has an invalid sn")
	ErrNoSessionID   = errors.New("gateway url has resume=1 but no session_id")
)

// URL is a parsed gateway websocket URL.
type URL struct {
	u *url.URL

	Token    string
	Compress bool

	// Resume fields are only set when the URL carries resume=1.
	Resume    bool
	SN        uint64
	SessionID string
}

// ParseURL validates a gateway URL as returned by /gateway/index.
func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoHost, raw)
	}

	q := u.Query()
	g := &URL{
		u:        u,
		Token:    q.Get("token"),
		Compress: q.Get("compress") == "1",
	}
	if g.Token == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoToken, raw)
	}

	if q.Get("resume") == "1" {
		g.Resume = true
		sn := q.Get("sn")
		if sn == "" {
			return nil, fmt.Errorf("%w: %q", ErrNoSN, raw)
		}
		g.SN, err = strconv.ParseUint(sn, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSN, sn, err)
		}
		g.SessionID = q.Get("session_id")
		if g.SessionID == "" {
			return nil, fmt.Errorf("%w: %q", ErrNoSessionID, raw)
		}
	}

	return g, nil
}

// String rebuilds the URL with its current query.
func (g *URL) String() string {
	u := *g.u
	q := u.Query()
	q.Set("token", g.Token)
	if g.Compress {
		q.Set("compress", "1")
	} else {
		q.Set("compress", "0")
	}
	q.Del("resume")
	q.Del("sn")
	q.Del("session_id")
	if g.Resume {
		q.Set("resume", "1")
		q.Set("sn", strconv.FormatUint(g.SN, 10))
		q.Set("session_id", g.SessionID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithResume returns a copy of the URL that asks the server to resume
// sessionID from sn.
func (g *URL) WithResume(sessionID string, sn uint64) *URL {
	c := *g
	c.Resume = true
	c.SessionID = sessionID
	c.SN = sn
	return &c
}

// WithoutResume returns a copy of the URL with the resume parameters removed.
func (g *URL) WithoutResume() *URL {
	c := *g
	c.Resume = false
	c.SessionID = ""
	c.SN = 0
	return &c
}
