package gerrit

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// digestChallenge is a parsed WWW-Authenticate: Digest header.
type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	qop       string
	algorithm string
}

// digestTransport implements HTTP digest authentication (RFC 2617) as a
// RoundTripper. Gerrit instances behind an HTTP auth front end challenge
// with a 401; the transport answers the challenge and caches it so that
// subsequent requests authenticate preemptively.
type digestTransport struct {
	username string
	password string
	base     http.RoundTripper

	mtx       sync.Mutex
	challenge *digestChallenge
	nc        uint64
}

// NewAuthTransport returns a RoundTripper which authenticates requests with
// the given digest credentials, delegating to base (http.DefaultTransport
// when nil).
func NewAuthTransport(username, password string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &digestTransport{
		username: username,
		password: password,
		base:     base,
	}
}

// RoundTrip sends the request, answering a digest challenge at most once.
func (t *digestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The request may need to be replayed after the challenge, so buffer
	// the body up front.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, skerr.Wrapf(err, "failed to buffer request body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	t.mtx.Lock()
	cached := t.challenge
	t.mtx.Unlock()
	if cached != nil {
		req.Header.Set("Authorization", t.authorize(cached, req.Method, req.URL.RequestURI()))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	challenge, ok := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return resp, nil
	}
	// Drain the 401 body so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	t.mtx.Lock()
	t.challenge = challenge
	t.nc = 0
	t.mtx.Unlock()

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	retry.Header.Set("Authorization", t.authorize(challenge, retry.Method, retry.URL.RequestURI()))
	return t.base.RoundTrip(retry)
}

// parseChallenge extracts the digest parameters from a WWW-Authenticate
// header value. Returns false when the header is not a digest challenge.
func parseChallenge(header string) (*digestChallenge, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return nil, false
	}
	c := &digestChallenge{algorithm: "MD5"}
	for _, part := range splitChallenge(header[len(prefix):]) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.realm = value
		case "nonce":
			c.nonce = value
		case "opaque":
			c.opaque = value
		case "qop":
			// Servers may offer "auth,auth-int"; only auth is supported.
			for _, qop := range strings.Split(value, ",") {
				if strings.TrimSpace(qop) == "auth" {
					c.qop = "auth"
				}
			}
		case "algorithm":
			c.algorithm = value
		}
	}
	if c.nonce == "" {
		return nil, false
	}
	return c, true
}

// splitChallenge splits the comma-separated challenge parameters without
// breaking quoted strings containing commas.
func splitChallenge(s string) []string {
	var parts []string
	var buf strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			buf.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

func h(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// authorize computes the Authorization header for one request under the
// given challenge, incrementing the nonce counter.
func (t *digestTransport) authorize(c *digestChallenge, method, uri string) string {
	t.mtx.Lock()
	t.nc++
	nc := t.nc
	t.mtx.Unlock()

	cnonce := newCnonce()
	ha1 := h(fmt.Sprintf("%s:%s:%s", t.username, c.realm, t.password))
	if strings.EqualFold(c.algorithm, "MD5-sess") {
		ha1 = h(fmt.Sprintf("%s:%s:%s", ha1, c.nonce, cnonce))
	}
	ha2 := h(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if c.qop == "auth" {
		response = h(fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, c.nonce, nc, cnonce, c.qop, ha2))
	} else {
		response = h(fmt.Sprintf("%s:%s:%s", ha1, c.nonce, ha2))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=%s`,
		t.username, c.realm, c.nonce, uri, response, c.algorithm)
	if c.qop == "auth" {
		fmt.Fprintf(&sb, `, qop=auth, nc=%08x, cnonce=%q`, nc, cnonce)
	}
	if c.opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, c.opaque)
	}
	return sb.String()
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
