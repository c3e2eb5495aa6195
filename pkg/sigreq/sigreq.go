// Package sigreq implements the signed-request gate: RFC 9421-style request
// signature verification against a single system-wide Ed25519 key, with
// timestamp and nonce replay protection.
package sigreq

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
)

// Profile names a security profile: skew tolerance and required signed
// components.
type Profile string

const (
	Strict   Profile = "strict"
	Standard Profile = "standard"
	Lenient  Profile = "lenient"
)

// Skew returns the allowed clock skew for the profile.
func (p Profile) Skew() time.Duration {
	switch p {
	case Strict:
		return 60 * time.Second
	case Lenient:
		return 600 * time.Second
	default:
		return 300 * time.Second
	}
}

// RequiredComponents returns the signed components this profile always
// demands. "content-digest" is additionally required whenever the request
// carries a body, regardless of profile.
func (p Profile) RequiredComponents() []string {
	switch p {
	case Strict:
		return []string{"@method", "@target-uri", "content-type", "content-digest"}
	case Lenient:
		return []string{"@method", "@target-uri"}
	default:
		return []string{"@method", "@target-uri", "content-type"}
	}
}

// NonceTTLGrace is added on top of the profile skew to size the nonce
// retention window.
const NonceTTLGrace = 30 * time.Second

// Request is the HTTP-like shape the gate verifies.
type Request struct {
	Method    string
	TargetURI string
	Headers   map[string]string // lower-cased header name -> raw value
	Body      []byte
}

// Identity is the caller identity yielded by successful verification.
// KeyID is parsed from signature-input for logging/trust-distance lookups
// only; verification always runs against the one configured system key.
type Identity struct {
	KeyID string
}

// KeyProvider resolves the single system-wide verifying key. syskey.Store
// implements this.
type KeyProvider interface {
	Get() (ed25519.PublicKey, bool)
}

// SignatureInput is the parsed signature-input header.
type SignatureInput struct {
	Components []string
	Created    int64
	Nonce      string
	KeyID      string
	Alg        string
	raw        string // value after "sig1=", used verbatim in @signature-params
}

// Gate is the verification entry point.
type Gate struct {
	profile   Profile
	keys      KeyProvider
	nonces    *NonceTracker
	publisher *bus.Bus
	now       func() time.Time
	logger    *log.Logger
}

func NewGate(profile Profile, keys KeyProvider, publisher *bus.Bus, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(log.Writer(), "[sigreq] ", log.LstdFlags)
	}
	return &Gate{
		profile:   profile,
		keys:      keys,
		nonces:    NewNonceTracker(profile.Skew() + NonceTTLGrace),
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
	}
}

// Verify runs the checks in a fixed order, each with a distinct reject
// reason, and returns the caller Identity on success: parse, timestamp
// window, nonce, content digest, then signature against the system key.
func (g *Gate) Verify(req Request) (Identity, error) {
	sigInputHeader, ok := req.Headers["signature-input"]
	if !ok {
		return g.reject(faultkind.MalformedSignatureInput, "missing signature-input")
	}
	sigHeader, ok := req.Headers["signature"]
	if !ok {
		return g.reject(faultkind.MalformedSignatureInput, "missing signature")
	}

	si, err := ParseSignatureInput(sigInputHeader)
	if err != nil {
		return g.reject(faultkind.MalformedSignatureInput, err.Error())
	}
	if si.Alg != "ed25519" {
		return g.reject(faultkind.MalformedSignatureInput, "unsupported alg "+si.Alg)
	}
	if err := g.checkComponents(si, req); err != nil {
		return g.reject(faultkind.MalformedSignatureInput, err.Error())
	}

	now := g.now()
	created := time.Unix(si.Created, 0)
	skew := g.profile.Skew()
	if created.Before(now.Add(-skew)) || created.After(now.Add(skew)) {
		return g.reject(faultkind.ClockSkew, "created outside allowed window")
	}

	if si.Nonce == "" {
		return g.reject(faultkind.MalformedSignatureInput, "missing nonce")
	}
	if !g.nonces.InsertIfAbsent(si.Nonce, now) {
		return g.reject(faultkind.ReplayDetected, "")
	}

	if len(req.Body) > 0 {
		digestHeader, ok := req.Headers["content-digest"]
		if !ok {
			return g.reject(faultkind.MalformedSignatureInput, "missing content-digest")
		}
		want, err := parseContentDigest(digestHeader)
		if err != nil {
			return g.reject(faultkind.MalformedSignatureInput, err.Error())
		}
		got := sha256.Sum256(req.Body)
		if subtle.ConstantTimeCompare(want, got[:]) != 1 {
			return g.reject(faultkind.BodyTampered, "")
		}
	}

	sig, err := parseSignature(sigHeader)
	if err != nil {
		return g.reject(faultkind.MalformedSignatureInput, err.Error())
	}

	pub, ok := g.keys.Get()
	if !ok {
		return g.reject(faultkind.NoSystemKey, "")
	}

	canonical := CanonicalBytes(req, si)
	if !ed25519.Verify(pub, canonical, sig) {
		return g.reject(faultkind.BadSignature, "")
	}

	identity := Identity{KeyID: si.KeyID}
	if g.publisher != nil {
		g.publisher.Publish(bus.SignatureVerified, bus.SignatureVerifiedPayload{Identity: identity.KeyID})
	}
	return identity, nil
}

func (g *Gate) reject(kind faultkind.Kind, detail string) (Identity, error) {
	if g.publisher != nil {
		g.publisher.Publish(bus.SignatureRejected, bus.SignatureRejectedPayload{Reason: string(kind)})
	}
	return Identity{}, faultkind.New(kind, detail)
}

// checkComponents verifies the signature-input's component set contains
// every component required by the active profile (plus content-digest
// whenever a body is present). Additional header components are accepted;
// duplicate entries and unknown derived (@-prefixed) components are not.
func (g *Gate) checkComponents(si *SignatureInput, req Request) error {
	seen := make(map[string]bool, len(si.Components))
	for _, c := range si.Components {
		if seen[c] {
			return errDup(c)
		}
		if strings.HasPrefix(c, "@") && c != "@method" && c != "@target-uri" {
			return &componentError{"unknown component " + c}
		}
		seen[c] = true
	}

	required := g.profile.RequiredComponents()
	if len(req.Body) > 0 {
		required = withContentDigest(required)
	}
	for _, c := range required {
		if !seen[c] {
			return errMissingComponent(c)
		}
	}
	return nil
}

func withContentDigest(components []string) []string {
	for _, c := range components {
		if c == "content-digest" {
			return components
		}
	}
	return append(append([]string(nil), components...), "content-digest")
}

func errDup(c string) error      { return &componentError{"duplicate component " + c} }
func errMissingComponent(c string) error { return &componentError{"missing required component " + c} }

type componentError struct{ msg string }

func (e *componentError) Error() string { return e.msg }

// ParseSignatureInput parses the signature-input header value, e.g.
// `sig1=("@method" "@target-uri");created=123;nonce=abc;keyid=k1;alg="ed25519"`.
func ParseSignatureInput(header string) (*SignatureInput, error) {
	_, value, ok := cutLabel(header)
	if !ok {
		return nil, &componentError{"malformed signature-input: no label"}
	}

	open := strings.Index(value, "(")
	close := strings.Index(value, ")")
	if open < 0 || close < 0 || close < open {
		return nil, &componentError{"malformed signature-input: component list"}
	}

	var components []string
	for _, tok := range strings.Fields(value[open+1 : close]) {
		components = append(components, strings.Trim(tok, "\""))
	}

	si := &SignatureInput{Components: components, raw: value}
	params := strings.Split(value[close+1:], ";")
	for _, p := range params {
		p = strings.TrimSpace(strings.TrimPrefix(p, ";"))
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], strings.Trim(kv[1], "\"")
		switch key {
		case "created":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, &componentError{"malformed created timestamp"}
			}
			si.Created = ts
		case "nonce":
			si.Nonce = val
		case "keyid":
			si.KeyID = val
		case "alg":
			si.Alg = val
		}
	}
	if si.Created == 0 {
		return nil, &componentError{"missing created"}
	}
	return si, nil
}

func cutLabel(header string) (label, rest string, ok bool) {
	idx := strings.Index(header, "=")
	if idx < 0 {
		return "", "", false
	}
	return header[:idx], header[idx+1:], true
}

// parseSignature decodes the `signature: sig1=:<base64>:` header.
func parseSignature(header string) ([]byte, error) {
	_, value, ok := cutLabel(header)
	if !ok {
		return nil, &componentError{"malformed signature header"}
	}
	return decodeByteSequence(value)
}

// parseContentDigest decodes the `content-digest: sha-256=:<base64>:` header.
func parseContentDigest(header string) ([]byte, error) {
	const prefix = "sha-256="
	idx := strings.Index(header, prefix)
	if idx < 0 {
		return nil, &componentError{"unsupported content-digest algorithm"}
	}
	return decodeByteSequence(header[idx+len(prefix):])
}

// decodeByteSequence decodes an RFC 9421 byte-sequence value (`:base64:`).
func decodeByteSequence(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, ":") || !strings.HasSuffix(v, ":") || len(v) < 2 {
		return nil, &componentError{"malformed byte sequence"}
	}
	return base64.StdEncoding.DecodeString(v[1 : len(v)-1])
}

// CanonicalBytes rebuilds the signing input: one line per declared
// component followed by the @signature-params line, mirroring RFC 9421's
// signature-base construction.
func CanonicalBytes(req Request, si *SignatureInput) []byte {
	var b strings.Builder
	for _, c := range si.Components {
		b.WriteString(`"`)
		b.WriteString(c)
		b.WriteString(`": `)
		b.WriteString(componentValue(c, req))
		b.WriteString("\n")
	}
	b.WriteString(`"@signature-params": `)
	b.WriteString(si.raw)
	return []byte(b.String())
}

func componentValue(name string, req Request) string {
	switch name {
	case "@method":
		return req.Method
	case "@target-uri":
		return req.TargetURI
	default:
		return req.Headers[name]
	}
}

// NonceTracker is a mutex-guarded seen-nonce set with TTL-based expiry.
type NonceTracker struct {
	mu       sync.Mutex
	firstSeen map[string]time.Time
	ttl      time.Duration
}

func NewNonceTracker(ttl time.Duration) *NonceTracker {
	return &NonceTracker{firstSeen: make(map[string]time.Time), ttl: ttl}
}

// InsertIfAbsent atomically records nonce's first sighting at now, sweeping
// expired entries first. Returns false if nonce was already seen within the
// TTL window (a replay).
func (t *NonceTracker) InsertIfAbsent(nonce string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	if _, seen := t.firstSeen[nonce]; seen {
		return false
	}
	t.firstSeen[nonce] = now
	return true
}

func (t *NonceTracker) sweepLocked(now time.Time) {
	for n, seenAt := range t.firstSeen {
		if now.Sub(seenAt) > t.ttl {
			delete(t.firstSeen, n)
		}
	}
}

// Len reports the number of currently tracked nonces, for tests.
func (t *NonceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.firstSeen)
}
