package cb

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/cbstore/internal/stamped"
)

// Well-known access string keys.
const (
	KeyType              = "type"
	KeyHost              = "host"
	KeyPort              = "port"
	KeyUser              = "user"
	KeyPassword          = "password"
	KeyName              = "name"
	KeyReadOnly          = "readonly"
	KeyServerTags        = "server-tags"
	KeyConnectTimeout    = "connect-timeout"
	KeyReconnectWaitTime = "reconnect-wait-time"
	KeyMaxReconnectTries = "max-reconnect-tries"
	KeyReconnectTimeout  = "reconnect-timeout"
)

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Parameters holds the key/value pairs of a parsed access string.
type Parameters map[string]string

// ParseAccessString parses a connection access string of the form
//
//	type=postgresql;host=localhost;user=test;password='se;cret';name=keatest
//
// Pairs are separated by ';'. Blanks around keys and values are ignored,
// empty segments are skipped and a value wrapped in single quotes may
// contain ';'. The type key is required.
//
// Returns:
//   - Parameters on success
//   - *MalformedAccessStringError on a pair without '=', an empty key, a
//     duplicate key, an unterminated quote, or a missing or unparsable type
func ParseAccessString(access string) (Parameters, error) {
	params := make(Parameters)
	rest := access
	for len(rest) > 0 {
		var segment string
		segment, rest = nextSegment(rest)
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			return nil, &MalformedAccessStringError{Reason: fmt.Sprintf("pair %q has no '='", segment)}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, &MalformedAccessStringError{Reason: fmt.Sprintf("pair %q has an empty key", segment)}
		}
		value, err := unquote(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		if _, dup := params[key]; dup {
			return nil, &MalformedAccessStringError{Reason: fmt.Sprintf("duplicate key %q", key)}
		}
		params[key] = value
	}

	typ, ok := params[KeyType]
	if !ok {
		return nil, &MalformedAccessStringError{Reason: "missing required key \"type\""}
	}
	if !typePattern.MatchString(typ) {
		return nil, &MalformedAccessStringError{Reason: fmt.Sprintf("unparsable backend type %q", typ)}
	}
	return params, nil
}

// nextSegment splits s at the first ';' that is not inside single quotes.
func nextSegment(s string) (string, string) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case ';':
			if !quoted {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}

func unquote(value string) (string, error) {
	if !strings.HasPrefix(value, "'") {
		if strings.Contains(value, "'") {
			return "", &MalformedAccessStringError{Reason: fmt.Sprintf("stray quote in value %q", value)}
		}
		return value, nil
	}
	if len(value) < 2 || !strings.HasSuffix(value, "'") {
		return "", &MalformedAccessStringError{Reason: "unterminated quoted value"}
	}
	return value[1 : len(value)-1], nil
}

// Type returns the backend type name.
func (p Parameters) Type() string {
	return p[KeyType]
}

// Get returns the raw value of key.
func (p Parameters) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Value returns the value of key or def when absent.
func (p Parameters) Value(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns the value of key as an integer within [min, max], or def
// when the key is absent.
func (p Parameters) Int(key string, def, min, max int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &MalformedAccessStringError{Reason: fmt.Sprintf("%s: %q is not an integer", key, v)}
	}
	if n < min || n > max {
		return 0, &MalformedAccessStringError{Reason: fmt.Sprintf("%s: %d is out of range [%d, %d]", key, n, min, max)}
	}
	return n, nil
}

// Bool returns the value of key, which must be "true" or "false", or def
// when the key is absent.
func (p Parameters) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &MalformedAccessStringError{Reason: fmt.Sprintf("%s: %q is not a boolean", key, v)}
}

// Duration returns the value of key, expressed in milliseconds, or def
// when the key is absent.
func (p Parameters) Duration(key string, def time.Duration) (time.Duration, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	ms, err := p.Int(key, 0, 0, int(^uint32(0)>>1))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// List returns the comma separated values of key, blanks trimmed and empty
// entries dropped.
func (p Parameters) List(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ServerTags returns the server tags the backend is configured to serve.
// An empty result means the backend serves every server.
func (p Parameters) ServerTags() ([]stamped.ServerTag, error) {
	var tags []stamped.ServerTag
	for _, item := range p.List(KeyServerTags) {
		tag, err := stamped.NewServerTag(item)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	return maps.Clone(p)
}

// Redacted renders the parameters as a canonical access string with keys
// sorted and the password masked. It is safe to log.
func (p Parameters) Redacted() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := p[k]
		if k == KeyPassword {
			v = "*****"
		} else if strings.ContainsAny(v, "; ") {
			v = "'" + v + "'"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// ReconnectPolicy controls how a RecoveryController retries a lost backend.
type ReconnectPolicy struct {
	// RetryInterval is the delay between reconnect probes. Zero disables
	// automatic retries.
	RetryInterval time.Duration
	// Timeout bounds the whole recovery episode, measured from the loss.
	// Zero means no deadline.
	Timeout time.Duration
	// MaxRetries gives up after that many failed probes. Zero means no
	// limit.
	MaxRetries int
}

// ReconnectPolicyFromParameters reads reconnect-wait-time,
// reconnect-timeout and max-reconnect-tries. When only the number of
// tries is given, the timeout is tries × wait time.
func ReconnectPolicyFromParameters(p Parameters, def ReconnectPolicy) (ReconnectPolicy, error) {
	policy := def
	var err error
	if policy.RetryInterval, err = p.Duration(KeyReconnectWaitTime, def.RetryInterval); err != nil {
		return ReconnectPolicy{}, err
	}
	if policy.MaxRetries, err = p.Int(KeyMaxReconnectTries, def.MaxRetries, 0, 1<<20); err != nil {
		return ReconnectPolicy{}, err
	}
	if policy.Timeout, err = p.Duration(KeyReconnectTimeout, def.Timeout); err != nil {
		return ReconnectPolicy{}, err
	}
	if _, ok := p[KeyReconnectTimeout]; !ok && policy.MaxRetries > 0 && policy.Timeout == 0 {
		policy.Timeout = time.Duration(policy.MaxRetries) * policy.RetryInterval
	}
	return policy, nil
}
