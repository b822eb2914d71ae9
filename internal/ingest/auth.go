package ingest

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ProducerAuth resolves the producer id for an inbound /api/ingest request
// per spec §4.3: basic auth wins, then a bearer token to producerId
// mapping, otherwise the request is unauthorized. If neither basic auth
// nor any token mapping is configured, the endpoint is disabled.
type ProducerAuth struct {
	BasicUsername string
	BasicPassword string
	TokenToProducer map[string]string
}

// Configured reports whether any producer auth mechanism is set up.
func (a ProducerAuth) Configured() bool {
	return (a.BasicUsername != "" && a.BasicPassword != "") || len(a.TokenToProducer) > 0
}

// Resolve returns the resolved producer id and whether the request is
// authorized. Callers must check Configured separately to distinguish
// "disabled" (404) from "unauthorized" (401). Credential comparisons use
// crypto/subtle, the same constant-time idiom httpapi/middleware.go uses
// for API auth, so producer tokens and basic credentials aren't subject to
// a timing side-channel either.
func (a ProducerAuth) Resolve(r *http.Request) (producerID string, ok bool) {
	if a.BasicUsername != "" && a.BasicPassword != "" {
		if user, pass, present := r.BasicAuth(); present &&
			subtle.ConstantTimeCompare([]byte(user), []byte(a.BasicUsername)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.BasicPassword)) == 1 {
			return user, true
		}
	}

	if len(a.TokenToProducer) > 0 {
		if token, present := bearerToken(r); present {
			if producer, known := lookupConstantTime(a.TokenToProducer, token); known {
				return producer, true
			}
		}
	}

	return "", false
}

// lookupConstantTime finds token's mapped value by comparing it against
// every key in constant time, rather than a native map index, so a
// request can't learn anything about which tokens are configured from how
// quickly a lookup fails.
func lookupConstantTime(m map[string]string, token string) (string, bool) {
	tokenBytes := []byte(token)
	var match string
	var found int
	for k, v := range m {
		if subtle.ConstantTimeCompare([]byte(k), tokenBytes) == 1 {
			match = v
			found = 1
		}
	}
	return match, found == 1
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// ParseProducerMapping parses the "token=producerId,token2=producerId2"
// configuration string into a lookup map.
func ParseProducerMapping(spec string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
