package oauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kbukum/authkit/password"
)

// percentEncode implements RFC 3986 percent-encoding as OAuth 1.0a
// requires it: unreserved characters pass through, spaces become %20
// (never +), and everything else is uppercase hex escaped.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// signatureBaseString builds the OAuth 1.0a signature base string:
// the uppercase method, the base URL, and the normalized parameters,
// each percent-encoded and joined with "&".
//
// Parameters are encoded first, then sorted by encoded key (ties broken
// by encoded value), then joined as key=value pairs with "&".
func signatureBaseString(method, rawURL string, params map[string]string) string {
	type pair struct{ k, v string }
	encoded := make([]pair, 0, len(params))
	for k, v := range params {
		encoded = append(encoded, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i].k != encoded[j].k {
			return encoded[i].k < encoded[j].k
		}
		return encoded[i].v < encoded[j].v
	})

	parts := make([]string, len(encoded))
	for i, p := range encoded {
		parts[i] = p.k + "=" + p.v
	}

	return strings.ToUpper(method) + "&" + percentEncode(baseURL(rawURL)) + "&" + percentEncode(strings.Join(parts, "&"))
}

// baseURL strips the query and fragment; query parameters are signed as
// part of the parameter set, not the URL.
func baseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// signingKey is percentEncode(consumerSecret) & percentEncode(tokenSecret);
// the token secret is empty while obtaining a request token.
func signingKey(consumerSecret, tokenSecret string) string {
	return percentEncode(consumerSecret) + "&" + percentEncode(tokenSecret)
}

// signHMACSHA1 returns the base64 HMAC-SHA1 signature of the base string.
func signHMACSHA1(base, consumerSecret, tokenSecret string) string {
	mac := hmac.New(sha1.New, []byte(signingKey(consumerSecret, tokenSecret)))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signer produces OAuth 1.0a Authorization headers for one provider.
type signer struct {
	consumerKey     string
	consumerSecret  string
	signatureMethod string

	// nonce and timestamp are injectable for deterministic tests.
	nonce     func() string
	timestamp func() int64
}

func newSigner(consumerKey, consumerSecret, signatureMethod string) *signer {
	return &signer{
		consumerKey:     consumerKey,
		consumerSecret:  consumerSecret,
		signatureMethod: signatureMethod,
		nonce: func() string {
			n, _ := password.GenerateToken(16)
			return n
		},
		timestamp: func() int64 { return time.Now().Unix() },
	}
}

// authorizationHeader signs a request and returns the OAuth header
// value. extra carries call-specific protocol parameters such as
// oauth_callback, oauth_token, or oauth_verifier.
func (s *signer) authorizationHeader(method, rawURL string, extra map[string]string, tokenSecret string) string {
	params := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": s.signatureMethod,
		"oauth_timestamp":        fmt.Sprintf("%d", s.timestamp()),
		"oauth_version":          "1.0",
	}
	for k, v := range extra {
		params[k] = v
	}

	// Query parameters on the URL participate in the signature.
	if u, err := url.Parse(rawURL); err == nil {
		for k, vs := range u.Query() {
			for _, v := range vs {
				params[k] = v
			}
		}
	}

	var signature string
	switch s.signatureMethod {
	case "PLAINTEXT":
		signature = signingKey(s.consumerSecret, tokenSecret)
	default: // HMAC-SHA1
		signature = signHMACSHA1(signatureBaseString(method, rawURL, params), s.consumerSecret, tokenSecret)
	}
	params["oauth_signature"] = signature

	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "oauth_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = percentEncode(k) + `="` + percentEncode(params[k]) + `"`
	}
	return "OAuth " + strings.Join(parts, ", ")
}
