package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The fixed request URL the OAuth signature is computed against. The server
// never fetches it; it only recomputes the signature over the same string.
const oauthRequestURL = "https://www.google.com/securedataconnector/authRequest"

const (
	oauthSignatureMethod = "HMAC-SHA1"
	oauthVersion         = "1.0"
)

// signedAuthQuery builds the OAuth 1.0 signed query string that identifies
// the agent: consumer key is the domain, requestor_id is the user's email,
// and the whole parameter set is signed with the consumer secret from the
// local configuration. The result is the canonical
// "URL?params&oauth_signature=..." form the server expects on the auth line.
func signedAuthQuery(domain, email, consumerSecret, nonce string, now time.Time) string {
	params := [][2]string{
		{"oauth_consumer_key", domain},
		{"oauth_nonce", nonce},
		{"oauth_signature_method", oauthSignatureMethod},
		{"oauth_timestamp", strconv.FormatInt(now.Unix(), 10)},
		{"oauth_version", oauthVersion},
		{"requestor_id", email},
	}

	signature := signParams("GET", oauthRequestURL, params, consumerSecret)
	return oauthRequestURL + "?" + formEncode(params) + "&oauth_signature=" + percentEncode(signature)
}

// signParams computes the HMAC-SHA1 signature over the OAuth base string:
// METHOD&enc(url)&enc(sorted params). There is no token secret in this
// two-legged exchange, so the key is enc(consumerSecret)&.
func signParams(method, requestURL string, params [][2]string, consumerSecret string) string {
	encoded := make([]string, 0, len(params))
	for _, p := range params {
		encoded = append(encoded, percentEncode(p[0])+"="+percentEncode(p[1]))
	}
	sort.Strings(encoded)

	base := strings.ToUpper(method) + "&" + percentEncode(requestURL) + "&" +
		percentEncode(strings.Join(encoded, "&"))

	mac := hmac.New(sha1.New, []byte(percentEncode(consumerSecret)+"&"))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func formEncode(params [][2]string) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, percentEncode(p[0])+"="+percentEncode(p[1]))
	}
	return strings.Join(parts, "&")
}

// percentEncode applies RFC 5849 encoding: unreserved characters pass,
// everything else becomes %XX with uppercase hex. url.QueryEscape is close
// but encodes spaces as "+", which breaks signature recomputation.
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

// newNonce returns an opaque request nonce. The server only requires
// presence, not structure.
func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// The CSPRNG failing means nothing on this host should be trusted.
		panic("client: reading random nonce: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
