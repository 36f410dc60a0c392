package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Tracking URL paths served by the tracking surface.
const (
	OpenPath        = "/t/o/"
	ClickPath       = "/t/c/"
	UnsubscribePath = "/t/u/"
)

var (
	ErrBadSignature = errors.New("bad tracking signature")
	ErrBadTarget    = errors.New("bad redirect target")
)

var linkPattern = regexp.MustCompile(`href=(["'])(https?://[^"']+)(["'])`)

// LinkTracker builds and verifies signed tracking URLs.
type LinkTracker struct {
	baseURL    string
	signingKey []byte
}

// NewLinkTracker creates a tracker rooted at the public tracking base URL.
func NewLinkTracker(baseURL, signingKey string) *LinkTracker {
	return &LinkTracker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
	}
}

// OpenURL returns the tracking pixel URL.
func (lt *LinkTracker) OpenURL(trackingID string) string {
	return lt.baseURL + OpenPath + url.PathEscape(trackingID)
}

// ClickURL returns a redirect URL for target.
func (lt *LinkTracker) ClickURL(trackingID, target, linkID string) string {
	q := url.Values{}
	q.Set("u", base64.RawURLEncoding.EncodeToString([]byte(target)))
	if linkID != "" {
		q.Set("l", linkID)
	}
	q.Set("s", lt.sign(trackingID+"|"+target))
	return lt.baseURL + ClickPath + url.PathEscape(trackingID) + "?" + q.Encode()
}

// UnsubscribeURL returns the one-click unsubscribe URL.
func (lt *LinkTracker) UnsubscribeURL(trackingID string) string {
	q := url.Values{}
	q.Set("s", lt.sign(trackingID+"|unsubscribe"))
	return lt.baseURL + UnsubscribePath + url.PathEscape(trackingID) + "?" + q.Encode()
}

// sign creates an HMAC signature
func (lt *LinkTracker) sign(data string) string {
	h := hmac.New(sha256.New, lt.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (lt *LinkTracker) verify(data, signature string) bool {
	return hmac.Equal([]byte(lt.sign(data)), []byte(signature))
}

// ParseClick decodes and verifies a click redirect. The target is returned
// only when it is an absolute http or https URL with a valid signature.
func (lt *LinkTracker) ParseClick(trackingID string, q url.Values) (target, linkID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(q.Get("u"), "="))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	target = string(raw)
	if !SafeRedirect(target) {
		return "", "", ErrBadTarget
	}
	if !lt.verify(trackingID+"|"+target, q.Get("s")) {
		return "", "", ErrBadSignature
	}
	return target, q.Get("l"), nil
}

// VerifyUnsubscribe checks an unsubscribe signature.
func (lt *LinkTracker) VerifyUnsubscribe(trackingID, signature string) bool {
	return lt.verify(trackingID+"|unsubscribe", signature)
}

// SafeRedirect reports whether target is an absolute http(s) URL.
func SafeRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Inject rewrites every absolute http(s) link to a click redirect and adds
// the open pixel before </body> (or at the end when there is no body tag).
// Links already pointing at the tracking host are left alone. Attribute
// values are HTML-decoded before signing and the rewritten URL is encoded.
func (lt *LinkTracker) Inject(htmlBody, trackingID string) string {
	n := 0
	out := linkPattern.ReplaceAllStringFunc(htmlBody, func(m string) string {
		parts := linkPattern.FindStringSubmatch(m)
		target := html.UnescapeString(parts[2])
		if strings.HasPrefix(target, lt.baseURL+"/") {
			return m
		}
		n++
		tracked := lt.ClickURL(trackingID, target, strconv.Itoa(n))
		return "href=" + parts[1] + html.EscapeString(tracked) + parts[3]
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, lt.OpenURL(trackingID))
	if i := strings.LastIndex(strings.ToLower(out), "</body>"); i >= 0 {
		return out[:i] + pixel + out[i:]
	}
	return out + pixel
}

// AddUnsubscribeHeaders sets RFC 8058 one-click unsubscribe headers.
func AddUnsubscribeHeaders(headers map[string]string, unsubscribeURL string) {
	headers["List-Unsubscribe"] = fmt.Sprintf("<%s>", unsubscribeURL)
	headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
}

// ClientIP returns the originating client address of a tracking request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if i := strings.LastIndex(r.RemoteAddr, ":"); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

// ValidateEmail performs basic email validation
func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}

	local, domain := parts[0], parts[1]
	if len(local) == 0 || len(local) > 64 {
		return false
	}
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}

	_, err := url.Parse("mailto:" + email)
	return err == nil
}
