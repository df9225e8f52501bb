package security

import (
	"net/http"
	"time"
)

// Cookie names are part of the external interface; clients and the
// admin frontend both depend on them.
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
	CSRFCookieName    = "csrf_token"
	DeviceCookieName  = "device_id"
)

// RefreshCookiePath scopes the refresh token to the one endpoint that
// may consume it.
const RefreshCookiePath = "/api/v1/auth/refresh"

// CookiePolicy carries the deployment-dependent cookie attributes.
type CookiePolicy struct {
	Domain string
	Secure bool
}

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (p CookiePolicy) SetAccessCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookieName,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (p CookiePolicy) SetRefreshCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     RefreshCookiePath,
		Domain:   p.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// SetCSRFCookie is readable by scripts on purpose: the double-submit
// scheme requires the frontend to echo the value in a request header.
func (p CookiePolicy) SetCSRFCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: false,
		Secure:   p.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (p CookiePolicy) SetDeviceCookie(w http.ResponseWriter, deviceID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    deviceID,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: false,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (p CookiePolicy) ClearAuthCookies(w http.ResponseWriter) {
	for _, c := range []struct {
		name string
		path string
	}{
		{AccessCookieName, "/"},
		{RefreshCookieName, RefreshCookiePath},
		{CSRFCookieName, "/"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			Domain:   p.Domain,
			MaxAge:   -1,
			HttpOnly: c.name != CSRFCookieName,
			Secure:   p.Secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
