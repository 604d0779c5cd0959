package failures

import "strings"

var (
	captchaMarkers = []string{
		"captcha",
		"are you a robot",
		"verify you are human",
		"unusual traffic",
		"press and hold",
	}
	maintenanceMarkers = []string{
		"scheduled maintenance",
		"under maintenance",
		"temporarily unavailable",
		"down for maintenance",
		"we'll be back",
		"service unavailable",
	}
	rateLimitMarkers = []string{
		"error 429",
		"http 429",
		"rate limit",
		"rate-limit",
		"too many requests",
		"throttle",
		"try again later",
	}
	notLoggedInMarkers = []string{
		"not logged in",
		"please sign in",
		"please log in",
		"session has expired",
		"session expired",
		"authentication required",
		"unauthorized",
	}
	badCredentialMarkers = []string{
		"invalid password",
		"incorrect password",
		"invalid username",
		"invalid email or password",
		"incorrect username or password",
		"login failed",
		"account locked",
		"account is locked",
	}
)

// ClassifyPage maps visible page text to a transient failure kind. It
// returns "" when the text carries no recognised signal.
func ClassifyPage(text string) Kind {
	switch {
	case containsAny(text, captchaMarkers...):
		return KindCaptcha
	case containsAny(text, maintenanceMarkers...):
		return KindMaintenance
	case containsAny(text, rateLimitMarkers...):
		return KindRateLimited
	}
	return ""
}

// LooksLoggedOut reports page text that says the session is gone.
func LooksLoggedOut(text string) bool {
	return containsAny(text, notLoggedInMarkers...)
}

// LooksLikeBadCredentials reports page text that rejects the username or
// password.
func LooksLikeBadCredentials(text string) bool {
	return containsAny(text, badCredentialMarkers...)
}

func containsAny(s string, substrs ...string) bool {
	s = strings.ToLower(s)
	for _, substr := range substrs {
		if strings.Contains(s, strings.ToLower(substr)) {
			return true
		}
	}
	return false
}
