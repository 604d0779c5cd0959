package twofactor

import (
	"context"
	"strings"

	"larder/internal/browser"
	"larder/internal/models"
)

// Challenge describes a verification step found on the page.
type Challenge struct {
	Type   models.TwoFactorType
	Prompt string
	// Input is the selector of the code field, when one was matched.
	Input string
}

// DefaultInputSelectors match common one-time-code fields.
var DefaultInputSelectors = []string{
	`input[autocomplete="one-time-code"]`,
	`input[name*="otp" i]`,
	`input[id*="otp" i]`,
	`input[name*="verification" i]`,
	`input[name*="passcode" i]`,
	`input[name="code"]`,
}

var challengePhrases = []string{
	"verification code",
	"security code",
	"one-time code",
	"one time code",
	"enter the code",
	"enter code",
	"two-factor",
	"two factor",
	"2-step",
	"two-step",
	"verify your identity",
	"authenticator app",
}

// Detect looks for a verification challenge: a known code input, or page
// text that reads like one. It returns nil when there is none.
func Detect(ctx context.Context, page browser.Page, inputSelectors ...string) (*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selectors := append(append([]string{}, inputSelectors...), DefaultInputSelectors...)
	input := browser.FirstPresent(ctx, page, selectors...)

	text := browser.BodyText(ctx, page)
	lower := strings.ToLower(text)
	phrase := matchPhrase(lower)

	if input == "" && phrase == "" {
		return nil, nil
	}
	return &Challenge{
		Type:   classify(lower),
		Prompt: promptLine(text, phrase),
		Input:  input,
	}, nil
}

func matchPhrase(lower string) string {
	for _, p := range challengePhrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

func classify(lower string) models.TwoFactorType {
	switch {
	case strings.Contains(lower, "authenticator"), strings.Contains(lower, "totp"):
		return models.TwoFactorTOTP
	case strings.Contains(lower, "text message"),
		strings.Contains(lower, "sms"),
		strings.Contains(lower, "phone ending"),
		strings.Contains(lower, "mobile"):
		return models.TwoFactorSMS
	case strings.Contains(lower, "email"), strings.Contains(lower, "inbox"):
		return models.TwoFactorEmail
	}
	return models.TwoFactorUnknown
}

const maxPromptLen = 240

// promptLine picks the line of page text that mentions the challenge.
func promptLine(text, phrase string) string {
	if phrase == "" {
		return ""
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), phrase) {
			if len(line) > maxPromptLen {
				line = line[:maxPromptLen]
			}
			return line
		}
	}
	return ""
}
