package provider

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindUnsupportedURL    Kind = "unsupported_url"
	KindMetadataFailed    Kind = "metadata_failed"
	KindDownloadFailed    Kind = "download_failed"
	KindRestricted        Kind = "restricted"
	KindNeedsVerification Kind = "needs_verification"
	KindForbidden         Kind = "forbidden"
	KindUnknown           Kind = "unknown"
)

// FetchError is a classified provider failure. Diagnostic carries the raw
// output tail for logs and is never shown to users.
type FetchError struct {
	Kind       Kind
	Provider   string
	Message    string
	Diagnostic string
}

func (e *FetchError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

// KindOf returns the kind of a *FetchError in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

type rule struct {
	pattern *regexp.Regexp
	kind    Kind
}

func ci(pattern string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + pattern)
}

// baseRules apply to every provider after its overrides. Order matters: the
// first match wins.
var baseRules = []rule{
	{ci(`sign in to confirm`), KindNeedsVerification},
	{ci(`not a bot`), KindNeedsVerification},
	{ci(`cookies (are|have) (no longer valid|expired)`), KindNeedsVerification},
	{ci(`use --cookies`), KindNeedsVerification},
	{ci(`login required|requires authentication|log in to`), KindNeedsVerification},
	{ci(`private video|video is private`), KindRestricted},
	{ci(`age[- ]restricted|confirm your age`), KindRestricted},
	{ci(`not available in your country|geo[- ]?restrict`), KindRestricted},
	{ci(`members[- ]only|premium members`), KindRestricted},
	{ci(`video unavailable|has been removed|no longer available`), KindRestricted},
	{ci(`http error 403|403: forbidden`), KindForbidden},
	{ci(`unsupported url`), KindUnsupportedURL},
	{ci(`http error \d{3}`), KindDownloadFailed},
	{ci(`unable to download|no video formats found|requested format is not available`), KindDownloadFailed},
	{ci(`timed out|connection reset|fragment`), KindDownloadFailed},
	{ci(`ffmpeg|postprocessing`), KindDownloadFailed},
}

var overrideRules = map[string][]rule{
	"youtube": {
		{ci(`http error 429`), KindNeedsVerification},
		{ci(`this live event will begin`), KindRestricted},
	},
	"instagram": {
		{ci(`rate-limit reached`), KindNeedsVerification},
		{ci(`restricted video`), KindNeedsVerification},
	},
	"tiktok": {
		{ci(`ip address is blocked`), KindForbidden},
		{ci(`status code 10204`), KindRestricted},
	},
	"x": {
		{ci(`nsfw tweet|sensitive content`), KindNeedsVerification},
		{ci(`no video could be found`), KindDownloadFailed},
	},
	"soundcloud": {
		{ci(`geo restricted|not available in your region`), KindRestricted},
		{ci(`preview only`), KindRestricted},
	},
}

// Classify maps fetch output to a failure kind using the provider's
// override table first, then the base table.
func Classify(providerID, text string) Kind {
	for _, r := range overrideRules[providerID] {
		if r.pattern.MatchString(text) {
			return r.kind
		}
	}
	for _, r := range baseRules {
		if r.pattern.MatchString(text) {
			return r.kind
		}
	}
	return KindUnknown
}
