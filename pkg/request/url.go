package request

import (
	"net/url"
	"strings"

	"github.com/bturcanu/plugwire/pkg/types"
)

// NormalizeBaseURL cleans a user-supplied base URL: surrounding whitespace and
// trailing slashes are removed and suffix (e.g. "/v1") is appended when the
// path does not already end with it. Credentials are free text, so a missing
// scheme or host is reported as a ConfigurationError.
func NormalizeBaseURL(raw, suffix string) (string, error) {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &types.ConfigurationError{Fields: []string{"base_url"}, Reason: "invalid base URL"}
	}
	if suffix != "" {
		suffix = "/" + strings.Trim(suffix, "/")
		if !strings.HasSuffix(u.Path, suffix) {
			u.Path += suffix
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// JoinURL appends path segments and a query to base.
func JoinURL(base string, path string, query url.Values) string {
	out := strings.TrimRight(base, "/")
	if path != "" {
		out += "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}
