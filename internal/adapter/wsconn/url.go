package wsconn

import (
	"fmt"
	"net/url"
	"strings"

	"maas-ws/internal/domain"
)

// BuildURL converts the configured http(s) base into the socket URL. The
// token is required; an empty token fails with domain.ErrMissingCredential.
func BuildURL(base, csrfToken string) (string, error) {
	if csrfToken == "" {
		return "", domain.ErrMissingCredential
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"csrftoken": {csrfToken}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}
