package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

var usernameRe = regexp.MustCompile(`t\.me/([a-zA-Z0-9_]+)`)

// pathSegments are t.me URL path markers that look like usernames but are
// not. Matched exactly; do not extend this list without revisiting every
// caller that relies on resolution failing for these URLs.
var pathSegments = map[string]bool{
	"joinchat": true,
	"addlist":  true,
	"s":        true,
	"c":        true,
}

// ParseUsername extracts the public username from a t.me channel URL.
// Private invite links and list/shortlink URLs are rejected: they carry no
// resolvable username.
func ParseUsername(url string) (string, error) {
	if strings.Contains(url, "/joinchat/") || strings.Contains(url, "/+") {
		return "", fmt.Errorf("private invite link, not a public username: %s", url)
	}

	m := usernameRe.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("username not found in URL: %s", url)
	}

	name := m[1]
	if pathSegments[name] {
		return "", fmt.Errorf("invalid username extracted from URL: %s", name)
	}

	return name, nil
}
