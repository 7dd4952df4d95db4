package config

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ResourceURLError marks a rule URL the agent cannot extract a destination
// from. Registration fails fast on the first one; a partially registered
// rule set is worse than none.
type ResourceURLError struct {
	URL   string
	cause error
}

func (e *ResourceURLError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("resource url %q: %v", e.URL, e.cause)
	}
	return fmt.Sprintf("resource url %q is not usable", e.URL)
}

func (e *ResourceURLError) Unwrap() error { return e.cause }

// ResourceRule declares that one intranet URL may be reached via an agent.
type ResourceRule struct {
	URL          string   `xml:"url"`
	AgentID      string   `xml:"agentId"`
	AllowedUsers []string `xml:"allowedUser"`
}

type rulesFile struct {
	XMLName xml.Name       `xml:"resourceRules"`
	Rules   []ResourceRule `xml:"rule"`
}

// ParseRules parses the rules file bytes. The field-level schema beyond what
// the agent consumes belongs to the server; unknown elements are ignored.
func ParseRules(data []byte) ([]ResourceRule, error) {
	var f rulesFile
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, configErr(err, "parsing resource rules")
	}
	return f.Rules, nil
}

// RuleURLs returns the URLs of the rules bound to this agent, in file order.
// Rules bound to other agents are someone else's to serve.
func RuleURLs(rules []ResourceRule, agentID string) []string {
	var urls []string
	for _, r := range rules {
		if r.AgentID == agentID {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// HostPort extracts the destination a rule URL points at. Scheme defaults:
// http 80, https 443; anything else needs an explicit port.
func HostPort(rawurl string) (string, int, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", 0, &ResourceURLError{URL: rawurl, cause: err}
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, &ResourceURLError{URL: rawurl, cause: fmt.Errorf("no host")}
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, &ResourceURLError{URL: rawurl, cause: fmt.Errorf("bad port %q", p)}
		}
		return host, port, nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return host, 80, nil
	case "https":
		return host, 443, nil
	}
	return "", 0, &ResourceURLError{URL: rawurl, cause: fmt.Errorf("scheme %q needs an explicit port", u.Scheme)}
}
