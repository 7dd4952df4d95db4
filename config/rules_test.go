package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `<?xml version="1.0"?>
<resourceRules>
  <rule>
    <url>https://intranet.example</url>
    <agentId>agent-1</agentId>
    <allowedUser>alice@example.com</allowedUser>
    <allowedUser>bob@example.com</allowedUser>
  </rule>
  <rule>
    <url>http://wiki.example:8080/pages</url>
    <agentId>agent-1</agentId>
  </rule>
  <rule>
    <url>socket://db.example:5432</url>
    <agentId>agent-2</agentId>
  </rule>
</resourceRules>`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, "https://intranet.example", rules[0].URL)
	assert.Equal(t, "agent-1", rules[0].AgentID)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, rules[0].AllowedUsers)
	assert.Empty(t, rules[1].AllowedUsers)
}

func TestParseRulesRejectsBadXML(t *testing.T) {
	_, err := ParseRules([]byte("<resourceRules><rule>"))
	require.Error(t, err)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestRuleURLsFiltersByAgent(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://intranet.example", "http://wiki.example:8080/pages"},
		RuleURLs(rules, "agent-1"))
	assert.Equal(t, []string{"socket://db.example:5432"}, RuleURLs(rules, "agent-2"))
	assert.Empty(t, RuleURLs(rules, "agent-3"))
}

func TestHostPort(t *testing.T) {
	cases := []struct {
		url  string
		host string
		port int
	}{
		{"https://intranet.example", "intranet.example", 443},
		{"http://wiki.example", "wiki.example", 80},
		{"http://wiki.example:8080/pages", "wiki.example", 8080},
		{"socket://db.example:5432", "db.example", 5432},
		{"HTTPS://UPPER.EXAMPLE", "UPPER.EXAMPLE", 443},
	}
	for _, c := range cases {
		host, port, err := HostPort(c.url)
		require.NoError(t, err, c.url)
		assert.Equal(t, c.host, host, c.url)
		assert.Equal(t, c.port, port, c.url)
	}
}

func TestHostPortErrors(t *testing.T) {
	bad := []string{
		"socket://db.example",  // non-http scheme without port
		"https://",             // no host
		"http://h:notaport",    // unparsable port
		"://missing-scheme:80", // unparsable url
	}
	for _, u := range bad {
		_, _, err := HostPort(u)
		require.Error(t, err, u)
		var re *ResourceURLError
		assert.ErrorAs(t, err, &re, u)
	}
}
