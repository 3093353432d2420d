package embedcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEligible(t *testing.T) {
	assert := assert.New(t)
	m := NewMetrics(nil)
	f := NewFilter(DefaultHostPrefix, []string{"good.example", "www.Other.Example", ""}, m, nil)

	testCases := []struct {
		uri      string
		eligible bool
	}{
		{"https://evil.example/a", true},
		{"https://good.example/x", false},
		{"https://www.good.example/x?q=1#frag", false},
		{"http://GOOD.example:8080/", false},
		{"https://other.example/path", false},
		{"https://sub.good.example/", true},
		{"https://evil.example/a…", true},
		{"https://good.example/long-path…", false},
	}
	for _, tc := range testCases {
		assert.Equal(tc.eligible, f.Eligible(tc.uri), tc.uri)
	}
	assert.Equal(float64(5), eventCount(m, ComponentLinks, EventWhitelistSkipped))
	assert.Equal(float64(0), eventCount(m, ComponentLinks, EventMalformed))
}

func TestFilterMalformed(t *testing.T) {
	assert := assert.New(t)
	m := NewMetrics(nil)
	f := NewFilter(DefaultHostPrefix, nil, m, nil)

	for _, uri := range []string{
		"",
		"not a url",
		"example.com/no-scheme",
		"://missing-scheme",
		"mailto:someone@example.com",
	} {
		assert.False(f.Eligible(uri), uri)
	}
	assert.Equal(float64(5), eventCount(m, ComponentLinks, EventMalformed))
	assert.Equal(float64(0), eventCount(m, ComponentLinks, EventWhitelistSkipped))
}

func TestFilterUnicodeHost(t *testing.T) {
	assert := assert.New(t)
	f := NewFilter(DefaultHostPrefix, []string{"bücher.example"}, NewMetrics(nil), nil)

	assert.True(f.Whitelisted("xn--bcher-kva.example"))
	assert.False(f.Eligible("https://bücher.example/"))
	assert.False(f.Eligible("https://www.xn--bcher-kva.example/"))
}

func TestProbeURL(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("https://xn--bcher-kva.example/a", probeURL("https://bücher.example/a…"))
	assert.Equal("http://127.0.0.1:8080/x?q=1", probeURL("http://127.0.0.1:8080/x?q=1"))
}

func TestFetchable(t *testing.T) {
	assert := assert.New(t)

	assert.True(fetchable("https://example.com/a"))
	assert.True(fetchable("HTTP://example.com/a…"))
	assert.False(fetchable("tg://resolve?domain=spamchannel"))
	assert.False(fetchable("ftp://files.example/x"))
	assert.False(fetchable("mailto:someone@example.com"))
}
