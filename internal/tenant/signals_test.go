package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSignals(t *testing.T) {
	t.Run("all signals in order", func(t *testing.T) {
		r := newRequest("http://acme.sbx.example.com:8443/t/beta/v1/inference", map[string]string{
			HeaderOverride:  "ovr",
			HeaderSandbox:   "hdr",
			"Authorization": "Bearer k1",
		})
		got := ExtractSignals(r, Options{Relaxed: true, BaseDomain: "sbx.example.com"})

		assert.Equal(t, Signals{
			{SourceOverride, Key{KeySandbox, "ovr"}},
			{SourceHost, Key{KeySandbox, "acme"}},
			{SourcePath, Key{KeySandbox, "beta"}},
			{SourceHeader, Key{KeySandbox, "hdr"}},
			{SourceBearer, Key{KeyAPIKey, HashAPIKey("k1")}},
		}, got)
	})

	t.Run("override dropped outside relaxed mode", func(t *testing.T) {
		r := newRequest("/v1/inference", map[string]string{HeaderOverride: "ovr"})
		assert.Empty(t, ExtractSignals(r, Options{}))
	})

	t.Run("host needs a single label under the base domain", func(t *testing.T) {
		for _, host := range []string{"sbx.example.com", "a.b.sbx.example.com", "acme.example.org"} {
			r := newRequest("http://"+host+"/v1/inference", nil)
			assert.Empty(t, ExtractSignals(r, Options{BaseDomain: "sbx.example.com"}), host)
		}
	})

	t.Run("host ignored without base domain", func(t *testing.T) {
		r := newRequest("http://acme.sbx.example.com/v1/inference", nil)
		assert.Empty(t, ExtractSignals(r, Options{}))
	})

	t.Run("non-bearer authorization ignored", func(t *testing.T) {
		r := newRequest("/v1/inference", map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
		assert.Empty(t, ExtractSignals(r, Options{}))
	})
}

func TestSandboxFromPath(t *testing.T) {
	assert.Equal(t, "abc", SandboxFromPath("/t/abc/v1/inference"))
	assert.Equal(t, "abc", SandboxFromPath("/t/abc"))
	assert.Equal(t, "", SandboxFromPath("/v1/inference"))
	assert.Equal(t, "", SandboxFromPath("/t/"))
}

func TestSignalsPrimary(t *testing.T) {
	_, ok := Signals(nil).Primary()
	assert.False(t, ok)

	s := Signals{{SourcePath, Key{KeySandbox, "a"}}, {SourceHeader, Key{KeySandbox, "b"}}}
	p, ok := s.Primary()
	assert.True(t, ok)
	assert.Equal(t, SourcePath, p.Source)
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"free", "premium", "enterprise"} {
		tier, err := ParseTier(s)
		assert.NoError(t, err)
		assert.Equal(t, Tier(s), tier)
	}
	_, err := ParseTier("gold")
	assert.Error(t, err)
}
