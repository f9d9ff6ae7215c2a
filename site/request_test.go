package site

import (
	"strings"
	"testing"

	"github.com/sitedock/sitedock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	valid := []string{"example.com", "a.b.example.co.uk", "xn--bcher-kva.example", "1.example.com"}
	for _, d := range valid {
		assert.NoError(t, validateDomain(d), d)
	}

	invalid := []string{"", "example", "-a.example.com", "a-.example.com", "a..example.com", "a_b.example.com", "exa mple.com"}
	for _, d := range invalid {
		assert.Error(t, validateDomain(d), d)
	}
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "example.com", normalizeDomain(" Example.COM. "))
}

func TestSSLConfig(t *testing.T) {
	cfg, err := sslConfig(domain.SiteTypePHP, SSLRequest{Enabled: false, Challenge: "dns"})
	require.NoError(t, err)
	assert.Equal(t, domain.SSLConfig{}, cfg)

	cfg, err = sslConfig(domain.SiteTypePHP, SSLRequest{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeHTTP, cfg.Challenge)

	_, err = sslConfig(domain.SiteTypePHP, SSLRequest{Enabled: true, Challenge: "tls-alpn"})
	assert.ErrorContains(t, err, "must be http or dns")

	cfg, err = sslConfig(domain.SiteTypeLaravel, SSLRequest{Enabled: true, Challenge: "dns", DNSProvider: "route53"})
	require.NoError(t, err)
	assert.Equal(t, "dns_credentials.route53", cfg.CredentialsRef)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abc", truncate("abc_def", 4))
	assert.Len(t, truncate("wordpress_a_very_long_domain_name_example_com", maxDatabaseUserLen), maxDatabaseUserLen)
}

func TestDatabaseIdentifier(t *testing.T) {
	assert.Equal(t, "php_blog_example_com", databaseIdentifier("php_blog_example_com", maxDatabaseUserLen))

	shop := databaseIdentifier("wordpress_averyveryverylongcompany_shop_example_com", maxDatabaseUserLen)
	blog := databaseIdentifier("wordpress_averyveryverylongcompany_blog_example_com", maxDatabaseUserLen)
	assert.NotEqual(t, shop, blog)
	assert.LessOrEqual(t, len(shop), maxDatabaseUserLen)
	assert.LessOrEqual(t, len(blog), maxDatabaseUserLen)
	assert.True(t, strings.HasPrefix(shop, "wordpress_averyveryvery_"), shop)

	// Stable for the same input
	assert.Equal(t, shop, databaseIdentifier("wordpress_averyveryverylongcompany_shop_example_com", maxDatabaseUserLen))
}
