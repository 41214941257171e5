package evidence

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Tier is a trust level derived from a source's domain. Higher is better.
type Tier int

const (
	TierBaseline  Tier = 50
	TierReputable Tier = 75
	TierOfficial  Tier = 100
)

func (t Tier) String() string {
	switch t {
	case TierOfficial:
		return "official"
	case TierReputable:
		return "reputable"
	default:
		return "baseline"
	}
}

// ReputableDomains are registrable domains of wire services, archives, news
// organisations and universities ranked above ordinary sites. Subdomains
// match as well. .gov and .edu hosts are already TierOfficial and are not
// listed.
var ReputableDomains = []string{
	// wire services
	"reuters.com",
	"apnews.com",
	"afp.com",
	// archives and reference
	"nationalarchives.gov.uk",
	"britannica.com",
	"smithsonianmag.com",
	"europeana.eu",
	// news
	"bbc.com",
	"bbc.co.uk",
	"cnn.com",
	"nytimes.com",
	"washingtonpost.com",
	"theguardian.com",
	"npr.org",
	"pbs.org",
	"wsj.com",
	"economist.com",
	"ft.com",
	"bloomberg.com",
	"aljazeera.com",
	"lemonde.fr",
	"spiegel.de",
	// universities
	"ox.ac.uk",
	"cam.ac.uk",
	"ethz.ch",
	"sorbonne-universite.fr",
}

var reputable = func() map[string]struct{} {
	set := make(map[string]struct{}, len(ReputableDomains))
	for _, d := range ReputableDomains {
		set[d] = struct{}{}
	}
	return set
}()

// Classify returns the trust tier for rawURL.
func Classify(rawURL string) Tier {
	host := Host(rawURL)
	if host == "" {
		return TierBaseline
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	if suffix == "gov" || suffix == "edu" {
		return TierOfficial
	}
	for d := host; d != ""; d = parent(d) {
		if _, ok := reputable[d]; ok {
			return TierReputable
		}
	}
	return TierBaseline
}

// Score is Classify as an int, for ranking.
func Score(rawURL string) int {
	return int(Classify(rawURL))
}

// Host extracts the lower-cased host of rawURL without port or a leading
// "www.". It returns "" when rawURL has no host.
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	if u.Host == "" && u.Scheme == "" {
		// schemeless input such as "example.com/a"
		u, err = url.Parse("//" + strings.TrimSpace(rawURL))
		if err != nil {
			return ""
		}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

func parent(domain string) string {
	i := strings.IndexByte(domain, '.')
	if i < 0 {
		return ""
	}
	return domain[i+1:]
}
