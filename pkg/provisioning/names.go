package provisioning

import (
	"fmt"
	"regexp"
	"strings"
)

const maxDatabaseName = 63

var (
	nonSlug       = regexp.MustCompile(`[^a-z0-9_]+`)
	tenancyNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
)

// ValidTenancyName reports whether name is an acceptable tenancy slug.
func ValidTenancyName(name string) bool {
	return tenancyNameRe.MatchString(name)
}

// DeriveDatabaseName turns tenancyName into a database identifier. When
// taken reports a candidate as used, suffixes _2, _3 and so on are tried.
func DeriveDatabaseName(tenancyName string, taken func(string) (bool, error)) (string, error) {
	base := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(tenancyName), "_"), "_")
	if base == "" {
		return "", fmt.Errorf("tenancy name %q yields an empty database name", tenancyName)
	}
	if base[0] >= '0' && base[0] <= '9' {
		base = "t_" + base
	}

	for n := 1; ; n++ {
		suffix := ""
		if n > 1 {
			suffix = fmt.Sprintf("_%d", n)
		}
		stem := base
		if len(stem)+len(suffix) > maxDatabaseName {
			stem = strings.TrimRight(stem[:maxDatabaseName-len(suffix)], "_")
		}
		candidate := stem + suffix
		used, err := taken(candidate)
		if err != nil {
			return "", fmt.Errorf("check database name %s: %w", candidate, err)
		}
		if !used {
			return candidate, nil
		}
	}
}
