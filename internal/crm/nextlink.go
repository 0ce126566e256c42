package crm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidNextLink is returned for continuation links that cannot be followed
var ErrInvalidNextLink = errors.New("invalid next link")

// ResolveNextLink turns a continuation link into an absolute request target.
// The link may be absolute or relative to base. Path and query are forwarded
// verbatim: nothing is appended, stripped or re-encoded. Absolute links must
// point at base's host.
func ResolveNextLink(base *url.URL, link string) (*url.URL, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidNextLink)
	}

	ref, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNextLink, err)
	}

	if ref.IsAbs() {
		if !strings.EqualFold(ref.Scheme, base.Scheme) || !strings.EqualFold(ref.Host, base.Host) {
			return nil, fmt.Errorf("%w: host %q does not match %q", ErrInvalidNextLink, ref.Host, base.Host)
		}
		return ref, nil
	}
	if ref.Host != "" {
		// scheme-relative //host/path
		return nil, fmt.Errorf("%w: scheme-relative links are not supported", ErrInvalidNextLink)
	}

	resolved := base.ResolveReference(ref)
	resolved.RawQuery = ref.RawQuery
	resolved.Fragment = ""
	return resolved, nil
}
