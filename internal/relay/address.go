package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Endpoint identifies the relay backend
type Endpoint struct {
	// PageURL is the http(s) origin the client runs under. Its scheme picks
	// ws or wss and its host is used as the relay host.
	PageURL    string
	Tenant     string
	APIVersion string
	Feature    string
}

// Options are per-connection flags
type Options struct {
	// ReturnAudio asks the backend for synthesized audio in responses.
	ReturnAudio bool
}

// BuildURL derives
// {ws|wss}://{host}/{tenant}/{api-version}/ws/{feature}/{identity}?return_audio={bool}
func BuildURL(endpoint Endpoint, identity string, opts Options) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	if endpoint.Tenant == "" || endpoint.APIVersion == "" || endpoint.Feature == "" {
		return "", errors.New("relay: tenant, api version and feature are required")
	}

	page, err := url.Parse(endpoint.PageURL)
	if err != nil {
		return "", fmt.Errorf("relay: invalid page URL: %w", err)
	}
	if page.Host == "" {
		return "", fmt.Errorf("relay: page URL %q has no host", endpoint.PageURL)
	}

	var scheme string
	switch page.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("relay: unsupported page scheme %q", page.Scheme)
	}

	u := url.URL{
		Scheme: scheme,
		Host:   page.Host,
		Path: "/" + endpoint.Tenant +
			"/" + endpoint.APIVersion +
			"/ws/" + endpoint.Feature +
			"/" + identity,
		RawQuery: "return_audio=" + strconv.FormatBool(opts.ReturnAudio),
	}
	return u.String(), nil
}
