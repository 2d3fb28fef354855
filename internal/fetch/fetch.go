// Package fetch performs server-side authenticated snapshot fetches
// against an actor router: bundle the access token into the Authorization
// header, GET the actor endpoint, optionally waiting for a state or event.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/pkg/client"
)

// Options names the actor to fetch and how long to wait for it.
type Options struct {
	Host        string // host[:port]; http for loopback hosts, https otherwise
	ActorType   string
	ActorID     string
	AccessToken string

	// Input seeds the actor when this fetch is the one that spawns it.
	Input map[string]any

	WaitForEvent       string
	WaitForState       string
	Timeout            time.Duration
	ErrorOnWaitTimeout bool

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Result is the projected snapshot plus its checksum, ready to seed a
// client runtime.
type Result struct {
	Snapshot *client.Snapshot `json:"snapshot"`
	Checksum string           `json:"checksum"`
}

// Fetch GETs the actor's snapshot. A 408 surfaces as core.ErrWaitTimeout.
func Fetch(ctx context.Context, opts Options) (*Result, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := buildURL(opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+opts.AccessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", opts.ActorType, opts.ActorID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decode snapshot response: %w", err)
		}
		return &result, nil
	case http.StatusRequestTimeout:
		return nil, core.ErrWaitTimeout
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", core.ErrUnauthorized, errorText(body))
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, errorText(body))
	default:
		return nil, fmt.Errorf("fetch %s/%s: status %d: %s", opts.ActorType, opts.ActorID, resp.StatusCode, errorText(body))
	}
}

func buildURL(opts Options) (string, error) {
	q := url.Values{}
	if opts.Input != nil {
		inputJSON, err := json.Marshal(opts.Input)
		if err != nil {
			return "", fmt.Errorf("marshal input: %w", err)
		}
		q.Set("input", string(inputJSON))
	}
	if opts.WaitForEvent != "" {
		q.Set("waitForEvent", opts.WaitForEvent)
	}
	if opts.WaitForState != "" {
		q.Set("waitForState", opts.WaitForState)
	}
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.ErrorOnWaitTimeout {
		q.Set("errorOnWaitTimeout", "true")
	}

	u := url.URL{
		Scheme:   client.HTTPScheme(opts.Host),
		Host:     opts.Host,
		Path:     fmt.Sprintf("/api/%s/%s", opts.ActorType, opts.ActorID),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

func errorText(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return string(body)
}
