package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "activitypub")

const maxFetchBytes = 2 << 20

// Fetcher retrieves the remote representation of an object. Failures are
// classified as domain.ErrFetchTimeout, ErrFetchNetwork or ErrFetchNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*Object, error)
}

type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics

	key   *rsa.PrivateKey
	keyID string
}

func NewHTTPFetcher(timeout time.Duration, m *metrics.Metrics) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{}, timeout: timeout, metrics: m}
}

// WithSigner makes every fetch a signed GET, for servers that require
// authorized fetch.
func (f *HTTPFetcher) WithSigner(key *rsa.PrivateKey, keyID string) *HTTPFetcher {
	f.key = key
	f.keyID = keyID
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (*Object, error) {
	start := time.Now()
	obj, err := f.fetch(ctx, uri)
	result := "ok"
	if err != nil {
		result = string(domain.ReasonOf(err))
	}
	f.metrics.ObserveFetch(result, time.Since(start))
	return obj, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, uri string) (*Object, error) {
	target, err := url.Parse(uri)
	if err != nil || (target.Scheme != "https" && target.Scheme != "http") {
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("invalid uri %q", uri))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.ErrFetchNotFound.Wrap(err)
	}
	req.Header.Set("Accept", ContentType+`, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)
	if f.key != nil {
		if err := SignRequest(req, f.key, f.keyID, nil); err != nil {
			return nil, fmt.Errorf("sign fetch: %w", err)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("%s returned %d", uri, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.ErrFetchNetwork.Wrap(fmt.Errorf("%s returned %d", uri, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("%s returned %d", uri, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if len(body) > maxFetchBytes {
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("%s is larger than %s", uri, humanize.Bytes(maxFetchBytes)))
	}
	log.Debugf("Fetch: %s (%s)", uri, humanize.Bytes(uint64(len(body))))

	var obj Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("parse %s: %w", uri, err))
	}
	if obj.ID == "" {
		obj.ID = uri
	}
	if !sameHost(obj.ID, uri) {
		return nil, domain.ErrFetchNotFound.Wrap(fmt.Errorf("object id %s does not belong to %s", obj.ID, target.Host))
	}
	return &obj, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.ErrFetchTimeout.Wrap(err)
	}
	return domain.ErrFetchNetwork.Wrap(err)
}

func sameHost(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	return err1 == nil && err2 == nil && strings.EqualFold(ua.Host, ub.Host)
}
