// Package provider adapts external generation vendors to one submit/poll
// contract. Every client is built from an explicit ProviderConfig snapshot;
// nothing is cached at package level.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"genmarket/internal/entity"
)

// Client submits a generation job and reads back its normalized status.
// Poll must be safe to call repeatedly.
type Client interface {
	Submit(ctx context.Context, req Request) (*Submission, error)
	Poll(ctx context.Context, externalID string) (*Status, error)
}

// Canceler is implemented by vendors that can abort a running job.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

// DownloadAuthorizer is implemented by vendors whose output URLs require
// credentials on the download request.
type DownloadAuthorizer interface {
	AuthorizeDownload(req *http.Request)
}

// Submission is the vendor handle for a job. Result is set when the vendor
// finished the job synchronously.
type Submission struct {
	ExternalTaskID string
	Result         *Status
}

// Status is the vendor state mapped onto the internal vocabulary.
type Status struct {
	State      State
	Progress   int
	OutputURL  string
	OutputURLs []string
	FailReason string
}

// withOutputs fills OutputURL from the first non-empty url.
func (s *Status) withOutputs(urls ...string) *Status {
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			s.OutputURLs = append(s.OutputURLs, u)
		}
	}
	if len(s.OutputURLs) > 0 {
		s.OutputURL = s.OutputURLs[0]
	}
	return s
}

type options struct {
	httpClient *http.Client
}

// Option customises client construction.
type Option func(*options)

// WithHTTPClient overrides the HTTP client used by HTTP based adapters.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// New instantiates the adapter for a provider config snapshot.
func New(cfg entity.DbProviderConfig, opts ...Option) (Client, error) {
	o := options{httpClient: &http.Client{Timeout: 2 * time.Minute}}
	for _, opt := range opts {
		opt(&o)
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(cfg.ID))
	}

	switch driver {
	case entity.ProviderDriverMidjourney:
		return NewMidjourney(cfg, o.httpClient)
	case entity.ProviderDriverFlux:
		return NewFlux(cfg, o.httpClient)
	case entity.ProviderDriverKling:
		return NewKling(cfg, o.httpClient)
	case entity.ProviderDriverVolcengine:
		return NewVolcengine(cfg)
	case entity.ProviderDriverReplicate:
		return NewReplicate(cfg)
	case entity.ProviderDriverGoogleVideo:
		return NewGoogleVideo(cfg, o.httpClient)
	case entity.ProviderDriverDashscope:
		return NewDashscope(cfg, o.httpClient)
	default:
		return nil, fmt.Errorf("unsupported provider driver: %s", cfg.Driver)
	}
}
