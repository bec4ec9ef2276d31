// Package share turns a folder path into a public share link by asking the
// backend to register the share and composing the link from the public
// tunnel URL when one is known.
package share

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/router-for-me/ShareTunnel/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultTimeout bounds one share request, including reading the response.
const DefaultTimeout = 30 * time.Second

const maxResponseBody = 1 << 20

// ErrNotReady is returned while the backend has not answered its first probe.
var ErrNotReady = apperrors.New(http.StatusServiceUnavailable, apperrors.CodeNotReady,
	"server is not ready yet", nil)

// ReadinessChecker reports whether the backend is serving.
type ReadinessChecker interface {
	Ready() bool
}

// URLSource yields the current public base URL, if one is known.
type URLSource interface {
	URL() (string, bool)
}

// Request asks for a share of one folder.
type Request struct {
	FolderPath string `json:"folder_path"`
}

// Result is the link handed back to the caller. Tunnel is false when the
// link falls back to the local base URL.
type Result struct {
	ID        string `json:"id"`
	PublicURL string `json:"public_url"`
	Tunnel    bool   `json:"tunnel"`
}

// Broker creates shares on the backend.
type Broker struct {
	localBase string
	ready     ReadinessChecker
	public    URLSource
	client    *http.Client
	timeout   time.Duration
}

// Option customises a Broker.
type Option func(*Broker)

// WithHTTPClient replaces the client used to reach the backend.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) {
		if c != nil {
			b.client = c
		}
	}
}

// WithTimeout bounds each backend call. A client passed through
// WithHTTPClient is copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBroker returns a broker for the backend at localBase, e.g.
// "http://localhost:3001". public may be nil when tunnelling is disabled.
func NewBroker(localBase string, ready ReadinessChecker, public URLSource, opts ...Option) *Broker {
	b := &Broker{
		localBase: strings.TrimRight(localBase, "/"),
		ready:     ready,
		public:    public,
		client:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.timeout > 0 && b.client.Timeout != b.timeout {
		client := *b.client
		client.Timeout = b.timeout
		b.client = &client
	}
	return b
}

// CreateShare registers req.FolderPath with the backend. It performs no
// network call unless the backend is ready and never retries.
func (b *Broker) CreateShare(ctx context.Context, req Request) (*Result, error) {
	if b.ready == nil || !b.ready.Ready() {
		return nil, ErrNotReady
	}
	if strings.TrimSpace(req.FolderPath) == "" {
		return nil, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "folder_path is required", nil)
	}

	payload, err := sjson.SetBytes([]byte(`{}`), "folder_path", req.FolderPath)
	if err != nil {
		return nil, apperrors.From(fmt.Errorf("build share payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.localBase+"/api/shares", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.From(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Unreachable(err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("share: close response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Unreachable(fmt.Errorf("read share response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WithFields(log.Fields{"status": resp.StatusCode, "folder": req.FolderPath}).Warn("backend rejected share")
		return nil, apperrors.Upstream(resp.StatusCode, body)
	}

	id := gjson.GetBytes(body, "id")
	if !id.Exists() || id.String() == "" || !(id.Type == gjson.String || id.Type == gjson.Number) {
		return nil, apperrors.Upstream(resp.StatusCode, body).WithDetail("reason", "response has no share id")
	}

	// The public base is read only now so a URL that appeared while the
	// request was in flight is used.
	base, tunnel := b.publicBase()
	return &Result{
		ID:        id.String(),
		PublicURL: base + "/share/" + id.String(),
		Tunnel:    tunnel,
	}, nil
}

func (b *Broker) publicBase() (string, bool) {
	if b.public != nil {
		if u, ok := b.public.URL(); ok && u != "" {
			return strings.TrimRight(u, "/"), true
		}
	}
	return b.localBase, false
}
