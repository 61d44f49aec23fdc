package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultAPIURL    = "https://www.googleapis.com/drive/v3"
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	defaultTokenURL  = "https://oauth2.googleapis.com/token"
)

// Config holds the storage backend settings.
type Config struct {
	ParentID    string
	ShareEmails []string

	ChunkSize         int64
	SmallChunkTimeout time.Duration
	LargeChunkTimeout time.Duration

	APIURL    string
	UploadURL string
}

// Credentials authenticate against the backend. A refresh token takes
// precedence over a static access token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenURL     string
}

// NewHTTPClient returns an authenticated, traced HTTP client.
func NewHTTPClient(ctx context.Context, creds Credentials) *http.Client {
	var ts oauth2.TokenSource

	if creds.RefreshToken != "" {
		tokenURL := creds.TokenURL
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}

		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
		ts = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Client uploads files and folders to Google Drive.
type Client struct {
	httpClient *http.Client
	service    *drivev3.Service
	cfg        Config
	plan       PlanOptions
	sessions   SessionStore
	telemetry  *telemetry.Telemetry
}

// NewClient creates a Drive client on an authenticated HTTP client. sessions
// may be nil, in which case uploads are never resumed across restarts.
func NewClient(ctx context.Context, httpClient *http.Client, cfg Config, sessions SessionStore, tel *telemetry.Telemetry) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}

	if cfg.UploadURL == "" {
		cfg.UploadURL = defaultUploadURL
	}

	service, err := drivev3.NewService(ctx,
		option.WithHTTPClient(httpClient),
		option.WithEndpoint(strings.TrimSuffix(cfg.APIURL, "/")+"/"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &Client{
		httpClient: httpClient,
		service:    service,
		cfg:        cfg,
		plan: PlanOptions{
			Threshold:    cfg.ChunkSize,
			SmallTimeout: cfg.SmallChunkTimeout,
			LargeTimeout: cfg.LargeChunkTimeout,
		},
		sessions:  sessions,
		telemetry: tel,
	}, nil
}

// ParentID is the folder uploads go to by default.
func (c *Client) ParentID() string {
	return c.cfg.ParentID
}

// fileMetadata is the body of a resumable session request.
type fileMetadata struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents,omitempty"`
}

func parents(parentID string) []string {
	if parentID == "" {
		return nil
	}

	return []string{parentID}
}

// apiError turns an SDK failure into an APIError so callers can tell HTTP
// statuses apart. Transport errors pass through wrapped.
func apiError(operation string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("failed to send %s request: %w", operation, err)
	}

	body := gerr.Message
	if body == "" {
		body = strings.TrimSpace(gerr.Body)
	}

	return &APIError{Operation: operation, StatusCode: gerr.Code, Body: body}
}
