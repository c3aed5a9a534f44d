package librelink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"cgm-ingest/internal/reading"
)

const (
	loginPath       = "/llu/auth/login"
	connectionsPath = "/llu/connections"
	maxRedirects    = 2
)

// Options parameterise the LibreLinkUp client.
type Options struct {
	BaseURL   string
	Email     string
	Password  string
	Version   string
	Product   string
	PatientID string
	Timeout   time.Duration
}

// Client logs in to LibreLinkUp. It holds no session state: every Login returns a
// fresh Session owned by the caller.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	http      *resty.Client
	regionURL func(region string) string
}

// NewClient constructs a LibreLinkUp client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api-eu2.libreview.io"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Version == "" {
		opts.Version = "4.7.0"
	}
	if opts.Product == "" {
		opts.Product = "llu.android"
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "librelink").Logger(),
		http:   newHTTP(opts, opts.BaseURL),
		regionURL: func(region string) string {
			return fmt.Sprintf("https://api-%s.libreview.io", region)
		},
	}
}

func newHTTP(opts Options, baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeaders(map[string]string{
			"product":       opts.Product,
			"version":       opts.Version,
			"cache-control": "no-cache",
			"Accept":        "application/json",
		})
}

// Login authenticates and resolves the followed patient. Region redirects are followed.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	if c.opts.Email == "" || c.opts.Password == "" {
		return nil, fmt.Errorf("%w: email and password must be configured", ErrAuthFailure)
	}

	httpClient := c.http
	baseURL := c.opts.BaseURL
	for attempt := 0; attempt <= maxRedirects; attempt++ {
		var env envelope[loginData]
		resp, err := httpClient.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(credentials{Email: c.opts.Email, Password: c.opts.Password}).
			Post(loginPath)
		if err != nil {
			return nil, &TransientError{Op: "login", Err: err}
		}
		if err := decodeResponse("login", resp, &env); err != nil {
			return nil, err
		}

		if env.Data.Redirect && env.Data.Region != "" {
			baseURL = c.regionURL(env.Data.Region)
			httpClient = newHTTP(c.opts, baseURL)
			c.logger.Info().Str("region", env.Data.Region).Msg("login redirected to regional endpoint")
			continue
		}
		if env.Status == statusUnauthenticated {
			return nil, fmt.Errorf("login: %w: %s", ErrAuthFailure, env.errorMessage())
		}
		if env.Status != 0 {
			return nil, fmt.Errorf("login: unexpected %s", env.errorMessage())
		}
		if env.Data.AuthTicket.Token == "" {
			return nil, fmt.Errorf("login: %w: no auth ticket in response", ErrAuthFailure)
		}

		session := &Session{
			http:   newHTTP(c.opts, baseURL).SetAuthToken(env.Data.AuthTicket.Token),
			logger: c.logger,
		}
		if env.Data.User.ID != "" {
			session.http.SetHeader("account-id", accountID(env.Data.User.ID))
		}

		session.patientID = c.opts.PatientID
		if session.patientID == "" {
			patientID, err := session.firstPatientID(ctx)
			if err != nil {
				return nil, err
			}
			session.patientID = patientID
		}

		c.logger.Debug().Str("patient_id", session.patientID).Msg("librelink session established")
		return session, nil
	}

	return nil, fmt.Errorf("login: %w: too many region redirects", ErrAuthFailure)
}

func accountID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// Session is one authenticated conversation with LibreLinkUp, scoped to a single run.
type Session struct {
	http      *resty.Client
	patientID string
	logger    zerolog.Logger
}

// PatientID returns the followed patient.
func (s *Session) PatientID() string {
	return s.patientID
}

// Latest returns the most recent reading shown on the connection.
func (s *Session) Latest(ctx context.Context) (reading.Raw, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return reading.Raw{}, err
	}
	item := graph.Connection.latestItem()
	if len(item) == 0 || string(item) == "null" {
		return reading.Raw{}, fmt.Errorf("latest: %w", ErrNoCurrentReading)
	}
	return reading.DecodeRaw(item), nil
}

// LiveFeed returns the graph feed (roughly the last 12 hours at 15 minute spacing).
func (s *Session) LiveFeed(ctx context.Context) ([]reading.Raw, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return nil, err
	}
	return reading.DecodeRaws(graph.GraphData), nil
}

// Logbook returns the historical logbook feed.
func (s *Session) Logbook(ctx context.Context) ([]reading.Raw, error) {
	var env envelope[[]json.RawMessage]
	if err := s.get(ctx, "logbook", s.patientPath("logbook"), &env); err != nil {
		return nil, err
	}
	return reading.DecodeRaws(env.Data), nil
}

func (s *Session) graph(ctx context.Context) (graphData, error) {
	var env envelope[graphData]
	if err := s.get(ctx, "graph", s.patientPath("graph"), &env); err != nil {
		return graphData{}, err
	}
	return env.Data, nil
}

func (s *Session) firstPatientID(ctx context.Context) (string, error) {
	var env envelope[[]connection]
	if err := s.get(ctx, "connections", connectionsPath, &env); err != nil {
		return "", err
	}
	if len(env.Data) == 0 || env.Data[0].PatientID == "" {
		return "", errors.New("connections: account follows no patient")
	}
	return env.Data[0].PatientID, nil
}

func (s *Session) patientPath(feed string) string {
	return fmt.Sprintf("%s/%s/%s", connectionsPath, s.patientID, feed)
}

func (s *Session) get(ctx context.Context, op, path string, out interface{ status() (int, string) }) error {
	resp, err := s.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	if err := decodeResponse(op, resp, out); err != nil {
		return err
	}
	if status, msg := out.status(); status != 0 {
		if status == statusUnauthenticated {
			return fmt.Errorf("%s: %w: %s", op, ErrAuthFailure, msg)
		}
		return fmt.Errorf("%s: unexpected %s", op, msg)
	}
	return nil
}

func (e *envelope[T]) status() (int, string) {
	return e.Status, e.errorMessage()
}

func decodeResponse(op string, resp *resty.Response, out any) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w (http %d)", op, ErrAuthFailure, code)
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(snippet(resp.Body()))}
	case code != http.StatusOK:
		return fmt.Errorf("%s: unexpected http %d: %s", op, code, snippet(resp.Body()))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
