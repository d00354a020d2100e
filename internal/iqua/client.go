package iqua

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURL is the Ecowater OEM API used by iQua branded softeners
const DefaultBaseURL = "https://apioem.ecowater.com/v1"

const (
	userAgent      = "iquasoftener-bridge"
	requestTimeout = 20 * time.Second
	// tokens are refreshed a little before the server-side expiry
	tokenSkew = 30 * time.Second
)

var deviceDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Fetcher fetches the current device data
type Fetcher interface {
	FetchData(ctx context.Context) (*Snapshot, error)
}

// Factory builds a Fetcher from stored credentials
type Factory func(username, password, serial string) Fetcher

// Client talks to the iQua cloud API for a single device
type Client struct {
	http     *resty.Client
	username string
	password string
	serial   string
	logger   *zap.Logger
	now      func() time.Time

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a client for one device serial number
func NewClient(baseURL, username, password, serial string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetHeader("User-Agent", userAgent).
			SetHeader("Accept", "application/json"),
		username: username,
		password: password,
		serial:   serial,
		logger:   logger.Named("iqua").With(zap.String("device_sn", serial)),
		now:      time.Now,
	}
}

// NewFactory returns a Factory producing real clients against baseURL
func NewFactory(baseURL string, logger *zap.Logger) Factory {
	return func(username, password, serial string) Fetcher {
		return NewClient(baseURL, username, password, serial, logger)
	}
}

// Serial returns the device serial number this client is bound to
func (c *Client) Serial() string {
	return c.serial
}

// FetchData signs in if needed and reads the device dashboard
func (c *Client) FetchData(ctx context.Context) (*Snapshot, error) {
	snapshot, status, err := c.fetchDashboard(ctx)
	if status == http.StatusUnauthorized {
		c.logger.Debug("Access token rejected, signing in again")
		c.clearToken()
		snapshot, _, err = c.fetchDashboard(ctx)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (c *Client) fetchDashboard(ctx context.Context) (*Snapshot, int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	var body envelope[dashboardData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("serial", c.serial).
		SetResult(&body).
		Get("/system/{serial}/dashboard")
	if err != nil {
		return nil, 0, &Error{Op: "dashboard", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, resp.StatusCode(), &Error{Op: "dashboard", Err: fmt.Errorf("invalid status %d", resp.StatusCode())}
	}
	if body.Code != "OK" {
		return nil, resp.StatusCode(), &Error{Op: "dashboard", Err: fmt.Errorf("unexpected response code %q: %s", body.Code, body.Message)}
	}

	snapshot, err := c.toSnapshot(&body.Data)
	if err != nil {
		return nil, resp.StatusCode(), &Error{Op: "dashboard", Err: err}
	}

	c.logger.Debug("Fetched device data",
		zap.String("state", string(snapshot.State)),
		zap.Time("device_time", snapshot.DeviceTime))

	return snapshot, resp.StatusCode(), nil
}

// accessToken returns the cached token or signs in for a new one
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var body envelope[signInData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(signInRequest{Username: c.username, Password: c.password}).
		SetResult(&body).
		Post("/auth/signin")
	if err != nil {
		return "", &Error{Op: "signin", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &Error{Op: "signin", Err: fmt.Errorf("invalid status %d", resp.StatusCode())}
	}
	if body.Code != "OK" || body.Data.AccessToken == "" {
		return "", &Error{Op: "signin", Err: fmt.Errorf("unexpected response code %q: %s", body.Code, body.Message)}
	}

	c.token = body.Data.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(body.Data.ExpiresIn)*time.Second - tokenSkew)
	c.logger.Debug("Signed in", zap.Time("token_expiry", c.tokenExpiry))

	return c.token, nil
}

func (c *Client) clearToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

func (c *Client) toSnapshot(d *dashboardData) (*Snapshot, error) {
	deviceTime, err := parseDeviceDate(d.DeviceDate.Value)
	if err != nil {
		return nil, err
	}

	state := State(d.Power.Value)
	if state != StateOnline && state != StateOffline {
		return nil, fmt.Errorf("unknown power state %q", d.Power.Value)
	}

	unit := VolumeUnit(d.VolumeUnit.Value)
	if unit != Gallons && unit != Liters {
		return nil, fmt.Errorf("unknown volume unit %d", d.VolumeUnit.Value)
	}

	var salt *float64
	if d.SaltLevelPercent.Value != nil {
		v := *d.SaltLevelPercent.Value
		salt = &v
	}

	return &Snapshot{
		State:                     state,
		DeviceTime:                deviceTime,
		DaysSinceLastRegeneration: d.DaysSinceLastRegen.Value,
		OutOfSaltEstimatedDays:    d.OutOfSaltEstimatedDays.Value,
		SaltLevelPercent:          salt,
		TotalWaterAvailable:       d.TotalWaterAvailable.Value,
		CurrentWaterFlow:          d.CurrentWaterFlow.Value,
		TodayUse:                  d.TodayUse.Value,
		AverageDailyUse:           d.AverageDailyUse.Value,
		VolumeUnit:                unit,
		Model:                     fmt.Sprintf("%s (%s)", d.ModelDescription.Value, d.ModelID.Value),
		SoftwareVersion:           d.SoftwareVersion.Value,
		FetchedAt:                 c.now(),
	}, nil
}

// parseDeviceDate accepts RFC 3339 dates and the offset-less variants,
// which are taken as UTC
func parseDeviceDate(value string) (time.Time, error) {
	for _, layout := range deviceDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid device date %q", value)
}
