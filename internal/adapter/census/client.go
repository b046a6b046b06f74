package census

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/couchcryptid/acs-housing-etl/internal/config"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
)

// Endpoint labels used in metrics and logs.
const (
	endpointData     = "data"
	endpointVariable = "variable"
	endpointDataset  = "dataset"
)

const defaultBackoff = 500 * time.Millisecond

// Client talks to the Census data API.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient creates a Census API client from CENSUS_* settings.
func NewClient(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  cfg.CensusAPIKey,
		baseURL: cfg.CensusBaseURL,
		httpClient: &http.Client{
			Timeout: cfg.CensusTimeout,
		},
		limiter:     rate.NewLimiter(rate.Limit(cfg.CensusRateLimit), 1),
		maxRetries:  cfg.CensusMaxRetries,
		backoffBase: defaultBackoff,
		metrics:     metrics,
		logger:      logger,
	}
}

// FetchTable requests vars (NAME is added when absent) for one vintage and
// geography and returns the raw response rows, header first.
func (c *Client) FetchTable(ctx context.Context, dataset domain.Dataset, year int, geo domain.Geography, vars []string) ([][]*string, error) {
	get := vars
	if !slices.Contains(get, "NAME") {
		get = append([]string{"NAME"}, vars...)
	}
	params := url.Values{
		"get": {strings.Join(get, ",")},
		"for": {geo.String()},
	}
	if geo.Within != "" {
		params.Set("in", geo.Within)
	}
	c.addKey(params)

	body, err := c.do(ctx, endpointData, c.datasetURL(dataset, year)+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch %s %d %s: %w", dataset, year, geo, err)
	}

	var rows [][]*string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode %s %d %s: %w", dataset, year, geo, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("fetch %s %d %s: %w", dataset, year, geo, domain.ErrNoData)
	}
	return rows, nil
}

// FetchVariable requests the published label and concept of a variable.
func (c *Client) FetchVariable(ctx context.Context, dataset domain.Dataset, year int, code string) (domain.VariableMeta, error) {
	params := url.Values{}
	c.addKey(params)
	u := fmt.Sprintf("%s/variables/%s.json", c.datasetURL(dataset, year), url.PathEscape(code))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	body, err := c.do(ctx, endpointVariable, u)
	if err != nil {
		return domain.VariableMeta{}, fmt.Errorf("variable %s %d %s: %w", dataset, year, code, err)
	}

	var v variableResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return domain.VariableMeta{}, fmt.Errorf("decode variable %s: %w", code, err)
	}
	return domain.VariableMeta{
		Dataset: dataset,
		Year:    year,
		Code:    code,
		Label:   v.Label,
		Concept: v.Concept,
	}, nil
}

// DatasetAvailable reports whether the vintage of dataset has been released.
func (c *Client) DatasetAvailable(ctx context.Context, dataset domain.Dataset, year int) (bool, error) {
	_, err := c.do(ctx, endpointDataset, c.datasetURL(dataset, year))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNoData):
		return false, nil
	default:
		return false, fmt.Errorf("check %s %d: %w", dataset, year, err)
	}
}

// LatestVintage walks back from the current year until the dataset endpoint
// answers, stopping at the first ACS release.
func (c *Client) LatestVintage(ctx context.Context, dataset domain.Dataset) (int, error) {
	for year := domain.CurrentYear(); year >= domain.MinVintage; year-- {
		ok, err := c.DatasetAvailable(ctx, dataset, year)
		if err != nil {
			return 0, err
		}
		if ok {
			c.logger.Debug("found latest vintage", "dataset", dataset, "year", year)
			c.metrics.LatestVintage.WithLabelValues(string(dataset)).Set(float64(year))
			return year, nil
		}
		c.logger.Debug("vintage not released", "dataset", dataset, "year", year)
	}
	return 0, fmt.Errorf("%s: %w", dataset, domain.ErrVintageNotFound)
}

func (c *Client) datasetURL(dataset domain.Dataset, year int) string {
	return c.baseURL + "/" + strconv.Itoa(year) + "/acs/" + string(dataset)
}

func (c *Client) addKey(params url.Values) {
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
}

// statusError is a non-200 Census response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("census API error: status %d: %s", e.code, e.body)
}

// retryable reports whether a failed attempt may succeed if repeated.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, domain.ErrNoData)
}

// do performs a GET with rate limiting and retries transient failures with
// exponential backoff. 204 and non-429 4xx responses map to domain.ErrNoData.
func (c *Client) do(ctx context.Context, endpoint, fullURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<uint(attempt-1))
			c.metrics.CensusRetries.WithLabelValues(endpoint).Inc()
			c.logger.Info("retrying census request",
				"endpoint", endpoint,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr,
			)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return nil, err
			}
		}

		body, err := c.attempt(ctx, endpoint, fullURL)
		if err == nil {
			c.metrics.CensusRequests.WithLabelValues(endpoint, "success").Inc()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	outcome := "error"
	if errors.Is(lastErr, domain.ErrNoData) {
		outcome = "empty"
	}
	c.metrics.CensusRequests.WithLabelValues(endpoint, outcome).Inc()
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, endpoint, fullURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.CensusAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNoContent:
		return nil, domain.ErrNoData
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
	default:
		return nil, fmt.Errorf("%w: %w", domain.ErrNoData, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)})
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Census API response types.

type variableResponse struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Concept string `json:"concept"`
}
