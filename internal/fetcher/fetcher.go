package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/productmatch/backend/internal/config"
	"github.com/productmatch/backend/internal/metrics"
	"github.com/productmatch/backend/internal/politeness"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/storage"
)

// maxBodySize caps one feed response.
const maxBodySize = 32 << 20

var (
	// ErrNoBaseURL means the feed client has no retailer endpoint configured.
	ErrNoBaseURL = errors.New("feed base URL is not configured")
	// ErrNotFound is returned for a product the retailer does not know.
	ErrNotFound = errors.New("product not found")
	// ErrDisallowed is returned when robots.txt forbids the request.
	ErrDisallowed = errors.New("request disallowed by robots.txt")
)

// StatusError is a non-200 feed response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received non-200 status code %d from %s", e.StatusCode, e.URL)
}

// DownloadResult summarises one feed download.
type DownloadResult struct {
	Pages    int      `json:"pages"`
	Products int      `json:"products"`
	Files    []string `json:"files"`
}

// Client reads product listings from the retailer feed API.
type Client struct {
	cfg     config.FeedConfig
	base    *url.URL
	client  *http.Client
	polite  *politeness.PolitenessManager
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *logrus.Entry
}

// NewClient creates a feed client for cfg.BaseURL.
func NewClient(cfg config.FeedConfig, logger *logrus.Entry) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid feed base URL: %w", err)
	}
	if logger == nil {
		logger = logrus.WithField("component", "feed_client")
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "retailer-feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Feed circuit breaker changed state")
		},
	})

	return &Client{
		cfg:     cfg,
		base:    base,
		client:  httpClient,
		polite:  politeness.NewPolitenessManager(cfg, httpClient, logger),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// FetchPage downloads one listing page of category.
func (c *Client) FetchPage(ctx context.Context, category string, page int) (*product.Page, error) {
	u := c.endpoint("products")
	q := u.Query()
	q.Set("category", category)
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var p product.Page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode page %d of %s: %w", page, category, err)
	}
	if p.Category == "" {
		p.Category = category
	}
	if p.Page == 0 {
		p.Page = page
	}
	return &p, nil
}

// Lookup fetches the full record of one product by model number.
func (c *Client) Lookup(ctx context.Context, modelNumber string) (*product.Product, error) {
	u := c.endpoint("products", modelNumber)
	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var p product.Product
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", modelNumber, err)
	}
	return &p, nil
}

// Download stores every listing page of categories in store. Pages are
// fetched until the reported page count, an empty page or the configured
// page limit.
func (c *Client) Download(ctx context.Context, categories []string, store storage.ProductStorage) (DownloadResult, error) {
	var result DownloadResult
	for _, category := range categories {
		pages, products := 0, 0
		for page := 1; c.cfg.MaxPages <= 0 || page <= c.cfg.MaxPages; page++ {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			p, err := c.FetchPage(ctx, category, page)
			if err != nil {
				return result, err
			}
			if len(p.Products) == 0 {
				break
			}
			path, err := store.Save(p)
			if err != nil {
				return result, fmt.Errorf("failed to store page %d of %s: %w", page, category, err)
			}
			pages++
			products += len(p.Products)
			result.Pages++
			result.Products += len(p.Products)
			result.Files = append(result.Files, path)

			if p.TotalPages > 0 && page >= p.TotalPages {
				break
			}
		}
		c.logger.WithFields(logrus.Fields{
			"category": category,
			"pages":    pages,
			"products": products,
		}).Info("Downloaded category feed")
	}
	return result, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Politeness returns the robots and rate limit manager.
func (c *Client) Politeness() *politeness.PolitenessManager {
	return c.polite
}

func (c *Client) endpoint(segments ...string) *url.URL {
	u := *c.base
	for _, s := range segments {
		u.Path += "/" + url.PathEscape(s)
	}
	return &u
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	allowed, err := c.polite.IsURLAllowed(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !allowed {
		metrics.FeedRequests.WithLabelValues("disallowed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
	}
	if err := c.polite.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, rawURL)
	})
	switch {
	case err == nil:
		metrics.FeedRequests.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.FeedRequests.WithLabelValues("not_found").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.FeedRequests.WithLabelValues("breaker_open").Inc()
	default:
		metrics.FeedRequests.WithLabelValues("error").Inc()
	}
	return body, err
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
