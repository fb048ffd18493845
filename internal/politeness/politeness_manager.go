package politeness

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"github.com/productmatch/backend/internal/config"
)

// PolitenessManager keeps feed requests within the retailer's robots.txt
// rules and request rate.
type PolitenessManager struct {
	config      config.FeedConfig
	client      *http.Client
	logger      *logrus.Entry
	limiter     *rate.Limiter
	robotsCache map[string]*RobotsEntry
	mu          sync.RWMutex

	// Statistics
	stats Statistics
}

// RobotsEntry caches robots.txt data
type RobotsEntry struct {
	robots    *robotstxt.RobotsData
	fetchTime time.Time
}

// Statistics holds politeness manager statistics
type Statistics struct {
	AllowedRequests  int64     `json:"allowed_requests"`
	RejectedRequests int64     `json:"rejected_requests"`
	RobotsFetches    int64     `json:"robots_fetches"`
	RateLimitWaits   int64     `json:"rate_limit_waits"`
	StartTime        time.Time `json:"start_time"`
}

// NewPolitenessManager creates a new politeness manager
func NewPolitenessManager(cfg config.FeedConfig, client *http.Client, logger *logrus.Entry) *PolitenessManager {
	if logger == nil {
		logger = logrus.WithField("component", "politeness_manager")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &PolitenessManager{
		config:      cfg,
		client:      client,
		logger:      logger,
		limiter:     rate.NewLimiter(limit, burst),
		robotsCache: make(map[string]*RobotsEntry),
		stats: Statistics{
			StartTime: time.Now(),
		},
	}
}

// Wait blocks until the rate limiter admits one more request
func (pm *PolitenessManager) Wait(ctx context.Context) error {
	if !pm.limiter.Allow() {
		pm.updateStats(func(s *Statistics) { s.RateLimitWaits++ })
		if err := pm.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsURLAllowed checks if URL is allowed according to robots.txt
func (pm *PolitenessManager) IsURLAllowed(ctx context.Context, rawURL string) (bool, error) {
	if !pm.config.EnableRobotsCheck {
		return true, nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	robotsData, err := pm.getRobotsData(ctx, parsedURL)
	if err != nil {
		pm.logger.WithError(err).WithField("domain", parsedURL.Host).Warn("Failed to get robots.txt, allowing request")
		return true, nil // Allow on robots.txt fetch failure
	}

	allowed := robotsData == nil || robotsData.TestAgent(parsedURL.Path, pm.config.UserAgent)
	pm.updateStats(func(s *Statistics) {
		if allowed {
			s.AllowedRequests++
		} else {
			s.RejectedRequests++
		}
	})
	return allowed, nil
}

// GetStatistics returns current statistics
func (pm *PolitenessManager) GetStatistics() Statistics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

// getRobotsData fetches and caches robots.txt data
func (pm *PolitenessManager) getRobotsData(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	domain := target.Host

	pm.mu.RLock()
	entry, exists := pm.robotsCache[domain]
	pm.mu.RUnlock()

	if exists && time.Since(entry.fetchTime) < pm.config.RobotsCacheDuration {
		return entry.robots, nil
	}

	scheme := target.Scheme
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", pm.config.UserAgent)

	resp, err := pm.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()
	pm.updateStats(func(s *Statistics) { s.RobotsFetches++ })

	var robotsData *robotstxt.RobotsData
	if resp.StatusCode == http.StatusOK {
		robotsData, err = robotstxt.FromResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse robots.txt: %w", err)
		}
	}

	// Cache the result (even if nil for 404s)
	pm.mu.Lock()
	pm.robotsCache[domain] = &RobotsEntry{
		robots:    robotsData,
		fetchTime: time.Now(),
	}
	pm.mu.Unlock()

	return robotsData, nil
}

func (pm *PolitenessManager) updateStats(updateFn func(*Statistics)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	updateFn(&pm.stats)
}
