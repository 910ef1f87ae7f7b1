package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/cloud"
)

var (
	errorsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_errors_detected_total",
		Help: "Errors detected in application logs, by severity and source app.",
	}, []string{"severity", "app"})

	duplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdallr_log_duplicates_skipped_total",
		Help: "Detected errors suppressed by fingerprint deduplication.",
	})
)

// LogProvider is the slice of the cloud client the collector reads from.
type LogProvider interface {
	FetchErrorLogs(ctx context.Context, logGroup string, lookback time.Duration, limit int) ([]cloud.LogEvent, error)
}

// AppTarget identifies one monitored application's log group.
type AppTarget struct {
	Name     string `json:"name"`
	AppID    string `json:"app_id"`
	LogGroup string `json:"log_group"`
}

// Config holds the collector settings.
type Config struct {
	PollInterval  time.Duration
	ErrorLookback time.Duration
	DedupWindow   time.Duration
	Apps          []AppTarget
}

// Stats summarizes collector state for the status API.
type Stats struct {
	Running          bool    `json:"running"`
	AppsMonitored    int     `json:"apps_monitored"`
	UniqueErrorsSeen int     `json:"unique_errors_seen"`
	PollIntervalS    float64 `json:"poll_interval_s"`
	DedupWindowM     float64 `json:"dedup_window_m"`
}

// Collector polls the configured log groups on an interval, classifies new
// events, and hands each non-duplicate error to the registered callback.
type Collector struct {
	mu        sync.Mutex
	cfg       Config
	provider  LogProvider
	onError   func(DetectedError)
	lastFetch map[string]time.Time
	seen      map[string]time.Time
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// NewCollector builds a collector over the given log provider. Zero config
// values fall back to 30s polling, a 5m first-poll lookback, and a 30m
// deduplication window.
func NewCollector(cfg Config, provider LogProvider, logger *slog.Logger) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ErrorLookback <= 0 {
		cfg.ErrorLookback = 5 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:       cfg,
		provider:  provider,
		lastFetch: make(map[string]time.Time),
		seen:      make(map[string]time.Time),
		logger:    logger,
		now:       time.Now,
	}
}

// OnError registers the callback invoked once per newly detected error.
// Register before Start.
func (c *Collector) OnError(fn func(DetectedError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Start launches the polling loop. The loop runs until Stop is called or
// the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Log collector already running")
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(ctx)
	c.logger.Info("Log collector started", "apps", len(c.cfg.Apps), "poll_interval", c.cfg.PollInterval)
}

// Stop halts the polling loop and waits for it to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("Log collector stopped")
}

func (c *Collector) pollLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.pollAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) pollAll(ctx context.Context) {
	for _, app := range c.cfg.Apps {
		if ctx.Err() != nil {
			return
		}
		detected, err := c.CollectErrors(ctx, app)
		if err != nil {
			c.logger.Error("Failed to collect logs", "app", app.Name, "error", err)
			continue
		}
		for _, e := range detected {
			if c.isDuplicate(e) {
				duplicatesSkipped.Inc()
				c.logger.Debug("Skipping duplicate error", "fingerprint", e.Fingerprint)
				continue
			}
			c.rememberFingerprint(e.Fingerprint)
			errorsDetected.WithLabelValues(string(e.Severity), e.SourceApp).Inc()
			c.dispatch(e)
			c.logger.Info("Detected error",
				"severity", e.Severity, "app", app.Name, "type", e.ErrorType,
				"count", e.Count, "fingerprint", e.Fingerprint)
		}
	}
	c.cleanupFingerprints()
}

// CollectErrors fetches and classifies new log events for one app. Only
// events newer than the previous fetch watermark are considered; the first
// call looks back the configured lookback window.
func (c *Collector) CollectErrors(ctx context.Context, app AppTarget) ([]DetectedError, error) {
	c.mu.Lock()
	start, ok := c.lastFetch[app.LogGroup]
	if !ok {
		start = c.now().Add(-c.cfg.ErrorLookback)
	}
	c.lastFetch[app.LogGroup] = c.now()
	c.mu.Unlock()

	events, err := c.provider.FetchErrorLogs(ctx, app.LogGroup, c.cfg.ErrorLookback, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for %s: %w", app.Name, err)
	}

	var fresh []cloud.LogEvent
	for _, e := range events {
		if e.Timestamp.After(start) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	return c.analyzeEvents(fresh, app), nil
}

// FetchRecentErrors classifies errors across all apps (or one, when appID is
// set) within the window, newest first. Per-app fetch failures are logged
// and skipped so one broken log group does not hide the rest.
func (c *Collector) FetchRecentErrors(ctx context.Context, appID string, window time.Duration, severity Severity) ([]DetectedError, error) {
	if window <= 0 {
		window = time.Hour
	}

	var all []DetectedError
	for _, app := range c.cfg.Apps {
		if appID != "" && app.AppID != appID {
			continue
		}
		events, err := c.provider.FetchErrorLogs(ctx, app.LogGroup, window, 100)
		if err != nil {
			c.logger.Error("Failed to fetch errors", "app", app.Name, "error", err)
			continue
		}
		all = append(all, c.analyzeEvents(events, app)...)
	}

	if severity != "" {
		filtered := all[:0]
		for _, e := range all {
			if e.Severity == severity {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all, nil
}

func (c *Collector) analyzeEvents(events []cloud.LogEvent, app AppTarget) []DetectedError {
	index := make(map[string]int)
	var out []DetectedError
	for _, event := range events {
		detected, ok := c.classifyEvent(event, app)
		if !ok {
			continue
		}
		if i, seen := index[detected.Fingerprint]; seen {
			out[i].Count++
			continue
		}
		index[detected.Fingerprint] = len(out)
		out = append(out, detected)
	}
	return out
}

func (c *Collector) classifyEvent(event cloud.LogEvent, app AppTarget) (DetectedError, bool) {
	severity, errorType, ok := Classify(event.Message)
	if !ok {
		return DetectedError{}, false
	}
	message := strings.TrimSpace(event.Message)
	return DetectedError{
		Message:     message,
		Severity:    severity,
		SourceApp:   app.Name,
		LogGroup:    app.LogGroup,
		Timestamp:   event.Timestamp,
		LogStream:   event.LogStream,
		ErrorType:   errorType,
		Fingerprint: Fingerprint(app.Name, errorType, message),
		Count:       1,
	}, true
}

func (c *Collector) dispatch(detected DetectedError) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Error callback panicked", "panic", r)
		}
	}()
	cb(detected)
}

func (c *Collector) isDuplicate(detected DetectedError) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.seen[detected.Fingerprint]
	if !ok {
		return false
	}
	return c.now().Sub(last) < c.cfg.DedupWindow
}

func (c *Collector) rememberFingerprint(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[fingerprint] = c.now()
}

// cleanupFingerprints drops fingerprints not seen for twice the dedup
// window, bounding the cache.
func (c *Collector) cleanupFingerprints() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-2 * c.cfg.DedupWindow)
	removed := 0
	for fp, ts := range c.seen {
		if ts.Before(cutoff) {
			delete(c.seen, fp)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Cleaned up expired fingerprints", "removed", removed)
	}
}

// Stats reports collector state for the status API.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Running:          c.running,
		AppsMonitored:    len(c.cfg.Apps),
		UniqueErrorsSeen: len(c.seen),
		PollIntervalS:    c.cfg.PollInterval.Seconds(),
		DedupWindowM:     c.cfg.DedupWindow.Minutes(),
	}
}
