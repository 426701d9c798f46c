package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeFeedFailure         AlertType = "feed_failure"
	AlertTypeHighItemFailureRate AlertType = "high_item_failure_rate"
	AlertTypeQueueBacklog        AlertType = "queue_backlog"
)

// Alert represents an alert
type Alert struct {
	ID          string                 `json:"id"`
	Type        AlertType              `json:"type"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Labels      map[string]string      `json:"labels"`
	Annotations map[string]interface{} `json:"annotations"`
	Resolved    bool                   `json:"resolved"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// AlertRule is evaluated on every tick of the manager
type AlertRule struct {
	Name        string
	Type        AlertType
	Severity    AlertSeverity
	Condition   func() (bool, map[string]interface{})
	Title       string
	Description string
	Labels      map[string]string
	Enabled     bool
}

// Notifier interface for sending alert notifications
type Notifier interface {
	Send(alert *Alert) error
	Name() string
}

// LogNotifier sends alerts to the log
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a new log notifier
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Send(alert *Alert) error {
	level := logrus.InfoLevel
	switch alert.Severity {
	case SeverityHigh:
		level = logrus.WarnLevel
	case SeverityCritical:
		level = logrus.ErrorLevel
	}

	n.logger.WithFields(logrus.Fields{
		"alert_id":    alert.ID,
		"alert_type":  alert.Type,
		"severity":    alert.Severity,
		"labels":      alert.Labels,
		"annotations": alert.Annotations,
	}).Log(level, fmt.Sprintf("ALERT: %s - %s", alert.Title, alert.Description))

	return nil
}

// AlertConfig tunes the built-in rules
type AlertConfig struct {
	Interval             time.Duration
	ItemFailureThreshold float64
	MinItemSample        int64
}

// AlertManager keeps active alerts and fans them out to notifiers
type AlertManager struct {
	alerts    map[string]*Alert
	mutex     sync.RWMutex
	logger    *logrus.Logger
	rules     []AlertRule
	notifiers []Notifier
	interval  time.Duration
	seq       int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAlertManager creates an alert manager with the log notifier and the item
// failure rate rule. Call Start to begin periodic evaluation.
func NewAlertManager(logger *logrus.Logger, cfg AlertConfig) *AlertManager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ItemFailureThreshold <= 0 {
		cfg.ItemFailureThreshold = 0.25
	}
	if cfg.MinItemSample <= 0 {
		cfg.MinItemSample = 20
	}

	return &AlertManager{
		alerts:    make(map[string]*Alert),
		logger:    logger,
		rules:     defaultAlertRules(cfg),
		notifiers: []Notifier{NewLogNotifier(logger)},
		interval:  cfg.Interval,
	}
}

func defaultAlertRules(cfg AlertConfig) []AlertRule {
	return []AlertRule{
		{
			Name:     "high_item_failure_rate",
			Type:     AlertTypeHighItemFailureRate,
			Severity: SeverityHigh,
			Condition: func() (bool, map[string]interface{}) {
				rate, sample := TakeItemFailureRate()
				return sample >= cfg.MinItemSample && rate >= cfg.ItemFailureThreshold, map[string]interface{}{
					"failure_rate": fmt.Sprintf("%.2f", rate),
					"sample":       sample,
					"threshold":    cfg.ItemFailureThreshold,
				}
			},
			Title:       "High item failure rate",
			Description: "Share of terminally failed feed items exceeded threshold",
			Labels:      map[string]string{"service": "job-feed-importer"},
			Enabled:     true,
		},
	}
}

// Start runs the evaluation loop until Stop is called
func (am *AlertManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	am.mutex.Lock()
	am.cancel = cancel
	am.done = make(chan struct{})
	done := am.done
	am.mutex.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(am.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.EvaluateRules()
			}
		}
	}()
}

// Stop stops the evaluation loop
func (am *AlertManager) Stop() {
	am.mutex.RLock()
	cancel, done := am.cancel, am.done
	am.mutex.RUnlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// EvaluateRules evaluates every enabled rule once. Alerts raised by a rule
// are resolved on the first evaluation where it no longer fires.
func (am *AlertManager) EvaluateRules() {
	am.mutex.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mutex.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || rule.Condition == nil {
			continue
		}
		firing, annotations := rule.Condition()
		if !firing {
			am.resolveType(rule.Type)
			continue
		}
		am.raise(rule.Type, rule.Severity, rule.Title, rule.Description, rule.Labels, annotations, true)
	}
}

func (am *AlertManager) resolveType(alertType AlertType) {
	am.mutex.RLock()
	var ids []string
	for id, alert := range am.alerts {
		if alert.Type == alertType && !alert.Resolved {
			ids = append(ids, id)
		}
	}
	am.mutex.RUnlock()

	for _, id := range ids {
		am.ResolveAlert(id)
	}
}

// NotifyRunFailed raises a feed_failure alert for a run finalized as failed
func (am *AlertManager) NotifyRunFailed(importLogID, sourceURL, reason string) {
	am.raise(AlertTypeFeedFailure, SeverityHigh,
		"Feed import failed",
		fmt.Sprintf("Import of %s failed: %s", sourceURL, reason),
		map[string]string{"service": "job-feed-importer", "source_url": sourceURL},
		map[string]interface{}{"import_log_id": importLogID},
		false,
	)
}

// raise records and sends an alert; dedupe suppresses it while one of the same type is active
func (am *AlertManager) raise(alertType AlertType, severity AlertSeverity, title, description string, labels map[string]string, annotations map[string]interface{}, dedupe bool) *Alert {
	am.mutex.Lock()
	if dedupe {
		for _, existing := range am.alerts {
			if existing.Type == alertType && !existing.Resolved {
				am.mutex.Unlock()
				return nil
			}
		}
	}
	am.seq++
	alert := &Alert{
		ID:          fmt.Sprintf("%s-%d-%d", alertType, time.Now().Unix(), am.seq),
		Type:        alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		Timestamp:   time.Now(),
		Labels:      labels,
		Annotations: annotations,
	}
	am.alerts[alert.ID] = alert
	notifiers := make([]Notifier, len(am.notifiers))
	copy(notifiers, am.notifiers)
	am.mutex.Unlock()

	for _, notifier := range notifiers {
		if err := notifier.Send(alert); err != nil {
			am.logger.WithError(err).WithField("notifier", notifier.Name()).Error("Failed to send alert notification")
		}
	}
	return alert
}

// ResolveAlert resolves an alert
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := time.Now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.WithFields(logrus.Fields{
			"alert_id": alertID,
			"type":     alert.Type,
		}).Info("Alert resolved")
	}
}

// GetActiveAlerts returns all unresolved alerts
func (am *AlertManager) GetActiveAlerts() []*Alert {
	am.mutex.RLock()
	defer am.mutex.RUnlock()

	var activeAlerts []*Alert
	for _, alert := range am.alerts {
		if !alert.Resolved {
			activeAlerts = append(activeAlerts, alert)
		}
	}

	return activeAlerts
}

// AddNotifier adds a new notifier
func (am *AlertManager) AddNotifier(notifier Notifier) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.notifiers = append(am.notifiers, notifier)
}

// AddRule appends an evaluation rule
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.rules = append(am.rules, rule)
}
