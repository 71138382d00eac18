// Package webhook notifies external endpoints about report and job events.
// Dispatch never blocks the caller and delivery failures are only logged.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Event names.
const (
	ReportSubmitted  = "report.submitted"
	ReportApproved   = "report.approved"
	ReportRejected   = "report.rejected"
	ReportPublished  = "report.published"
	ReportForked     = "report.forked"
	ExportCompleted  = "export.completed"
	ExportFailed     = "export.failed"
	PublishCompleted = "publish.completed"
	PublishFailed    = "publish.failed"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reportkit_webhook_deliveries_total",
	Help: "Webhook deliveries by event and outcome (delivered, failed, dropped).",
}, []string{"event", "outcome"})

type ReportSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Version int    `json:"version"`
	JobID   string `json:"job_id,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Envelope is the JSON body posted to every endpoint.
type Envelope struct {
	EventName     string        `json:"event_name"`
	ReportSummary ReportSummary `json:"report_summary"`
	ActorID       string        `json:"actor_id"`
	Timestamp     time.Time     `json:"timestamp"`
}

type Config struct {
	URLs        []string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	QueueSize   int
	RetryDelay  time.Duration
}

type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger logrus.FieldLogger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan Envelope
	wg     sync.WaitGroup
}

// New starts the background sender. Close must be called to stop it.
func New(cfg Config, logger logrus.FieldLogger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithField("component", "webhook"),
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan Envelope, cfg.QueueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Dispatch enqueues an event and returns immediately. When the queue is full
// or the dispatcher is closed the event is dropped.
func (d *Dispatcher) Dispatch(event string, summary ReportSummary, actorID string) {
	if len(d.cfg.URLs) == 0 {
		return
	}
	envelope := Envelope{EventName: event, ReportSummary: summary, ActorID: actorID, Timestamp: d.now()}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		deliveries.WithLabelValues(event, "dropped").Inc()
		return
	}
	select {
	case d.queue <- envelope:
	default:
		deliveries.WithLabelValues(event, "dropped").Inc()
		d.logger.WithFields(logrus.Fields{"event": event, "report_id": summary.ID}).Warn("webhook queue full; event dropped")
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for envelope := range d.queue {
		body, err := json.Marshal(envelope)
		if err != nil {
			d.logger.WithError(err).WithField("event", envelope.EventName).Error("marshal webhook envelope")
			continue
		}
		for _, url := range d.cfg.URLs {
			d.deliver(url, envelope, body)
		}
	}
}

func (d *Dispatcher) deliver(url string, envelope Envelope, body []byte) {
	log := d.logger.WithFields(logrus.Fields{
		"event":     envelope.EventName,
		"report_id": envelope.ReportSummary.ID,
		"url":       url,
	})
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.post(url, envelope, body); err == nil {
			deliveries.WithLabelValues(envelope.EventName, "delivered").Inc()
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("webhook delivery attempt failed")
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(d.cfg.RetryDelay)
		}
	}
	deliveries.WithLabelValues(envelope.EventName, "failed").Inc()
	log.WithError(err).Error("webhook delivery failed")
}

func (d *Dispatcher) post(url string, envelope Envelope, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	timestamp := strconv.FormatInt(envelope.Timestamp.Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, envelope.EventName)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(d.cfg.Secret, timestamp, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of
// timestamp + "." + body under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
