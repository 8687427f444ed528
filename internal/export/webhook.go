// Package export publishes saved daily records to an external webhook.
package export

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// Config holds configuration for the webhook exporter
type Config struct {
	URL    string
	APIKey string

	// Records are sent once BatchSize distinct days are pending, and at least every Interval
	BatchSize int
	Interval  time.Duration

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Optional secp256k1 key used to sign the payload digest
	SigningKey *ecdsa.PrivateKey
}

// Exporter batches records per day and posts them as signed JSON payloads.
type Exporter struct {
	config Config
	client *retryablehttp.Client

	mu         sync.Mutex
	pending    map[string]*model.DailyMetric
	order      []string
	lastExport time.Time
	exported   int
	failures   int

	flushCh chan struct{}
}

// NewExporter creates a webhook exporter. Call Run to start periodic delivery.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL not configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	e := &Exporter{
		config:  cfg,
		client:  client,
		pending: make(map[string]*model.DailyMetric),
		flushCh: make(chan struct{}, 1),
	}

	fields := logrus.Fields{"url": cfg.URL, "batch_size": cfg.BatchSize, "interval": cfg.Interval}
	if cfg.SigningKey != nil {
		fields["signer"] = signerAddress(cfg.SigningKey).Hex()
	}
	logrus.WithFields(fields).Info("Webhook exporter initialized")
	return e, nil
}

// Add queues a record. A later record for the same day replaces the queued one.
func (e *Exporter) Add(m *model.DailyMetric) {
	if m == nil {
		return
	}

	e.mu.Lock()
	if _, ok := e.pending[m.ID]; !ok {
		e.order = append(e.order, m.ID)
	}
	e.pending[m.ID] = m.Clone()
	full := len(e.order) >= e.config.BatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run delivers batches until ctx is cancelled, then flushes what is left.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.flushCh:
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.Flush(shutdownCtx); err != nil {
				logrus.Errorf("Final webhook export failed: %v", err)
			}
			cancel()
			return
		}

		if err := e.Flush(ctx); err != nil {
			logrus.Errorf("Failed to export to webhook: %v", err)
		}
	}
}

// Flush sends every pending record in one payload. On failure the records are requeued
// unless a newer version of the same day arrived meanwhile.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.order) == 0 {
		e.mu.Unlock()
		return nil
	}
	records := make([]*model.DailyMetric, 0, len(e.order))
	for _, id := range e.order {
		records = append(records, e.pending[id])
	}
	e.pending = make(map[string]*model.DailyMetric)
	e.order = nil
	e.mu.Unlock()

	err := e.send(ctx, records)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failures++
		for _, m := range records {
			if _, newer := e.pending[m.ID]; !newer {
				e.pending[m.ID] = m
				e.order = append(e.order, m.ID)
			}
		}
		return err
	}

	e.exported += len(records)
	e.lastExport = time.Now()
	logrus.Infof("Exported %d records to webhook", len(records))
	return nil
}

func (e *Exporter) send(ctx context.Context, records []*model.DailyMetric) error {
	payload, err := BuildPayload(records, e.config.SigningKey)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payload-Digest", payload.Digest)
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status returns the current state of the exporter
func (e *Exporter) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"pending":  len(e.order),
		"exported": e.exported,
		"failures": e.failures,
		"signed":   e.config.SigningKey != nil,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	return status
}
