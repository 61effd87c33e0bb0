// Package rest posts telemetry to an HTTP collector.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/output"
)

const (
	DefaultTimeout = 10 * time.Second
	// maxBodyLog bounds how much of an error response is logged.
	maxBodyLog = 512
)

type Config struct {
	// URL is the full collector endpoint, e.g. https://host/sensors.
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// RESTOutput sends one POST per publish and never retries in the call.
type RESTOutput struct {
	cfg    Config
	client *http.Client
	logger *zap.SugaredLogger
}

func New(cfg Config, client *http.Client, logger *zap.SugaredLogger) (*RESTOutput, error) {
	if cfg.URL == "" {
		return nil, errors.New("rest: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RESTOutput{cfg: cfg, client: client, logger: logger}, nil
}

func (o *RESTOutput) Name() string { return "rest" }

func (o *RESTOutput) Publish(ctx context.Context, p output.Payload) output.Result {
	body, err := json.Marshal(p)
	if err != nil {
		return output.Failed(output.Serialization(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return output.Failed(output.Serialization(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return output.Failed(output.Unreachable(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		o.logger.Debugw("rest publish", "device", p.DeviceID, "status", resp.StatusCode)
		return output.OK(resp.StatusCode)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	o.logger.Warnw("rest collector rejected payload", "device", p.DeviceID, "status", resp.StatusCode, "body", string(msg))
	return output.Failed(output.Rejected(resp.StatusCode, errors.New(string(bytes.TrimSpace(msg)))))
}

func (o *RESTOutput) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
