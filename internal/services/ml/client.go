package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/models"
)

// maxErrorBody limits how much of a failed response is copied into the error.
const maxErrorBody = 512

// Client calls the external detection model over HTTP.
type Client struct {
	inferenceURL string
	httpClient   *http.Client
	logger       *logger.Logger
}

// NewClient creates a client for the inference service at cfg.InferenceURL.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		inferenceURL: cfg.InferenceURL,
		httpClient:   &http.Client{Timeout: time.Duration(cfg.InferenceTimeout) * time.Second},
		logger:       log,
	}
}

// Detect uploads the image as multipart form field "file" and returns the model's detections.
func (c *Client) Detect(ctx context.Context, image []byte, filename string) ([]models.Detection, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result models.DetectionPayload
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inference response: %w", err)
	}

	c.logger.Debug("Inference for %s returned %d detection(s) in %v", filename, len(result.Detections), time.Since(start))
	return result.Detections, nil
}

// CheckHealth reports whether the inference service answers its /health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ml service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// healthURL places /health next to the prediction endpoint, e.g. http://host:5000/predict -> http://host:5000/health.
func (c *Client) healthURL() string {
	u, err := url.Parse(c.inferenceURL)
	if err != nil {
		return strings.TrimSuffix(c.inferenceURL, "/") + "/health"
	}
	dir := path.Dir(strings.TrimSuffix(u.Path, "/"))
	if dir == "." {
		dir = "/"
	}
	u.Path = path.Join(dir, "health")
	u.RawQuery = ""
	return u.String()
}
