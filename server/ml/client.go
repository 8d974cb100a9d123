package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/models"
)

// Client talks to the external landmark service that turns camera frames into
// face keypoints and object predictions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
	healthy    *atomic.Bool
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          3,
		RetryDelay:          500 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

type AnalysisRequest struct {
	ImageData []byte `json:"image_data"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
}

type AnalysisResponse struct {
	Faces          []FaceLandmarks   `json:"faces"`
	Detections     []ObjectDetection `json:"detections"`
	ProcessingTime float64           `json:"processing_time"`
	ModelVersion   string            `json:"model_version"`
}

type FaceLandmarks struct {
	Keypoints  []models.Keypoint `json:"keypoints"`
	Confidence float64           `json:"confidence"`
}

type ObjectDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = DefaultClientConfig().HealthCheckInterval
	}

	return &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		healthy: atomic.NewBool(false),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// Start probes the service once and keeps probing until ctx is done.
func (c *Client) Start(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("ML service not available at startup", zap.Error(err))
	}
	go c.startHealthChecker(ctx)
}

func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// AnalyzeFrame sends one frame to the landmark service, retrying with a
// linear backoff. Only the most confident face is returned.
func (c *Client) AnalyzeFrame(ctx context.Context, request *models.FrameRequest) (*models.InferenceResult, error) {
	mlRequest := &AnalysisRequest{
		ImageData: request.ImageData,
		Timestamp: request.Timestamp,
		SessionID: request.SessionID,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ML analysis request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		result, err := c.executeAnalysisRequest(ctx, mlRequest)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("ML analysis failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeAnalysisRequest(ctx context.Context, request *AnalysisRequest) (*models.InferenceResult, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/analyze", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "eyeq/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("ML service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var mlResponse AnalysisResponse
	if err := json.NewDecoder(response.Body).Decode(&mlResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return convertMLResponse(&mlResponse), nil
}

func convertMLResponse(mlResp *AnalysisResponse) *models.InferenceResult {
	result := &models.InferenceResult{
		ProcessingTime: mlResp.ProcessingTime,
		ModelVersion:   mlResp.ModelVersion,
	}

	best := -1.0
	for _, face := range mlResp.Faces {
		if face.Confidence > best {
			best = face.Confidence
			result.Keypoints = face.Keypoints
		}
	}

	for _, detection := range mlResp.Detections {
		result.Predictions = append(result.Predictions, models.ObjectPrediction{
			Class: detection.Class,
			Score: detection.Confidence,
		})
	}

	return result
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}

	c.healthy.Store(true)
	return nil
}

func (c *Client) startHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("ML service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("ML service health check passed")
			}
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model info request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]any
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
