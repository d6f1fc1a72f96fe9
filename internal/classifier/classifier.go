// Package classifier talks to the external image-classification model
// server. The gateway never runs inference itself.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/visiongate/visiongate/internal/metrics"
	"github.com/visiongate/visiongate/internal/model"
)

// ErrUnavailable is returned when the model server cannot produce a result.
var ErrUnavailable = errors.New("classifier unavailable")

// Prediction is one ranked label.
type Prediction = model.Prediction

// ModelInfo describes the backing model.
type ModelInfo struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// Classifier ranks labels for an image.
type Classifier interface {
	Predict(ctx context.Context, image []byte, contentType string, topK int) ([]Prediction, error)
	Info() ModelInfo
	Categories(ctx context.Context) ([]string, error)
}

// HTTPClient forwards images to a model server that answers
// POST <endpoint>?top_k=N with {"model": "...", "predictions": [...]}.
// The label set is read from GET categories, resolved relative to the
// endpoint (http://model/predict lists http://model/categories).
type HTTPClient struct {
	endpoint string
	client   *http.Client
	model    atomic.Value // string
}

// NewHTTPClient creates a client for the model server at endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("classifier: invalid endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type predictResponse struct {
	Model       string       `json:"model"`
	Predictions []Prediction `json:"predictions"`
}

// Predict sends the image and returns at most topK predictions ordered by
// descending confidence.
func (c *HTTPClient) Predict(ctx context.Context, image []byte, contentType string, topK int) ([]Prediction, error) {
	u, _ := url.Parse(c.endpoint)
	q := u.Query()
	q.Set("top_k", strconv.Itoa(topK))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ClassifierRequests.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		metrics.ClassifierRequests.WithLabelValues("bad_status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: model server returned %d: %s",
			ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ClassifierRequests.WithLabelValues("bad_response").Inc()
		return nil, fmt.Errorf("%w: decode model response: %w", ErrUnavailable, err)
	}
	metrics.ClassifierRequests.WithLabelValues("ok").Inc()
	if out.Model != "" {
		c.model.Store(out.Model)
	}
	return rank(out.Predictions, topK), nil
}

// Info returns the endpoint and the model name last reported by the server.
func (c *HTTPClient) Info() ModelInfo {
	name, _ := c.model.Load().(string)
	return ModelInfo{Name: name, Endpoint: c.endpoint}
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}

// Categories returns the labels the model can produce.
func (c *HTTPClient) Categories(ctx context.Context) ([]string, error) {
	u, _ := url.Parse(c.endpoint)
	u = u.ResolveReference(&url.URL{Path: "categories"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build categories request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: model server returned %d for categories", ErrUnavailable, resp.StatusCode)
	}

	var out categoriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode categories: %w", ErrUnavailable, err)
	}
	if out.Categories == nil {
		out.Categories = []string{}
	}
	return out.Categories, nil
}

func rank(preds []Prediction, topK int) []Prediction {
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Confidence > preds[j].Confidence
	})
	if topK > 0 && len(preds) > topK {
		preds = preds[:topK]
	}
	if preds == nil {
		preds = []Prediction{}
	}
	return preds
}
