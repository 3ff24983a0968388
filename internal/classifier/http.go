// Package classifier is a client for an object-detection inference server.
// The image is uploaded as multipart form data and the server answers with
// the objects it found.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
)

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("inference server error")

// DefaultMinConfidence is passed to the model as its own detection floor.
const DefaultMinConfidence = 0.5

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

type detectionsResponse struct {
	Detections []struct {
		Label      string  `json:"label"`
		Class      string  `json:"class"`
		Confidence float64 `json:"confidence"`
	} `json:"detections"`
	Error string `json:"error"`
}

// HTTP implements detection.Classifier.
type HTTP struct {
	url           string
	minConfidence float64
	httpClient    *http.Client
}

var _ detection.Classifier = (*HTTP)(nil)

// NewHTTP returns a client for the endpoint at url.
func NewHTTP(url string, minConfidence float64, timeout time.Duration) *HTTP {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		url:           url,
		minConfidence: minConfidence,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Classify uploads the image at handle and returns the detections with
// lower-cased labels, in the order the server listed them.
func (c *HTTP) Classify(ctx context.Context, handle string) ([]detection.Candidate, error) {
	body, contentType, err := c.encode(handle)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %s", ErrStatus, resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed detectionsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrStatus, parsed.Error)
	}

	out := make([]detection.Candidate, 0, len(parsed.Detections))
	for _, d := range parsed.Detections {
		label := d.Label
		if label == "" {
			label = d.Class
		}
		out = append(out, detection.Candidate{
			Label:      strings.ToLower(strings.TrimSpace(label)),
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

func (c *HTTP) encode(handle string) (io.Reader, string, error) {
	f, err := os.Open(handle)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("conf", strconv.FormatFloat(c.minConfidence, 'f', -1, 64)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("image", filepath.Base(handle))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
