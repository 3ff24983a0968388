package classifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
)

func writeImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "img_1.jpg")
	require.NoError(t, os.WriteFile(p, []byte("\xff\xd8jpeg"), 0o644))
	return p
}

func TestClassify(t *testing.T) {
	var gotConf, gotName string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotConf = r.FormValue("conf")
		f, hdr, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		gotBody, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"label":"Plastic","confidence":0.91},{"class":"can","confidence":0.4}]}`))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, 0, 0)
	got, err := c.Classify(context.Background(), writeImage(t))
	require.NoError(t, err)

	assert.Equal(t, []detection.Candidate{{Label: "plastic", Confidence: 0.91}, {Label: "can", Confidence: 0.4}}, got)
	assert.Equal(t, "0.5", gotConf)
	assert.Equal(t, "img_1.jpg", gotName)
	assert.Equal(t, []byte("\xff\xd8jpeg"), gotBody)
}

func TestClassifyEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[]}`))
	}))
	defer srv.Close()

	got, err := NewHTTP(srv.URL, 0.3, 0).Classify(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		isStatus bool
	}{
		{"server error", http.StatusInternalServerError, "model not loaded", true},
		{"error field", http.StatusOK, `{"error":"bad image"}`, true},
		{"garbage", http.StatusOK, "<html>", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTP(srv.URL, 0, 0).Classify(context.Background(), writeImage(t))
			require.Error(t, err)
			if tt.isStatus {
				assert.ErrorIs(t, err, ErrStatus)
			} else {
				assert.NotErrorIs(t, err, ErrStatus)
			}
		})
	}
}

func TestClassifyMissingImage(t *testing.T) {
	_, err := NewHTTP("http://127.0.0.1:1", 0, 0).Classify(context.Background(), "/nonexistent/img.jpg")
	assert.ErrorContains(t, err, "open image")
}
