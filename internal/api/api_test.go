package api

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlink/signlink-relay/internal/model"
	"github.com/signlink/signlink-relay/internal/pipeline"
)

type handsDetector struct{ n int }

func (d handsDetector) Detect(context.Context, image.Image) ([]model.Hand, error) {
	hands := make([]model.Hand, d.n)
	for i := range hands {
		hands[i] = model.Hand{Landmarks: []model.Landmark{{X: 0.3, Y: 0.3}, {X: 0.6, Y: 0.6}}}
	}
	return hands, nil
}

type countingClassifier struct {
	labels []string
	calls  int
	err    error
}

func (c *countingClassifier) Classify(context.Context, []float32) (string, float32, error) {
	if c.err != nil {
		return "", 0, c.err
	}
	label := c.labels[c.calls]
	c.calls++
	return label, 0.5, nil
}

func newTestMux(t *testing.T, det pipeline.Detector, cls pipeline.Classifier, latest *pipeline.LatestPrediction) *http.ServeMux {
	t.Helper()
	w := pipeline.NewWorker(pipeline.New(det, cls, pipeline.Config{}), 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mux := http.NewServeMux()
	New(Config{Worker: w, Latest: latest}).RegisterRoutes(mux)
	return mux
}

func imageBody(t *testing.T, dataURL bool) string {
	t.Helper()
	jpg, err := pipeline.Blank(100, 100, pipeline.DefaultJPEGQuality)
	require.NoError(t, err)
	if dataURL {
		return `{"image":"` + pipeline.EncodeDataURL(jpg) + `"}`
	}
	return `{"image":"` + base64.StdEncoding.EncodeToString(jpg) + `"}`
}

func post(mux http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestPrediction_ReturnsLatest(t *testing.T) {
	latest := &pipeline.LatestPrediction{}
	mux := newTestMux(t, model.NopDetector{}, model.UnavailableClassifier{}, latest)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prediction", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"class":"","confidence":0}`, rec.Body.String())

	latest.Store(pipeline.Prediction{Label: "Y", Confidence: 0.25})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prediction", nil))
	assert.JSONEq(t, `{"class":"Y","confidence":0.25}`, rec.Body.String())
}

func TestPredict_FirstHandWins(t *testing.T) {
	cls := &countingClassifier{labels: []string{"A", "B"}}
	mux := newTestMux(t, handsDetector{n: 2}, cls, nil)

	rec := post(mux, imageBody(t, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"class":"A","confidence":0.5}`, rec.Body.String())
	assert.Equal(t, 1, cls.calls)
}

func TestPredict_NoHands(t *testing.T) {
	mux := newTestMux(t, model.NopDetector{}, model.UnavailableClassifier{}, nil)

	rec := post(mux, imageBody(t, false))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"class":"","confidence":0}`, rec.Body.String())
}

func TestPredict_DoesNotTouchLatest(t *testing.T) {
	latest := &pipeline.LatestPrediction{}
	latest.Store(pipeline.Prediction{Label: "Z", Confidence: 1})
	mux := newTestMux(t, handsDetector{n: 1}, &countingClassifier{labels: []string{"A"}}, latest)

	post(mux, imageBody(t, true))
	assert.Equal(t, "Z", latest.Load().Label)
}

func TestPredict_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		classifier pipeline.Classifier
		wantStatus int
		wantError  string
	}{
		{name: "missing image", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "No image data provided"},
		{name: "empty image", body: `{"image":""}`, wantStatus: http.StatusBadRequest, wantError: "No image data provided"},
		{name: "not json", body: `nope`, wantStatus: http.StatusBadRequest, wantError: "No image data provided"},
		{name: "bad base64", body: `{"image":"data:image/jpeg;base64,@@@"}`, wantStatus: http.StatusBadRequest, wantError: "Invalid image data"},
		{name: "not an image", body: `{"image":"aGVsbG8="}`, wantStatus: http.StatusBadRequest, wantError: "Invalid image data"},
		{name: "classifier failure", classifier: &countingClassifier{err: errors.New("boom")}, wantStatus: http.StatusInternalServerError, wantError: "Internal server error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cls := tc.classifier
			if cls == nil {
				cls = &countingClassifier{labels: []string{"A"}}
			}
			body := tc.body
			if body == "" {
				body = imageBody(t, true)
			}
			mux := newTestMux(t, handsDetector{n: 1}, cls, nil)

			rec := post(mux, body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.JSONEq(t, `{"error":"`+tc.wantError+`"}`, rec.Body.String())
		})
	}
}
