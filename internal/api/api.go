// Package api serves the prediction query, single-shot inference and MJPEG
// feed endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/signlink/signlink-relay/internal/httpserver"
	"github.com/signlink/signlink-relay/internal/pipeline"
	"github.com/signlink/signlink-relay/internal/stream"
)

const maxPredictBodyBytes = 16 << 20

type Config struct {
	Worker *pipeline.Worker
	Latest *pipeline.LatestPrediction
	Hub    *stream.Hub
	Logger *slog.Logger
}

type Handler struct {
	worker   *pipeline.Worker
	latest   *pipeline.LatestPrediction
	hub      *stream.Hub
	log      *slog.Logger
	validate *validator.Validate
}

func New(cfg Config) *Handler {
	h := &Handler{
		worker:   cfg.Worker,
		latest:   cfg.Latest,
		hub:      cfg.Hub,
		log:      cfg.Logger,
		validate: validator.New(),
	}
	if h.latest == nil {
		h.latest = &pipeline.LatestPrediction{}
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /prediction", h.handlePrediction)
	mux.HandleFunc("POST /predict", h.handlePredict)
	if h.hub != nil {
		mux.Handle("GET /video_feed", stream.MJPEGHandler(h.hub))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type predictRequest struct {
	Image string `json:"image" validate:"required"`
}

func (h *Handler) handlePrediction(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.latest.Load())
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPredictBodyBytes)).Decode(&req); err != nil || h.validate.Struct(req) != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "No image data provided"})
		return
	}

	data, err := pipeline.DecodeDataURL(req.Image)
	if err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid image data"})
		return
	}

	pred, err := h.worker.Predict(r.Context(), data)
	switch {
	case err == nil:
		httpserver.WriteJSON(w, http.StatusOK, pred)
	case errors.Is(err, pipeline.ErrDecode):
		httpserver.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid image data"})
	default:
		h.log.Error("predict_failed", "err", err, "request_id", r.Header.Get("X-Request-ID"))
		httpserver.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}
