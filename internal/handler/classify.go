package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/visiongate/visiongate/internal/classifier"
	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/server/middleware"
	"github.com/visiongate/visiongate/internal/service"
)

const (
	defaultTopK = 5
	maxTopK     = 100

	maxImageMemory = 10 << 20
)

// ClassifyHandler forwards uploaded images to the model server and records
// successful results in the classification history.
type ClassifyHandler struct {
	classifier classifier.Classifier
	history    *service.History
	logger     *slog.Logger
}

// NewClassifyHandler creates a new ClassifyHandler. A nil classifier makes
// every request answer 503; a nil history disables recording.
func NewClassifyHandler(c classifier.Classifier, history *service.History, logger *slog.Logger) *ClassifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassifyHandler{classifier: c, history: history, logger: logger}
}

// classifyResponse is the payload returned by Classify.
type classifyResponse struct {
	Predictions      []classifier.Prediction `json:"predictions"`
	Model            classifier.ModelInfo    `json:"model"`
	UserID           string                  `json:"user_id,omitempty"`
	ImageName        string                  `json:"image_name,omitempty"`
	ProcessingMS     float64                 `json:"processing_ms"`
	ClassificationID string                  `json:"classification_id,omitempty"`
}

// Classify ranks labels for the uploaded image.
// POST /api/v1/classify (multipart: file, top_k)
func (h *ClassifyHandler) Classify(w http.ResponseWriter, r *http.Request) {
	if h.classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "No classifier configured")
		return
	}

	if err := r.ParseMultipartForm(maxImageMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image file is required in field \"file\"")
		return
	}
	defer file.Close()

	contentType := hdr.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "File must be an image", map[string]any{
			"content_type": contentType,
		})
		return
	}

	topK := defaultTopK
	if v := r.FormValue("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return
		}
		topK = clampInt(n, 1, maxTopK)
	}

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image: "+err.Error())
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "Image file is empty")
		return
	}

	start := time.Now()
	preds, err := h.classifier.Predict(r.Context(), image, contentType, topK)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		h.logger.Error("classification failed",
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		if errors.Is(err, classifier.ErrUnavailable) {
			writeError(w, http.StatusBadGateway, "Classifier unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "Classification failed")
		return
	}

	resp := classifyResponse{
		Predictions:  preds,
		Model:        h.classifier.Info(),
		ImageName:    hdr.Filename,
		ProcessingMS: elapsed,
	}
	if id := middleware.GetIdentity(r.Context()); id != nil {
		resp.UserID = id.UserID
		resp.ClassificationID = h.record(r, id.UserID, contentType, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// record saves a successful result. Failures are logged; the caller still
// gets its predictions.
func (h *ClassifyHandler) record(r *http.Request, userID, contentType string, resp classifyResponse) string {
	if h.history == nil {
		return ""
	}
	id, err := h.history.Record(r.Context(), middleware.GetAPIKey(r.Context()), &model.Classification{
		UserID:       userID,
		ImageName:    resp.ImageName,
		ContentType:  contentType,
		Predictions:  resp.Predictions,
		Model:        resp.Model.Name,
		ProcessingMS: resp.ProcessingMS,
	})
	if err != nil {
		h.logger.Error("failed to record classification",
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		return ""
	}
	return id
}

// Categories lists the labels the model can produce.
// GET /api/v1/categories
func (h *ClassifyHandler) Categories(w http.ResponseWriter, r *http.Request) {
	if h.classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "No classifier configured")
		return
	}
	cats, err := h.classifier.Categories(r.Context())
	if err != nil {
		h.logger.Error("category listing failed", "error", err)
		writeError(w, http.StatusBadGateway, "Classifier unavailable")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: cats,
		Meta:     &model.ResponseMeta{Count: len(cats)},
	})
}
