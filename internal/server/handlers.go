package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/platform"
	"github.com/raaihank/pii-tokenizer/internal/privacy"
	"github.com/raaihank/pii-tokenizer/internal/report"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 500
)

// StartRunRequest is the trigger body. The tenant is always derived from the
// dataset URN; a body naming one is rejected as an unknown field.
type StartRunRequest struct {
	Dataset   string   `json:"dataset" validate:"required,startswith=urn:li:dataset:"`
	FieldPath string   `json:"field_path,omitempty"`
	Columns   []string `json:"columns,omitempty" validate:"omitempty,max=256,dive,required"`
	Limit     int      `json:"limit,omitempty" validate:"gte=0"`
	Namespace string   `json:"namespace,omitempty" validate:"omitempty,max=32"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// StartRunResponse acknowledges a trigger. RunID is empty on rejection.
type StartRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusRejected is reported when a run is already active on the dataset
const StatusRejected = "REJECTED"

// ClassifyRequest asks for a classification pass
type ClassifyRequest struct {
	Dataset string `json:"dataset" validate:"required"`
	Emit    bool   `json:"emit,omitempty"`
}

// ClassifyResponse carries the profiles of a pass and any tags written
type ClassifyResponse struct {
	Dataset   string                  `json:"dataset"`
	Profiles  []privacy.ColumnProfile `json:"profiles"`
	Emissions []privacy.Emission      `json:"emissions,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// handleStartRun accepts a trigger and starts the run in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	var body StartRunRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := "api"
	if sub := getSubject(r.Context()); sub != "" {
		source = "api:" + sub
	}

	rn, err := s.deps.Runs.Start(r.Context(), run.Request{
		Dataset:   body.Dataset,
		FieldPath: body.FieldPath,
		Columns:   body.Columns,
		Limit:     body.Limit,
		Namespace: body.Namespace,
		DryRun:    body.DryRun,
		Source:    source,
	})
	switch {
	case errors.Is(err, run.ErrConcurrencyRejected):
		writeJSON(w, http.StatusConflict, StartRunResponse{Status: StatusRejected, Message: err.Error()})
		return
	case errors.Is(err, platform.ErrInvalidURN),
		errors.Is(err, platform.ErrLimitOutOfRange),
		errors.Is(err, platform.ErrUnknownPlatform):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error("Failed to start run", zap.String("dataset", body.Dataset), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:   rn.ID,
		Status:  string(rn.State),
		Message: rn.Message,
	})
}

// handleGetRun returns the status payload of one run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rn, err := s.deps.Runs.Get(r.Context(), id)
	if errors.Is(err, run.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to load run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, report.NewPayload(rn))
}

// handleListRuns lists runs newest first, optionally for one dataset
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.List(r.Context(), r.URL.Query().Get("dataset"), limit)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	payloads := make([]report.Payload, 0, len(runs))
	for _, rn := range runs {
		payloads = append(payloads, report.NewPayload(rn))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": payloads})
}

// handleClassify runs a classification pass and optionally emits tags
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Classifier == nil {
		writeError(w, http.StatusNotImplemented, "classifier is not configured")
		return
	}

	var body ClassifyRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Tags can only be written to a dataset the metadata service knows
	if body.Emit {
		if _, err := platform.ParseDatasetURN(body.Dataset); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	profiles, err := s.deps.Classifier.Classify(r.Context(), body.Dataset)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Classification failed",
			zap.String("dataset", body.Dataset),
			zap.Error(err),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := ClassifyResponse{Dataset: body.Dataset, Profiles: profiles}
	if body.Emit && s.deps.Emitter != nil {
		resp.Emissions = s.deps.Emitter.Emit(r.Context(), body.Dataset, profiles)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.PublishClassification(body.Dataset, profiles, resp.Emissions)
	}
	writeJSON(w, http.StatusOK, resp)
}
