package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/foxzi/mailmerge/internal/record"
	"github.com/foxzi/mailmerge/internal/template"
)

// maxBodyBytes limits request bodies on template endpoints
const maxBodyBytes = 1 << 20

// RenderRequest is the request body for POST /render, /validate and /preview
type RenderRequest struct {
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	HTML    string            `json:"html"`
	Fields  []string          `json:"fields,omitempty"`
	Data    map[string]string `json:"data"`
}

func (req *RenderRequest) template() template.Template {
	return template.Template{Subject: req.Subject, Text: req.Text, HTML: req.HTML}
}

// schema returns the declared fields, or the sorted data keys when none are declared
func (req *RenderRequest) schema() (*record.Schema, error) {
	if len(req.Fields) > 0 {
		return record.NewSchema(req.Fields...)
	}
	fields := make([]string, 0, len(req.Data))
	for name := range req.Data {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return record.NewSchema(fields...)
}

// RenderResponse is the response for POST /render
type RenderResponse struct {
	Result      template.Result `json:"result"`
	Fingerprint string          `json:"fingerprint"`
	Digest      string          `json:"digest"`
}

// ValidateResponse is the response for POST /validate
type ValidateResponse struct {
	Parts     []template.Part `json:"parts"`
	Variables []string        `json:"variables"`
	Missing   []string        `json:"missing,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	Part       string `json:"part,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleRender handles POST /api/v1/render
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	rec, res, err := s.render(req)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, RenderResponse{
		Result:      res,
		Fingerprint: rec.Fingerprint(),
		Digest:      rec.Digest(),
	})
}

// handleValidate handles POST /api/v1/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	engine := template.NewEngine(req.template())
	if err := engine.Validate(); err != nil {
		s.sendFailure(w, err)
		return
	}

	resp := ValidateResponse{
		Parts:     engine.Parts(),
		Variables: engine.Variables(),
	}
	if len(req.Fields) > 0 || len(req.Data) > 0 {
		schema, err := req.schema()
		if err != nil {
			s.sendFailure(w, err)
			return
		}
		resp.Missing = engine.Missing(schema)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handlePreview handles POST /api/v1/preview and returns the built message
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	rec, res, err := s.render(req)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	to, _ := rec.Get(s.opts.EmailField)
	if to == "" {
		s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "recipient address is empty",
			Field: s.opts.EmailField,
		})
		return
	}

	msg, err := s.opts.Builder.Build(to, res)
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("X-Record-Digest", rec.Digest())
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*RenderRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.template().IsEmpty() {
		s.sendError(w, http.StatusBadRequest, "subject, text or html is required")
		return nil, false
	}
	return &req, true
}

// render builds the record and renders every present part, recording metrics
func (s *Server) render(req *RenderRequest) (*record.Record, template.Result, error) {
	schema, err := req.schema()
	if err != nil {
		return nil, nil, err
	}
	rec, err := schema.New(req.Data)
	if err != nil {
		return nil, nil, err
	}

	engine := template.NewEngine(req.template())
	res, err := engine.Render(rec)
	if err != nil {
		var re *template.TemplateRenderError
		if errors.As(err, &re) {
			s.opts.Metrics.IncRenderErrors(string(re.Part), string(re.Kind))
		}
		return nil, nil, err
	}
	for part := range res {
		s.opts.Metrics.IncRenders(string(part))
	}

	return rec, res, nil
}

// sendFailure maps schema and template errors to 422 responses
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	var sve *record.SchemaValidationError
	if errors.As(err, &sve) {
		s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Field: sve.Field,
		})
		return
	}

	var re *template.TemplateRenderError
	if errors.As(err, &re) {
		s.sendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:      err.Error(),
			Part:       string(re.Part),
			Kind:       string(re.Kind),
			Identifier: re.Identifier,
		})
		return
	}

	s.logger.Error("request failed", "error", err)
	s.sendError(w, http.StatusInternalServerError, "Internal server error")
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
