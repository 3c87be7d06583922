package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/session"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Languages().Specs())
}

type codeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

func (s *Server) decodeCodeRequest(w http.ResponseWriter, r *http.Request) (codeRequest, language.Spec, bool) {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, language.Spec{}, false
	}
	if strings.TrimSpace(req.Code) == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "code and language are required")
		return req, language.Spec{}, false
	}
	spec, err := s.manager.Languages().Lookup(req.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported language: "+req.Language)
		return req, language.Spec{}, false
	}
	return req, spec, true
}

type analyzeResponse struct {
	Language      string   `json:"language"`
	Suspicious    bool     `json:"suspicious"`
	Reasons       []string `json:"reasons"`
	EstimatedSafe bool     `json:"estimated_safe"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, spec, ok := s.decodeCodeRequest(w, r)
	if !ok {
		return
	}
	report := language.Analyze(spec.Name, req.Code)
	reasons := report.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Language:      spec.Name,
		Suspicious:    report.Suspicious,
		Reasons:       reasons,
		EstimatedSafe: !report.Suspicious,
	})
}

type executeResponse struct {
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exit_code"`
	Message   string   `json:"message,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, spec, ok := s.decodeCodeRequest(w, r)
	if !ok {
		return
	}

	res, err := session.Collect(r.Context(), s.manager, session.Submit{
		Language:   spec.Name,
		Source:     req.Code,
		Stdin:      req.Stdin,
		CloseStdin: true,
	}, s.outputLimit)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeError(w, http.StatusServiceUnavailable, "server busy, try again shortly")
			return
		}
		s.log.Error("batch execution", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "execution failed")
		return
	}

	writeJSON(w, statusFor(res.ErrorCode), executeResponse{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Message:   res.Message,
		Warnings:  res.Notices,
		Error:     res.Error,
		Code:      res.ErrorCode,
		Truncated: res.Truncated,
	})
}

func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case session.CodeInvalidRequest, session.CodeUnsupportedLanguage:
		return http.StatusBadRequest
	case session.CodeBlocked:
		return http.StatusForbidden
	case session.CodeImageUnavailable:
		return http.StatusBadGateway
	case session.CodeProvisionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
