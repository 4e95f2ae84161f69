package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/projectpulse/projectpulse/internal/deadletter"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/internal/jobs"
)

type submitSyncRequest struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Cursor string `json:"cursor"`
	Since  string `json:"since"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		writeJSON(w, http.StatusOK, s.svc.History(limit, offset))
	case http.MethodPost:
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			s.submitBulk(w, r)
			return
		}
		s.submitSync(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) submitSync(w http.ResponseWriter, r *http.Request) {
	var req submitSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Type != "" && req.Type != string(jobs.TypeExternalSync) {
		writeError(w, http.StatusBadRequest, "type must be external_sync; bulk imports are multipart uploads")
		return
	}

	var since time.Time
	if req.Since != "" {
		parsed, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	job, created, err := s.svc.SubmitSync(req.Source, req.Cursor, since)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"created": created,
		"job":     job,
	})
}

func (s *Server) submitBulk(w http.ResponseWriter, r *http.Request) {
	file, header, err := s.uploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	job, err := s.svc.SubmitBulkFile(file, header, r.FormValue("source"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"created": true,
		"job":     job,
	})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id = strings.TrimSuffix(id, "/")
		if !s.svc.Cancel(id) {
			writeError(w, http.StatusConflict, "job is not cancellable")
			return
		}
		job, _ := s.svc.Job(id)
		writeJSON(w, http.StatusOK, job)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimSuffix(rest, "/")
	job, ok := s.svc.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	file, header, err := s.uploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	preview, err := s.svc.Preview(file, header, r.FormValue("source"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.svc.DeadLetters(r.Context(), r.URL.Query().Get("job"), r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/deadletter/")
	id, ok := strings.CutSuffix(rest, "/retry")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id = strings.TrimSuffix(id, "/")

	job, err := s.svc.RetryDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"created": true,
		"job":     job,
	})
}

func (s *Server) handleImports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summaries, err := s.svc.ImportHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// uploadedFile pulls the "file" part out of a multipart request,
// enforcing the upload size cap before anything is staged.
func (s *Server) uploadedFile(r *http.Request) (multipartFile, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return nil, "", errors.New("invalid multipart body")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", errors.New("missing file field")
	}
	return file, header.Filename, nil
}

type multipartFile interface {
	Read(p []byte) (int, error)
	Close() error
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// statusFor maps service errors onto HTTP status codes by failure kind.
func statusFor(err error) int {
	if errors.Is(err, deadletter.ErrNotFound) {
		return http.StatusNotFound
	}
	var ie *ingest.Error
	if !errors.As(err, &ie) {
		return http.StatusInternalServerError
	}
	switch ie.Kind {
	case ingest.KindValidation, ingest.KindFatal:
		return http.StatusBadRequest
	case ingest.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
