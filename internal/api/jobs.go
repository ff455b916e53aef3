package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/pmta-blast/internal/job"
	"github.com/ignite/pmta-blast/internal/pkg/httputil"
	"github.com/ignite/pmta-blast/internal/sender"
	"github.com/ignite/pmta-blast/internal/store"
)

// handleStartJob accepts the start form (multipart or urlencoded): SMTP
// endpoint, sender profiles, subject/body variants, a recipient list or file
// upload, and safety flags. Contract: 400 on validation errors, 409 when the
// campaign already has an active job, 503 when the monitor is required but
// unreachable.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "unreadable form: "+err.Error())
			return
		}
	}

	campaignID := strings.TrimSpace(r.FormValue("campaign_id"))
	if campaignID == "" {
		httputil.BadRequest(w, "campaign_id is required")
		return
	}

	smtpHost := strings.TrimSpace(r.FormValue("smtp_host"))
	if smtpHost == "" {
		smtpHost = s.SMTP.Host
	}
	if smtpHost == "" {
		httputil.BadRequest(w, "missing SMTP host")
		return
	}
	if v := r.FormValue("smtp_port"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			httputil.BadRequest(w, "invalid SMTP port")
			return
		}
	}

	senders := sender.ParseProfiles(r.FormValue("senders"))
	if len(senders) == 0 {
		httputil.BadRequest(w, "no valid sender email")
		return
	}

	subjects := formVariants(r, "subject")
	bodies := formVariants(r, "body")
	if len(subjects) == 0 || len(bodies) == 0 {
		httputil.BadRequest(w, "at least one subject and one body are required")
		return
	}

	rawList, err := recipientsInput(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	recipients, invalid := sender.SanitizeList(rawList)
	if len(recipients) == 0 {
		httputil.BadRequest(w, "no valid recipient after filtering")
		return
	}
	if len(recipients) > s.maxRecipients() {
		httputil.BadRequest(w, fmt.Sprintf("list exceeds safety cap of %d recipients", s.maxRecipients()))
		return
	}

	if formBool(r, "monitor_required") {
		if s.Monitor == nil {
			httputil.Error(w, http.StatusServiceUnavailable, "monitor required but not configured")
			return
		}
		if _, err := s.Monitor.Status(r.Context()); err != nil {
			httputil.Error(w, http.StatusServiceUnavailable, "monitor unreachable: "+err.Error())
			return
		}
	}

	spamThreshold := 5.0
	if s.Conf != nil {
		spamThreshold = s.Conf.Float("spam_threshold")
	}

	content := job.Content{
		Senders:  senders,
		Subjects: subjects,
		Bodies:   bodies,
		URLPool:  splitLines(r.FormValue("url_pool")),
		SrcPool:  splitLines(r.FormValue("src_pool")),
		Format:   strings.TrimSpace(r.FormValue("format")),
		ReplyTo:  strings.TrimSpace(r.FormValue("reply_to")),
	}
	if content.Format == "" {
		content.Format = "html"
	}

	j, err := s.Jobs.Start(r.Context(), job.StartParams{
		CampaignID:    campaignID,
		SMTPHost:      smtpHost,
		Content:       content,
		Recipients:    recipients,
		Invalid:       invalid,
		SpamThreshold: spamThreshold,
		ForceNewJob:   formBool(r, "force_new_job"),
	})
	if errors.Is(err, job.ErrCampaignBusy) {
		httputil.Error(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if s.Store != nil {
		if err := s.Store.SaveCampaign(r.Context(), store.Campaign{
			ID:   campaignID,
			Name: strings.TrimSpace(r.FormValue("campaign_name")),
		}); err != nil {
			log.Printf("[API] save campaign %s: %v", campaignID, err)
		}
	}

	httputil.OK(w, map[string]any{
		"ok":          true,
		"job_id":      j.ID(),
		"campaign_id": campaignID,
		"total":       len(recipients),
		"invalid":     invalid,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"jobs": s.Jobs.List()})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.Jobs.Get(chi.URLParam(r, "id"))
	if errors.Is(err, job.ErrNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, j.Snapshot())
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(id string) error {
		return s.Jobs.Pause(id, strings.TrimSpace(r.FormValue("reason")))
	})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Jobs.Resume)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Jobs.Stop)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Jobs.Delete(r.Context(), id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case errors.Is(err, job.ErrJobActive):
		httputil.Error(w, http.StatusConflict, "job is still active; stop it first")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]any{"ok": true, "deleted": id})
	}
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	err := fn(id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case err != nil:
		httputil.BadRequest(w, err.Error())
	default:
		httputil.OK(w, map[string]any{"ok": true, "job_id": id, "at": time.Now().UTC()})
	}
}

// formVariants collects repeated fields (subject, subject2, ...) plus the
// multi-valued form key, preserving order and dropping blanks.
func formVariants(r *http.Request, key string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range r.Form[key] {
		add(v)
	}
	for i := 2; i <= 10; i++ {
		add(r.FormValue(fmt.Sprintf("%s%d", key, i)))
	}
	return out
}

// recipientsInput prefers the uploaded file over the textarea.
func recipientsInput(r *http.Request) (string, error) {
	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["recipients_file"]; len(files) > 0 {
			f, err := files[0].Open()
			if err != nil {
				return "", fmt.Errorf("recipients file: %v", err)
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				return "", fmt.Errorf("recipients file: %v", err)
			}
			return string(data), nil
		}
	}
	if v := r.FormValue("recipients"); strings.TrimSpace(v) != "" {
		return v, nil
	}
	return "", errors.New("recipients are required (field or file upload)")
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.FormValue(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
