package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) exportReport(w http.ResponseWriter, r *http.Request) {
	var body ExportInput
	if !s.decode(w, r, &body) {
		return
	}
	job, err := s.service.RequestExport(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusAccepted, job, err)
}

func (s *HTTPServer) publishReport(w http.ResponseWriter, r *http.Request) {
	var body PublishInput
	if !s.decode(w, r, &body) {
		return
	}
	job, err := s.service.RequestPublish(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusAccepted, job, err)
}

func (s *HTTPServer) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, map[string]any{"jobs": jobs}, err)
}

func (s *HTTPServer) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), actorFrom(r), chi.URLParam(r, "jobID"))
	s.respond(w, r, http.StatusOK, job, err)
}

func (s *HTTPServer) withdrawJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.WithdrawJob(r.Context(), actorFrom(r), chi.URLParam(r, "jobID"))
	s.respond(w, r, http.StatusOK, job, err)
}

func (s *HTTPServer) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.service.ListAssets(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, map[string]any{"assets": assets}, err)
}

// assetURL signs a download link; ?expiry= is in seconds and the store
// clamps it to its allowed range.
func (s *HTTPServer) assetURL(w http.ResponseWriter, r *http.Request) {
	seconds, err := intParam(r.URL.Query().Get("expiry"), "expiry")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	link, err := s.service.AssetURL(r.Context(), actorFrom(r), chi.URLParam(r, "assetID"), time.Duration(seconds)*time.Second)
	s.respond(w, r, http.StatusOK, link, err)
}

func (s *HTTPServer) listPublications(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.ListPublications(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, map[string]any{"publications": commits}, err)
}

func (s *HTTPServer) getPublication(w http.ResponseWriter, r *http.Request) {
	publication, err := s.service.GetPublication(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), chi.URLParam(r, "revision"))
	s.respond(w, r, http.StatusOK, publication, err)
}
