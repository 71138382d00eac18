package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Templates

func (s *HTTPServer) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.service.ListTemplates(r.Context(), actorFrom(r))
	s.respond(w, r, http.StatusOK, map[string]any{"templates": templates}, err)
}

func (s *HTTPServer) getTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.service.GetTemplate(r.Context(), actorFrom(r), chi.URLParam(r, "templateID"))
	s.respond(w, r, http.StatusOK, tmpl, err)
}

func (s *HTTPServer) createTemplate(w http.ResponseWriter, r *http.Request) {
	var body CreateTemplateInput
	if !s.decode(w, r, &body) {
		return
	}
	tmpl, err := s.service.CreateTemplate(r.Context(), actorFrom(r), body)
	s.respond(w, r, http.StatusCreated, tmpl, err)
}

// Reports

func (s *HTTPServer) listReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.service.ListReports(r.Context(), actorFrom(r), r.URL.Query().Get("status"))
	s.respond(w, r, http.StatusOK, map[string]any{"reports": reports}, err)
}

func (s *HTTPServer) createReport(w http.ResponseWriter, r *http.Request) {
	var body CreateReportInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.CreateReport(r.Context(), actorFrom(r), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

func (s *HTTPServer) getReport(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetReport(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) updateReport(w http.ResponseWriter, r *http.Request) {
	var body UpdateReportInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.UpdateReport(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) renderReport(w http.ResponseWriter, r *http.Request) {
	preview, err := s.service.RenderPreview(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, preview, err)
}

func (s *HTTPServer) listTransitions(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListTransitions(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, map[string]any{"transitions": records}, err)
}

func (s *HTTPServer) searchReports(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := SearchInput{
		Query:  query.Get("q"),
		Type:   query.Get("type"),
		Status: query.Get("status"),
	}
	var err error
	if input.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		s.fail(w, r, err)
		return
	}
	if input.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Search(r.Context(), actorFrom(r), input)
	s.respond(w, r, http.StatusOK, result, err)
}

// Sections

func (s *HTTPServer) addSection(w http.ResponseWriter, r *http.Request) {
	var body SectionInput
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.service.AddSection(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusCreated, result, err)
}

func (s *HTTPServer) updateSection(w http.ResponseWriter, r *http.Request) {
	var body SectionInput
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.service.UpdateSection(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), chi.URLParam(r, "sectionID"), body)
	s.respond(w, r, http.StatusOK, result, err)
}

// deleteSection takes the expected report version from ?version= or a JSON
// body.
func (s *HTTPServer) deleteSection(w http.ResponseWriter, r *http.Request) {
	version, err := intParam(r.URL.Query().Get("version"), "version")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if version == 0 {
		var body struct {
			Version int `json:"version"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		version = body.Version
	}
	reportVersion, err := s.service.DeleteSection(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), chi.URLParam(r, "sectionID"), version)
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": true, "report_version": reportVersion}, err)
}

// Lifecycle

func (s *HTTPServer) submitReport(w http.ResponseWriter, r *http.Request) {
	var body TransitionInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) decideReport(w http.ResponseWriter, r *http.Request) {
	var body DecisionInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.Decide(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) transitionReport(w http.ResponseWriter, r *http.Request) {
	var body StatusTransitionInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.Transition(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusOK, view, err)
}

func (s *HTTPServer) forkReport(w http.ResponseWriter, r *http.Request) {
	var body ForkInput
	if !s.decode(w, r, &body) {
		return
	}
	view, err := s.service.Fork(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusCreated, view, err)
}

// Annotations

func (s *HTTPServer) listAnnotations(w http.ResponseWriter, r *http.Request) {
	annotations, err := s.service.ListAnnotations(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"))
	s.respond(w, r, http.StatusOK, map[string]any{"annotations": annotations}, err)
}

func (s *HTTPServer) createAnnotation(w http.ResponseWriter, r *http.Request) {
	var body AnnotationInput
	if !s.decode(w, r, &body) {
		return
	}
	annotation, err := s.service.CreateAnnotation(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), body)
	s.respond(w, r, http.StatusCreated, annotation, err)
}

func (s *HTTPServer) resolveAnnotation(w http.ResponseWriter, r *http.Request) {
	annotation, err := s.service.ResolveAnnotation(r.Context(), actorFrom(r), chi.URLParam(r, "reportID"), chi.URLParam(r, "annotationID"))
	s.respond(w, r, http.StatusOK, annotation, err)
}

// intParam parses an optional non-negative integer query parameter.
func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, validationError(name+" must be a non-negative integer", map[string]any{"field": name})
	}
	return value, nil
}
