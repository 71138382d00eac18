package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/auth"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

type AnnotationInput struct {
	SectionID string `json:"section_id" validate:"required"`
	Body      string `json:"body" validate:"required,max=5000"`
	Anchor    string `json:"anchor" validate:"max=500"`
}

func (s *Service) authorize(actor rbac.Actor, action rbac.Action, resourceType, resourceID string) error {
	err := s.authz.Authorize(actor, action, rbac.Resource{Type: resourceType, ID: resourceID})
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"actor_id": actor.ID,
			"role":     actor.Role,
			"action":   action,
			"resource": resourceType + "/" + resourceID,
		}).Info("authorization denied")
	}
	return err
}

// ActorFromToken verifies a bearer token and returns the caller it names.
// Unknown roles fall back to viewer.
func (s *Service) ActorFromToken(ctx context.Context, raw string) (rbac.Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), raw)
	if err != nil {
		return rbac.Actor{}, err
	}
	revoked, err := s.revocations.Revoked(ctx, auth.HashToken(raw))
	if err != nil {
		return rbac.Actor{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return rbac.Actor{}, auth.ErrRevokedToken
	}
	return rbac.Actor{ID: claims.Sub, Role: rbac.Normalize(claims.Role)}, nil
}

// RevokeToken rejects raw on every later request until it would have
// expired anyway.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), raw)
	if err != nil {
		return err
	}
	if err := s.revocations.Revoke(ctx, auth.HashToken(raw), time.Unix(claims.Exp, 0)); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"actor_id": claims.Sub, "jti": claims.JTI}).Info("token revoked")
	return nil
}

// Annotations are advisory comments on a section; they never gate a
// lifecycle transition.

func (s *Service) ListAnnotations(ctx context.Context, actor rbac.Actor, reportID string) ([]store.Annotation, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return s.store.ListAnnotations(ctx, reportID)
}

func (s *Service) CreateAnnotation(ctx context.Context, actor rbac.Actor, reportID string, input AnnotationInput) (store.Annotation, error) {
	if err := s.authorize(actor, rbac.ActionComment, "report", reportID); err != nil {
		return store.Annotation{}, err
	}
	input.SectionID = strings.TrimSpace(input.SectionID)
	input.Body = strings.TrimSpace(input.Body)
	if err := s.validate.Struct(input); err != nil {
		return store.Annotation{}, err
	}
	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		return store.Annotation{}, err
	}
	if _, ok := findSection(sections, input.SectionID); !ok {
		return store.Annotation{}, notFound("section")
	}

	annotation := store.Annotation{
		ID:        util.NewID("ann"),
		ReportID:  reportID,
		SectionID: input.SectionID,
		AuthorID:  actor.ID,
		Body:      input.Body,
		Anchor:    strings.TrimSpace(input.Anchor),
		Status:    store.AnnotationOpen,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertAnnotation(ctx, annotation); err != nil {
		return store.Annotation{}, err
	}
	return annotation, nil
}

func (s *Service) ResolveAnnotation(ctx context.Context, actor rbac.Actor, reportID, annotationID string) (store.Annotation, error) {
	if err := s.authorize(actor, rbac.ActionComment, "report", reportID); err != nil {
		return store.Annotation{}, err
	}
	return s.store.ResolveAnnotation(ctx, reportID, annotationID, actor.ID)
}
