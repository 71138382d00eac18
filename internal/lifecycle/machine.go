package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(store.Tx) error) error
}

type Machine struct {
	tx     TxRunner
	authz  rbac.Authorizer
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewMachine(tx TxRunner, authz rbac.Authorizer, logger logrus.FieldLogger) *Machine {
	if authz == nil {
		authz = rbac.Matrix{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Machine{tx: tx, authz: authz, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type Request struct {
	ReportID        string
	Action          Action
	ExpectedVersion int
	Actor           rbac.Actor
	Comment         string
}

type Outcome struct {
	Report store.Report
	Record store.TransitionRecord
}

// Apply performs one status-changing action. Guard checks, the version
// compare-and-swap and the history record share a transaction.
func (m *Machine) Apply(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	err := m.tx.RunInTx(ctx, func(tx store.Tx) error {
		report, err := tx.GetReport(ctx, req.ReportID)
		if err != nil {
			return err
		}
		if report.Version != req.ExpectedVersion {
			return &store.VersionConflictError{Expected: req.ExpectedVersion, Current: report.Version}
		}
		to, err := Next(report.Status, req.Action)
		if err != nil {
			return err
		}
		if err := m.authorize(req.Actor, req.Action, report.ID); err != nil {
			return err
		}
		if err := m.guard(ctx, tx, report, req.Action); err != nil {
			return err
		}

		updated, err := tx.CompareAndSetStatus(ctx, report.ID, req.ExpectedVersion, to)
		if err != nil {
			return err
		}
		record := store.TransitionRecord{
			ID:           util.NewID("trn"),
			ReportID:     report.ID,
			FromStatus:   report.Status,
			ToStatus:     to,
			Action:       string(req.Action),
			ActorID:      req.Actor.ID,
			Comment:      strings.TrimSpace(req.Comment),
			VersionAfter: updated.Version,
			CreatedAt:    m.now(),
		}
		if err := tx.InsertTransition(ctx, record); err != nil {
			return err
		}
		out = Outcome{Report: updated, Record: record}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"report_id": out.Report.ID,
		"action":    req.Action,
		"from":      out.Record.FromStatus,
		"to":        out.Record.ToStatus,
		"version":   out.Report.Version,
		"actor_id":  req.Actor.ID,
	}).Info("report transitioned")
	return out, nil
}

// Transition moves a report to status, resolving the action from the
// transition table.
func (m *Machine) Transition(ctx context.Context, reportID string, expectedVersion int, status string, actor rbac.Actor, comment string) (Outcome, error) {
	var current string
	err := m.tx.RunInTx(ctx, func(tx store.Tx) error {
		report, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		current = report.Status
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	action, err := Resolve(current, status)
	if err != nil {
		return Outcome{}, err
	}
	return m.Apply(ctx, Request{ReportID: reportID, Action: action, ExpectedVersion: expectedVersion, Actor: actor, Comment: comment})
}

// Fork copies an approved or published report, with its sections and slice
// configuration, into a new draft that points back at its source.
func (m *Machine) Fork(ctx context.Context, reportID string, actor rbac.Actor, title string) (store.Report, []store.Section, error) {
	var (
		forked   store.Report
		sections []store.Section
	)
	err := m.tx.RunInTx(ctx, func(tx store.Tx) error {
		source, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !Forkable(source.Status) {
			return &IllegalTransitionError{Current: source.Status, Requested: string(ActionFork), Allowed: AllowedStatuses(source.Status)}
		}
		if err := m.authorize(actor, ActionFork, source.ID); err != nil {
			return err
		}

		sourceID := source.ID
		now := m.now()
		forked = store.Report{
			ID:               util.NewID("rpt"),
			Title:            forkTitle(source.Title, title),
			ReportTemplateID: source.ReportTemplateID,
			OwnerID:          actor.ID,
			SliceConfig:      append([]byte(nil), source.SliceConfig...),
			Status:           store.StatusDraft,
			Version:          1,
			ForkedFrom:       &sourceID,
			TimeRangeStart:   copyTime(source.TimeRangeStart),
			TimeRangeEnd:     copyTime(source.TimeRangeEnd),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertReport(ctx, forked); err != nil {
			return err
		}

		originals, err := tx.ListSections(ctx, source.ID)
		if err != nil {
			return err
		}
		sections = make([]store.Section, 0, len(originals))
		for _, original := range originals {
			copied := store.Section{
				ID:             util.NewID("sec"),
				ReportID:       forked.ID,
				Title:          original.Title,
				OrderIndex:     original.OrderIndex,
				Content:        original.Content,
				Charts:         copyCharts(original.Charts),
				SourceSliceIDs: append([]string(nil), original.SourceSliceIDs...),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertSection(ctx, copied); err != nil {
				return err
			}
			sections = append(sections, copied)
		}

		return tx.InsertTransition(ctx, store.TransitionRecord{
			ID:           util.NewID("trn"),
			ReportID:     forked.ID,
			FromStatus:   source.Status,
			ToStatus:     store.StatusDraft,
			Action:       string(ActionFork),
			ActorID:      actor.ID,
			Comment:      "forked from " + source.ID,
			VersionAfter: forked.Version,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return store.Report{}, nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"report_id":   forked.ID,
		"forked_from": reportID,
		"sections":    len(sections),
		"actor_id":    actor.ID,
	}).Info("report forked")
	return forked, sections, nil
}

func (m *Machine) authorize(actor rbac.Actor, action Action, reportID string) error {
	permission, ok := permissions[action]
	if !ok {
		permission = rbac.ActionAdmin
	}
	return m.authz.Authorize(actor, permission, rbac.Resource{Type: "report", ID: reportID})
}

func (m *Machine) guard(ctx context.Context, tx store.Tx, report store.Report, action Action) error {
	switch action {
	case ActionSubmit:
		count, err := tx.CountSections(ctx, report.ID)
		if err != nil {
			return err
		}
		if count == 0 {
			return &GuardError{Action: action, Reason: "report has no sections"}
		}
	case ActionPublish:
		ok, err := tx.HasSucceededPublishJob(ctx, report.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &GuardError{Action: action, Reason: "no publish job has succeeded for this report"}
		}
	}
	return nil
}

func forkTitle(sourceTitle, requested string) string {
	if trimmed := strings.TrimSpace(requested); trimmed != "" {
		return trimmed
	}
	return sourceTitle + " (fork)"
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func copyCharts(charts []store.ChartSpec) []store.ChartSpec {
	if charts == nil {
		return nil
	}
	out := make([]store.ChartSpec, len(charts))
	for i, chart := range charts {
		chart.YFields = append([]string(nil), chart.YFields...)
		out[i] = chart
	}
	return out
}
