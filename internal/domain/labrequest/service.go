// Package labrequest drives a test request through Requested, Assigned,
// Completed and Approved. Every transition re-reads the ledger, checks the
// move is legal, performs one write and confirms it landed.
package labrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/consentgate/internal/domain/records"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/blobstore"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/metrics"
)

// listConcurrency bounds parallel detail reads in listings.
const listConcurrency = 8

// Ledger is the requests registry.
type Ledger interface {
	RequestTest(ctx context.Context, req ledger.TestRequest) (int64, error)
	AssignTest(ctx context.Context, requestID int64, centerID string) error
	GetTestRequest(ctx context.Context, requestID int64) (ledger.TestRequest, error)
	GetPendingRequests(ctx context.Context) ([]int64, error)
	GetDiagnosticRequests(ctx context.Context, centerID string) ([]int64, error)
	ApproveDiagnosticReport(ctx context.Context, requestID int64) error
}

// Reports stores reports and links them to requests.
type Reports interface {
	UploadDiagnosticReport(ctx context.Context, center ledger.Identity, patientShortID, testType, description string, f blobstore.File) (records.Report, error)
	Link(ctx context.Context, requestID, reportIndex int64) (bool, error)
	Report(ctx context.Context, patientID string, reportIndex int64) (records.Report, error)
}

type Resolver interface {
	Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

type Service struct {
	ledger   Ledger
	reports  Reports
	resolver Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(l Ledger, reports Reports, resolver Resolver, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		ledger:   l,
		reports:  reports,
		resolver: resolver,
		metrics:  m,
		logger:   logger.With().Str("component", "labrequest").Logger(),
	}
}

// CreateInput is what a clinician fills in to request a test.
type CreateInput struct {
	PatientID   string `json:"patient_id"`
	TestType    string `json:"test_type"`
	Description string `json:"description"`
}

// CreateRequest records a new request in status Requested.
func (s *Service) CreateRequest(ctx context.Context, clinician ledger.Identity, in CreateInput) (ledger.TestRequest, error) {
	if clinician.Role != ledger.RoleClinician {
		return ledger.TestRequest{}, fmt.Errorf("only clinicians request tests: %w", apperr.ErrPermissionDenied)
	}
	if !ledger.ValidTestType(in.TestType) {
		return ledger.TestRequest{}, fmt.Errorf("%w: unknown test type %q", apperr.ErrInvalidInput, in.TestType)
	}
	patient, err := s.resolver.Resolve(ctx, ledger.RolePatient, strings.TrimSpace(in.PatientID))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return ledger.TestRequest{}, fmt.Errorf("patient %s: %w", in.PatientID, apperr.ErrNotRegistered)
		}
		return ledger.TestRequest{}, err
	}

	id, err := s.ledger.RequestTest(ctx, ledger.TestRequest{
		PatientID:   patient.ShortID,
		ClinicianID: clinician.ShortID,
		TestType:    in.TestType,
		Description: in.Description,
	})
	if err != nil {
		s.metrics.Transition(string(ledger.StatusRequested), metrics.OutcomeError)
		return ledger.TestRequest{}, fmt.Errorf("request test: %w", err)
	}
	req, err := s.ledger.GetTestRequest(ctx, id)
	if err != nil {
		return ledger.TestRequest{}, fmt.Errorf("confirm request %d: %w", id, err)
	}
	s.metrics.Transition(string(ledger.StatusRequested), metrics.OutcomeOK)
	s.logger.Info().Int64("request_id", id).Str("patient", patient.ShortID).Str("clinician", clinician.ShortID).
		Str("test_type", in.TestType).Msg("test requested")
	return req, nil
}

// AssignTest claims a Requested request for center. When two centers race,
// the ledger lets exactly one win and the other gets ErrAlreadyAssigned.
func (s *Service) AssignTest(ctx context.Context, center ledger.Identity, requestID int64) (ledger.TestRequest, error) {
	if center.Role != ledger.RoleDiagnosticCenter {
		return ledger.TestRequest{}, fmt.Errorf("only diagnostic centers take requests: %w", apperr.ErrPermissionDenied)
	}
	req, err := s.ledger.GetTestRequest(ctx, requestID)
	if err != nil {
		return ledger.TestRequest{}, err
	}
	switch {
	case req.DiagnosticCenterID == center.ShortID:
		return req, nil
	case req.DiagnosticCenterID != "":
		s.metrics.Transition(string(ledger.StatusAssigned), metrics.OutcomeDenied)
		return ledger.TestRequest{}, fmt.Errorf("request %d assigned to %s: %w", requestID, req.DiagnosticCenterID, apperr.ErrAlreadyAssigned)
	}

	return s.advance(ctx, req, ledger.StatusAssigned, func() error {
		err := s.ledger.AssignTest(ctx, requestID, center.ShortID)
		if err == nil || apperr.Is(err, apperr.ErrAlreadyAssigned, apperr.ErrLedgerUnavailable) {
			return err
		}
		// a write that lost at commit: the ledger decides who holds it
		cur, rerr := s.ledger.GetTestRequest(ctx, requestID)
		switch {
		case rerr != nil:
			return err
		case cur.DiagnosticCenterID == center.ShortID:
			return nil
		case cur.DiagnosticCenterID != "":
			return fmt.Errorf("request %d assigned to %s: %w", requestID, cur.DiagnosticCenterID, apperr.ErrAlreadyAssigned)
		}
		return err
	}, func(after ledger.TestRequest) error {
		if after.DiagnosticCenterID != center.ShortID {
			return fmt.Errorf("request %d assigned to %s: %w", requestID, after.DiagnosticCenterID, apperr.ErrAlreadyAssigned)
		}
		return nil
	})
}

// UploadReport links an already stored report to the request and moves it
// to Completed. Linking the same report again changes nothing.
func (s *Service) UploadReport(ctx context.Context, center ledger.Identity, requestID, reportIndex int64) (ledger.TestRequest, error) {
	req, err := s.assignedTo(ctx, center, requestID)
	if err != nil {
		return ledger.TestRequest{}, err
	}
	if req.Status != ledger.StatusAssigned && req.ReportIndex != nil && *req.ReportIndex == reportIndex {
		return req, nil
	}

	return s.advance(ctx, req, ledger.StatusCompleted, func() error {
		_, err := s.reports.Link(ctx, requestID, reportIndex)
		return err
	}, func(after ledger.TestRequest) error {
		if after.ReportIndex == nil || *after.ReportIndex != reportIndex {
			return fmt.Errorf("request %d completed with another report: %w", requestID, apperr.ErrAlreadyLinked)
		}
		return nil
	})
}

// ApproveReport moves a Completed request to Approved and confirms its
// report reads back as approved.
func (s *Service) ApproveReport(ctx context.Context, center ledger.Identity, requestID int64) (ledger.TestRequest, error) {
	req, err := s.assignedTo(ctx, center, requestID)
	if err != nil {
		return ledger.TestRequest{}, err
	}
	return s.advance(ctx, req, ledger.StatusApproved, func() error {
		return s.ledger.ApproveDiagnosticReport(ctx, requestID)
	}, func(after ledger.TestRequest) error {
		if after.ReportIndex == nil {
			return fmt.Errorf("approved request %d has no report: %w", requestID, apperr.ErrInvalidTransition)
		}
		rep, err := s.reports.Report(ctx, after.PatientID, *after.ReportIndex)
		if err != nil {
			return err
		}
		if !rep.IsApproved {
			return fmt.Errorf("report %d not approved: %w", rep.ReportIndex, apperr.ErrInvalidTransition)
		}
		return nil
	})
}

// advance runs one transition of req to the status to. write is the single
// ledger write; confirm inspects the re-read request.
func (s *Service) advance(ctx context.Context, req ledger.TestRequest, to ledger.RequestStatus, write func() error, confirm func(ledger.TestRequest) error) (ledger.TestRequest, error) {
	log := s.logger.With().Int64("request_id", req.RequestID).Str("from", string(req.Status)).Str("to", string(to)).Logger()

	if !req.Status.CanAdvanceTo(to) {
		s.metrics.Transition(string(to), metrics.OutcomeDenied)
		return ledger.TestRequest{}, fmt.Errorf("request %d is %s, cannot move to %s: %w", req.RequestID, req.Status, to, apperr.ErrInvalidTransition)
	}
	if err := write(); err != nil {
		outcome := metrics.OutcomeError
		if apperr.Is(err, apperr.ErrAlreadyAssigned, apperr.ErrInvalidTransition, apperr.ErrPermissionDenied) {
			outcome = metrics.OutcomeDenied
		}
		s.metrics.Transition(string(to), outcome)
		log.Warn().Err(err).Msg("transition rejected")
		return ledger.TestRequest{}, err
	}

	after, err := s.ledger.GetTestRequest(ctx, req.RequestID)
	if err != nil {
		s.metrics.Transition(string(to), metrics.OutcomeError)
		return ledger.TestRequest{}, fmt.Errorf("confirm request %d: %w", req.RequestID, err)
	}
	if after.Status != to {
		s.metrics.Transition(string(to), metrics.OutcomeError)
		return ledger.TestRequest{}, fmt.Errorf("request %d reads %s after moving to %s: %w", req.RequestID, after.Status, to, apperr.ErrInvalidTransition)
	}
	if confirm != nil {
		if err := confirm(after); err != nil {
			s.metrics.Transition(string(to), metrics.OutcomeError)
			return ledger.TestRequest{}, err
		}
	}
	s.metrics.Transition(string(to), metrics.OutcomeOK)
	log.Info().Msg("request advanced")
	return after, nil
}

func (s *Service) assignedTo(ctx context.Context, center ledger.Identity, requestID int64) (ledger.TestRequest, error) {
	if center.Role != ledger.RoleDiagnosticCenter {
		return ledger.TestRequest{}, fmt.Errorf("only diagnostic centers handle reports: %w", apperr.ErrPermissionDenied)
	}
	req, err := s.ledger.GetTestRequest(ctx, requestID)
	if err != nil {
		return ledger.TestRequest{}, err
	}
	if req.DiagnosticCenterID != center.ShortID {
		return ledger.TestRequest{}, fmt.Errorf("request %d is not assigned to %s: %w", requestID, center.ShortID, apperr.ErrPermissionDenied)
	}
	return req, nil
}

// FulfillResult reports how far a fulfilment got. A stored but unlinked
// report is a valid outcome; LinkError says why linking stopped and the
// report can be linked again with UploadReport.
type FulfillResult struct {
	Request   ledger.TestRequest  `json:"request"`
	Report    records.Report      `json:"report"`
	State     records.ReportState `json:"state"`
	LinkError string              `json:"link_error,omitempty"`
	Recover   string              `json:"recover,omitempty"`
}

// Fulfill uploads f as the request's report, appends it and links it.
// Failures before the append are errors; a failed link is a result.
func (s *Service) Fulfill(ctx context.Context, center ledger.Identity, requestID int64, description string, f blobstore.File) (FulfillResult, error) {
	req, err := s.assignedTo(ctx, center, requestID)
	if err != nil {
		return FulfillResult{}, err
	}
	if !req.Status.CanAdvanceTo(ledger.StatusCompleted) {
		return FulfillResult{}, fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
	}

	rep, err := s.reports.UploadDiagnosticReport(ctx, center, req.PatientID, req.TestType, description, f)
	if err != nil {
		return FulfillResult{}, err
	}

	res := FulfillResult{Request: req, Report: rep, State: records.StateUnlinked}
	linked, err := s.UploadReport(ctx, center, requestID, rep.ReportIndex)
	if err != nil {
		s.logger.Warn().Err(err).Int64("request_id", requestID).Int64("report_index", rep.ReportIndex).
			Msg("report stored but not linked")
		res.LinkError = apperr.Message(err)
		res.Recover = apperr.Recoverable(err)
		return res, nil
	}
	res.Request = linked
	res.State = records.StateLinked
	res.Report.LinkedRequestID = requestID
	res.Report.State = records.StateLinked
	return res, nil
}

// Get returns a request to a party of it. Any diagnostic center may read a
// request that is still waiting for one.
func (s *Service) Get(ctx context.Context, viewer ledger.Identity, requestID int64) (ledger.TestRequest, error) {
	req, err := s.ledger.GetTestRequest(ctx, requestID)
	if err != nil {
		return ledger.TestRequest{}, err
	}
	if !visible(viewer, req) {
		return ledger.TestRequest{}, fmt.Errorf("request %d: %w", requestID, apperr.ErrPermissionDenied)
	}
	return req, nil
}

func visible(viewer ledger.Identity, req ledger.TestRequest) bool {
	switch viewer.Role {
	case ledger.RolePatient:
		return req.PatientID == viewer.ShortID
	case ledger.RoleClinician:
		return req.ClinicianID == viewer.ShortID
	case ledger.RoleDiagnosticCenter:
		return req.DiagnosticCenterID == viewer.ShortID || req.Status == ledger.StatusRequested
	}
	return false
}

// ListPending returns the requests still waiting for a diagnostic center.
func (s *Service) ListPending(ctx context.Context, center ledger.Identity) ([]ledger.TestRequest, error) {
	if center.Role != ledger.RoleDiagnosticCenter {
		return nil, fmt.Errorf("only diagnostic centers see pending requests: %w", apperr.ErrPermissionDenied)
	}
	ids, err := s.ledger.GetPendingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending requests: %w", err)
	}
	reqs, err := s.details(ctx, ids)
	if err != nil {
		return nil, err
	}
	// a request may have been claimed between the two reads
	out := reqs[:0]
	for _, r := range reqs {
		if r.Status == ledger.StatusRequested {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAssigned returns the requests assigned to center.
func (s *Service) ListAssigned(ctx context.Context, center ledger.Identity) ([]ledger.TestRequest, error) {
	if center.Role != ledger.RoleDiagnosticCenter {
		return nil, fmt.Errorf("only diagnostic centers have assignments: %w", apperr.ErrPermissionDenied)
	}
	ids, err := s.ledger.GetDiagnosticRequests(ctx, center.ShortID)
	if err != nil {
		return nil, fmt.Errorf("assigned requests: %w", err)
	}
	return s.details(ctx, ids)
}

func (s *Service) details(ctx context.Context, ids []int64) ([]ledger.TestRequest, error) {
	out := make([]ledger.TestRequest, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			r, err := s.ledger.GetTestRequest(gctx, id)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("request details: %w", err)
	}
	return out, nil
}
