package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlas/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Lifecycle errors. ErrNotPending deliberately maps to the same HTTP
// status as ErrNotFound: a request that is no longer pending is gone
// from the reviewer's point of view.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotPending       = errors.New("request is not pending")
	ErrDuplicateRequest = errors.New("a pending request already exists for this project")
	ErrEmptyMotive      = errors.New("motive must not be empty")
	ErrEmptyComments    = errors.New("rejection comments must not be empty")
	ErrOwnProject       = errors.New("cannot request access to your own project")
	ErrWindowExpired    = errors.New("download window has expired")
)

var (
	requestsCreated  prometheus.Counter
	requestsAccepted prometheus.Counter
	requestsRejected prometheus.Counter
	notifyFailures   prometheus.Counter
)

func init() {
	requestsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_requests_created_total",
		Help: "Total number of access requests created.",
	})
	requestsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_requests_accepted_total",
		Help: "Total number of access requests accepted.",
	})
	requestsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_requests_rejected_total",
		Help: "Total number of access requests rejected.",
	})
	notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_notify_failures_total",
		Help: "Total number of notification emails that failed to send.",
	})
	prometheus.MustRegister(requestsCreated, requestsAccepted, requestsRejected, notifyFailures)
}

// ArchivePresigner mints time-limited download URLs for archive object
// keys. *storage.ArchiveStore satisfies it; nil disables presigning.
type ArchivePresigner interface {
	PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error)
}

// RequestService implements the access-request lifecycle: creation by a
// requester, review by an admin, and the download-window check. The
// daily sweep (SweepService) owns the accepted -> closed/expired moves.
type RequestService struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	Notifier   Notifier
	Presigner  ArchivePresigner
	WindowDays int
}

// NewRequestService wires the lifecycle service.
func NewRequestService(db *gorm.DB, logger *zap.Logger, notifier Notifier, presigner ArchivePresigner, windowDays int) *RequestService {
	if windowDays <= 0 {
		windowDays = 10
	}
	return &RequestService{DB: db, Logger: logger, Notifier: notifier, Presigner: presigner, WindowDays: windowDays}
}

// Create inserts a new pending request. The insert itself is the
// duplicate guard: the partial unique index on (proyecto_id,
// solicitante_id) where status is pending rejects a second pending row
// atomically, so two concurrent creates cannot both succeed.
func (s *RequestService) Create(ctx context.Context, projectID, requesterID uint, motive string) (*models.AccessRequest, error) {
	if strings.TrimSpace(motive) == "" {
		return nil, ErrEmptyMotive
	}

	var project models.Project
	if err := s.DB.WithContext(ctx).First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project %d: %w", projectID, ErrNotFound)
		}
		return nil, err
	}
	if project.OwnerID == requesterID {
		return nil, ErrOwnProject
	}

	req := models.AccessRequest{
		UUID:        uuid.NewString(),
		ProjectID:   projectID,
		RequesterID: requesterID,
		Motive:      motive,
		Status:      models.RequestPending,
		RequestedAt: time.Now(),
	}
	if err := s.DB.WithContext(ctx).Create(&req).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, err
	}

	requestsCreated.Inc()
	s.Logger.Info("Access request created",
		zap.Uint("request_id", req.ID),
		zap.Uint("project_id", projectID),
		zap.Uint("requester_id", requesterID))
	return &req, nil
}

// CheckPending reports whether a pending request exists for the pair.
// Exposed so the client can warn before submitting; Create does not rely
// on it.
func (s *RequestService) CheckPending(ctx context.Context, projectID, requesterID uint) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.AccessRequest{}).
		Where("proyecto_id = ? AND solicitante_id = ? AND status_solicitud = ?",
			projectID, requesterID, models.RequestPending).
		Count(&count).Error
	return count > 0, err
}

// Accept moves a pending request to accepted, records the reviewer and
// the download deadline, and then emails the requester. The state change
// commits before the email is attempted; a failed send is logged and
// counted but never rolls the transition back.
func (s *RequestService) Accept(ctx context.Context, requestID, adminID uint) (*models.AccessRequest, error) {
	var req models.AccessRequest
	var project models.Project
	var requester models.User

	now := time.Now()
	deadline := now.AddDate(0, 0, s.WindowDays)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("request %d: %w", requestID, ErrNotFound)
			}
			return err
		}
		if err := tx.First(&project, req.ProjectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("project %d: %w", req.ProjectID, ErrNotFound)
			}
			return err
		}
		if err := tx.First(&requester, req.RequesterID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("requester %d: %w", req.RequesterID, ErrNotFound)
			}
			return err
		}

		// The WHERE guard makes a second Accept a no-op that reports
		// ErrNotPending instead of silently re-accepting.
		res := tx.Model(&models.AccessRequest{}).
			Where("id = ? AND status_solicitud = ?", requestID, models.RequestPending).
			Updates(map[string]interface{}{
				"status_solicitud":      models.RequestAccepted,
				"respuesta_admin_id":    adminID,
				"fecha_respuesta":       now,
				"fecha_limite_descarga": deadline,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotPending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.Status = models.RequestAccepted
	req.AdminID = &adminID
	req.RespondedAt = &now
	req.DownloadDeadline = &deadline

	requestsAccepted.Inc()
	s.Logger.Info("Access request accepted",
		zap.Uint("request_id", req.ID),
		zap.Uint("admin_id", adminID),
		zap.Time("download_deadline", deadline))

	archiveURL := project.ArchivePath
	if s.Presigner != nil && project.ArchivePath != "" {
		// SigV4 caps presigned URLs at seven days, so a ten-day window
		// email link may lapse early; the descargar endpoint keeps
		// working until the deadline.
		expiry := time.Until(deadline)
		if max := 7 * 24 * time.Hour; expiry > max {
			expiry = max
		}
		url, perr := s.Presigner.PresignDownload(ctx, project.ArchivePath, expiry)
		if perr != nil {
			s.Logger.Error("Presign for acceptance email failed", zap.Uint("request_id", req.ID), zap.Error(perr))
		} else {
			archiveURL = url
		}
	}

	if err := s.Notifier.AcceptanceGranted(&requester, &project, archiveURL, deadline); err != nil {
		notifyFailures.Inc()
		s.Logger.Error("Acceptance notification failed", zap.Uint("request_id", req.ID), zap.Error(err))
	}
	return &req, nil
}

// Reject moves a pending request to rejected and stores the reviewer's
// comments. Same commit-then-notify policy as Accept.
func (s *RequestService) Reject(ctx context.Context, requestID, adminID uint, comments string) (*models.AccessRequest, error) {
	if strings.TrimSpace(comments) == "" {
		return nil, ErrEmptyComments
	}

	var req models.AccessRequest
	var project models.Project
	var requester models.User

	now := time.Now()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("request %d: %w", requestID, ErrNotFound)
			}
			return err
		}
		if err := tx.First(&project, req.ProjectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("project %d: %w", req.ProjectID, ErrNotFound)
			}
			return err
		}
		if err := tx.First(&requester, req.RequesterID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("requester %d: %w", req.RequesterID, ErrNotFound)
			}
			return err
		}

		res := tx.Model(&models.AccessRequest{}).
			Where("id = ? AND status_solicitud = ?", requestID, models.RequestPending).
			Updates(map[string]interface{}{
				"status_solicitud":   models.RequestRejected,
				"respuesta_admin_id": adminID,
				"fecha_respuesta":    now,
				"comentarios":        comments,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotPending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.Status = models.RequestRejected
	req.AdminID = &adminID
	req.RespondedAt = &now
	req.Comments = comments

	requestsRejected.Inc()
	s.Logger.Info("Access request rejected",
		zap.Uint("request_id", req.ID),
		zap.Uint("admin_id", adminID))

	if err := s.Notifier.RequestRejected(&requester, &project, comments); err != nil {
		notifyFailures.Inc()
		s.Logger.Error("Rejection notification failed", zap.Uint("request_id", req.ID), zap.Error(err))
	}
	return &req, nil
}

// ActiveGrant returns the accepted request that currently entitles the
// user to download the project archive. ErrNotFound when no accepted
// request exists, ErrWindowExpired when the deadline has passed (the
// sweep may not have relabeled the row yet; this check is authoritative
// regardless).
func (s *RequestService) ActiveGrant(ctx context.Context, projectID, requesterID uint) (*models.AccessRequest, error) {
	var req models.AccessRequest
	err := s.DB.WithContext(ctx).
		Where("proyecto_id = ? AND solicitante_id = ? AND status_solicitud = ?",
			projectID, requesterID, models.RequestAccepted).
		Order("fecha_respuesta desc").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !req.DownloadableAt(time.Now()) {
		return nil, ErrWindowExpired
	}
	return &req, nil
}

// ListAll returns every request with its project and requester, newest
// first. Admin review view.
func (s *RequestService) ListAll(ctx context.Context) ([]models.AccessRequest, error) {
	var reqs []models.AccessRequest
	err := s.DB.WithContext(ctx).
		Preload("Project").
		Preload("Requester").
		Order("fecha_solicitud desc").
		Find(&reqs).Error
	return reqs, err
}

// ListByRequester returns the user's own requests, newest first.
func (s *RequestService) ListByRequester(ctx context.Context, requesterID uint) ([]models.AccessRequest, error) {
	var reqs []models.AccessRequest
	err := s.DB.WithContext(ctx).
		Preload("Project").
		Where("solicitante_id = ?", requesterID).
		Order("fecha_solicitud desc").
		Find(&reqs).Error
	return reqs, err
}

// isUniqueViolation recognizes a unique-index violation from postgres
// (23505), from gorm's translated error, and from sqlite in tests.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
