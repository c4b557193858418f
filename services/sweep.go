package services

import (
	"context"
	"time"

	"atlas/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	sweepCoursesClosed   prometheus.Counter
	sweepRequestsClosed  prometheus.Counter
	sweepRequestsExpired prometheus.Counter
)

func init() {
	sweepCoursesClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_sweep_courses_closed_total",
		Help: "Total number of courses closed by the daily sweep.",
	})
	sweepRequestsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_sweep_requests_closed_total",
		Help: "Total number of accepted requests closed because their course ended.",
	})
	sweepRequestsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_sweep_requests_expired_total",
		Help: "Total number of accepted requests expired past their download deadline.",
	})
	prometheus.MustRegister(sweepCoursesClosed, sweepRequestsClosed, sweepRequestsExpired)
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	CoursesClosed   int64
	RequestsClosed  int64
	RequestsExpired int64
	Errors          int
}

// SweepService advances time-based state transitions once a day. Every
// rule is a single idempotent UPDATE; a failing rule is logged and the
// remaining rules still run, so one bad day never blocks the next.
type SweepService struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewSweepService wires the sweep.
func NewSweepService(db *gorm.DB, logger *zap.Logger) *SweepService {
	return &SweepService{DB: db, Logger: logger}
}

// Run executes all sweep rules. Course closure runs before request
// expiry, so an accepted request on a course that just ended reads
// closed rather than expired even when its deadline also lapsed.
func (s *SweepService) Run(ctx context.Context) SweepResult {
	now := time.Now()
	var result SweepResult

	// Open courses past their end date stop accepting submissions.
	// "<=" rather than "=" so a missed run is caught up the next day.
	res := s.DB.WithContext(ctx).Model(&models.Course{}).
		Where("estado = ? AND fecha_fin IS NOT NULL AND fecha_fin <= ?", models.CourseOpen, now).
		Update("estado", models.CourseClosed)
	if res.Error != nil {
		s.Logger.Error("Sweep: closing courses failed", zap.Error(res.Error))
		result.Errors++
	} else {
		result.CoursesClosed = res.RowsAffected
		sweepCoursesClosed.Add(float64(res.RowsAffected))
	}

	// Accepted requests on a closed course: the cycle concluded. Only
	// grants issued while the course was still running are closed here;
	// a grant issued after the course ended keeps its window and is
	// left to the deadline rule.
	res = s.DB.WithContext(ctx).Model(&models.AccessRequest{}).
		Where("status_solicitud = ? AND EXISTS ("+
			"SELECT 1 FROM proyectos JOIN cursos ON cursos.codigo = proyectos.curso_codigo "+
			"WHERE proyectos.id = solicitudes.proyecto_id AND cursos.estado = ? "+
			"AND cursos.fecha_fin >= solicitudes.fecha_respuesta)",
			models.RequestAccepted, models.CourseClosed).
		Update("status_solicitud", models.RequestClosed)
	if res.Error != nil {
		s.Logger.Error("Sweep: closing requests failed", zap.Error(res.Error))
		result.Errors++
	} else {
		result.RequestsClosed = res.RowsAffected
		sweepRequestsClosed.Add(float64(res.RowsAffected))
	}

	// Accepted requests whose download window lapsed.
	res = s.DB.WithContext(ctx).Model(&models.AccessRequest{}).
		Where("status_solicitud = ? AND fecha_limite_descarga < ?", models.RequestAccepted, now).
		Update("status_solicitud", models.RequestExpired)
	if res.Error != nil {
		s.Logger.Error("Sweep: expiring requests failed", zap.Error(res.Error))
		result.Errors++
	} else {
		result.RequestsExpired = res.RowsAffected
		sweepRequestsExpired.Add(float64(res.RowsAffected))
	}

	s.Logger.Info("Sweep completed",
		zap.Int64("courses_closed", result.CoursesClosed),
		zap.Int64("requests_closed", result.RequestsClosed),
		zap.Int64("requests_expired", result.RequestsExpired),
		zap.Int("errors", result.Errors))
	return result
}
