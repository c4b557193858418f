package models

import "time"

// Access-request states. pending is the only non-terminal state an admin
// can act on; accepted is moved to closed or expired by the daily sweep.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
	RequestClosed   = "closed"
	RequestExpired  = "expired"
)

// AccessRequest is a request by a non-owner to download a project's
// archive. Column names follow the original solicitudes schema.
//
// The partial unique index on (proyecto_id, solicitante_id) where the
// status is pending makes the one-pending-request-per-pair rule a
// storage-level guarantee rather than a check-then-insert.
type AccessRequest struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	UUID        string `json:"uuid" gorm:"uniqueIndex;size:36"`
	ProjectID   uint   `json:"proyecto_id" gorm:"column:proyecto_id;not null;uniqueIndex:idx_solicitudes_pendiente,where:status_solicitud = 'pending'"`
	RequesterID uint   `json:"solicitante_id" gorm:"column:solicitante_id;not null;uniqueIndex:idx_solicitudes_pendiente,where:status_solicitud = 'pending'"`
	Motive      string `json:"motivo" gorm:"column:motivo;type:text;not null"`
	Status      string `json:"status_solicitud" gorm:"column:status_solicitud;type:varchar(16);not null;default:'pending';index"`

	RequestedAt time.Time  `json:"fecha_solicitud" gorm:"column:fecha_solicitud;not null"`
	AdminID     *uint      `json:"respuesta_admin_id,omitempty" gorm:"column:respuesta_admin_id"`
	RespondedAt *time.Time `json:"fecha_respuesta,omitempty" gorm:"column:fecha_respuesta"`

	// Set if and only if the request was rejected.
	Comments string `json:"comentarios,omitempty" gorm:"column:comentarios;type:text"`
	// Set if and only if the request is or was accepted.
	DownloadDeadline *time.Time `json:"fecha_limite_descarga,omitempty" gorm:"column:fecha_limite_descarga"`

	Project   *Project `json:"proyecto,omitempty" gorm:"foreignKey:ProjectID"`
	Requester *User    `json:"solicitante,omitempty" gorm:"foreignKey:RequesterID"`
}

func (AccessRequest) TableName() string { return "solicitudes" }

// IsPending reports whether an admin can still act on the request.
func (r *AccessRequest) IsPending() bool { return r.Status == RequestPending }

// Terminal reports whether the request can never change state again.
func (r *AccessRequest) Terminal() bool {
	return r.Status == RequestRejected || r.Status == RequestClosed || r.Status == RequestExpired
}

// DownloadableAt reports whether the archive may be fetched at t:
// the request is accepted and t is within the download window.
func (r *AccessRequest) DownloadableAt(t time.Time) bool {
	return r.Status == RequestAccepted && r.DownloadDeadline != nil && !t.After(*r.DownloadDeadline)
}
