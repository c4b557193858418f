package models

import "time"

// Project types.
const (
	ProjectCourseWork = "curso"
	ProjectThesis     = "tesis"
)

// Project is an uploaded academic work (thesis or course assignment).
// The archive itself lives in the S3 store; ArchivePath is its object key.
type Project struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Title       string    `json:"titulo" gorm:"column:titulo;not null;index"`
	Description string    `json:"descripcion" gorm:"column:descripcion;type:text"`
	ArchivePath string    `json:"ruta_archivo,omitempty" gorm:"column:ruta_archivo"`
	Licensed    bool      `json:"licencia" gorm:"column:licencia;default:false"`
	LicenseDesc string    `json:"descripcion_licencia,omitempty" gorm:"column:descripcion_licencia;type:text"`
	Type        string    `json:"tipo" gorm:"column:tipo;type:varchar(16);not null;index"`
	CourseCode  *string   `json:"curso_codigo,omitempty" gorm:"column:curso_codigo;size:32;index"`
	OwnerID     uint      `json:"usuario_id" gorm:"column:usuario_id;not null;index"`
	CreatedAt   time.Time `json:"fecha_creacion" gorm:"column:fecha_creacion"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Popularity counters, bumped on detail views and archive downloads.
	Views     int `json:"vistas" gorm:"column:vistas;default:0"`
	Downloads int `json:"descargas" gorm:"column:descargas;default:0"`

	Owner  *User   `json:"propietario,omitempty" gorm:"foreignKey:OwnerID"`
	Course *Course `json:"curso,omitempty" gorm:"foreignKey:CourseCode;references:Code"`
}

func (Project) TableName() string { return "proyectos" }
