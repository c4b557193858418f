package models

import "time"

// Course states. A closed course accepts no new submissions.
const (
	CourseOpen   = "abierto"
	CourseClosed = "cerrado"
)

// Course is a professor-managed enrollment unit. Course CRUD lives in
// the admin collaborator; this backend reads courses and closes them
// when their end date passes (sweep).
type Course struct {
	Code        string     `json:"codigo" gorm:"column:codigo;primaryKey;size:32"`
	Name        string     `json:"nombre" gorm:"column:nombre;not null"`
	ProfessorID uint       `json:"profesor_id" gorm:"column:profesor_id;index"`
	StartDate   *time.Time `json:"fecha_inicio" gorm:"column:fecha_inicio"`
	EndDate     *time.Time `json:"fecha_fin" gorm:"column:fecha_fin;index"`
	State       string     `json:"estado" gorm:"column:estado;type:varchar(16);not null;default:'abierto';index"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Course) TableName() string { return "cursos" }
