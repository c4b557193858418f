// Command ingest uploads a project archive to the S3 store and registers
// the project row. Used by operators to load works that arrive outside
// the web flow (legacy submissions, bulk imports).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"atlas/config"
	"atlas/models"
	"atlas/storage"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	var (
		title      = flag.String("titulo", "", "project title (required)")
		desc       = flag.String("descripcion", "", "project description")
		ptype      = flag.String("tipo", models.ProjectThesis, "project type: curso or tesis")
		courseCode = flag.String("curso", "", "owning course code (optional)")
		ownerID    = flag.Uint("usuario", 0, "owner user id (required)")
		file       = flag.String("archivo", "", "path to the archive file (required)")
	)
	flag.Parse()

	if *title == "" || *ownerID == 0 || *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *ptype != models.ProjectCourseWork && *ptype != models.ProjectThesis {
		log.Fatalf("tipo must be %q or %q", models.ProjectCourseWork, models.ProjectThesis)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.ArchiveStoreEnabled() {
		log.Fatal("archive store is not configured (ARCHIVE_S3_URL)")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	var owner models.User
	if err := db.First(&owner, *ownerID).Error; err != nil {
		log.Fatalf("owner %d: %v", *ownerID, err)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("read archive: %v", err)
	}

	archives, err := storage.NewArchiveStore(cfg)
	if err != nil {
		log.Fatalf("archive store: %v", err)
	}

	key := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(*file))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	link, err := archives.PutArchive(ctx, key, data)
	if err != nil {
		log.Fatalf("upload: %v", err)
	}
	log.Printf("Archive stored at %s", link)

	var code *string
	if *courseCode != "" {
		code = courseCode
	}
	project := models.Project{
		Title:       *title,
		Description: *desc,
		Type:        *ptype,
		CourseCode:  code,
		OwnerID:     *ownerID,
		ArchivePath: key,
	}
	if err := db.Create(&project).Error; err != nil {
		log.Fatalf("register project: %v", err)
	}
	log.Printf("Project %d (%s) registered for %s.", project.ID, project.Title, owner.FullName())
}
