package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atlas/auth"
	"atlas/config"
	"atlas/models"
	"atlas/services"
	"atlas/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(&models.User{}, &models.Course{}, &models.Project{}, &models.AccessRequest{}); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	seedDefaultAdmin(db, logging)

	// Notifications are best-effort; without SMTP the lifecycle just
	// skips the emails.
	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.SMTPEnabled() {
		notifier = services.NewMailNotifier(cfg, logging)
		logging.Info("SMTP notifier enabled", zap.String("host", cfg.SMTPHost))
	} else {
		logging.Warn("SMTP not configured, request emails disabled")
	}

	var archives *storage.ArchiveStore
	if cfg.ArchiveStoreEnabled() {
		archives, err = storage.NewArchiveStore(cfg)
		if err != nil {
			logging.Fatal("Archive store creation failed", zap.Error(err))
		}
		logging.Info("Archive store enabled", zap.String("bucket", cfg.ArchiveS3Bucket))
	} else {
		logging.Warn("Archive store not configured, downloads return raw archive paths")
	}

	// A plain nil keeps the interface nil; assigning a nil *ArchiveStore
	// directly would not.
	var presigner services.ArchivePresigner
	if archives != nil {
		presigner = archives
	}
	requestService := services.NewRequestService(db, logging, notifier, presigner, cfg.DownloadWindowDays)
	sweepService := services.NewSweepService(db, logging)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", auth.Middleware(cfg.JWTSecret))
	setupRequestRoutes(api, requestService, logging)
	setupProjectRoutes(api, db, requestService, archives, cfg, logging)
	setupCourseRoutes(api, db, logging)

	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled sweep...")
		sweepService.Run(context.Background())
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// lifecycleStatus maps a lifecycle error to its HTTP reply. Unknown
// errors stay out of the response body; callers log them and answer 500.
func lifecycleStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrNotPending):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.Is(err, services.ErrEmptyMotive),
		errors.Is(err, services.ErrEmptyComments),
		errors.Is(err, services.ErrOwnProject):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "server error"
	}
}

func setupRequestRoutes(api *gin.RouterGroup, svc *services.RequestService, log *zap.Logger) {
	rg := api.Group("/solicitudes")

	rg.POST("/crear", func(c *gin.Context) {
		var body struct {
			ProjectID uint   `json:"proyecto_id" binding:"required"`
			Motive    string `json:"motivo"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		req, err := svc.Create(c.Request.Context(), body.ProjectID, auth.CurrentUserID(c), body.Motive)
		if err != nil {
			status, msg := lifecycleStatus(err)
			if status == http.StatusInternalServerError {
				log.Error("Request creation failed", zap.Error(err))
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, req)
	})

	rg.GET("/verificar/:proyectoId", func(c *gin.Context) {
		projectID, err := strconv.ParseUint(c.Param("proyectoId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		pending, err := svc.CheckPending(c.Request.Context(), uint(projectID), auth.CurrentUserID(c))
		if err != nil {
			log.Error("Pending check failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pendiente": pending})
	})

	rg.GET("", auth.RequireAdmin(), func(c *gin.Context) {
		reqs, err := svc.ListAll(c.Request.Context())
		if err != nil {
			log.Error("Request listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, reqs)
	})

	rg.POST("/solicitud/aceptar/:id", auth.RequireAdmin(), func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
			return
		}
		if _, err := svc.Accept(c.Request.Context(), uint(id), auth.CurrentUserID(c)); err != nil {
			status, msg := lifecycleStatus(err)
			if status == http.StatusInternalServerError {
				log.Error("Accept failed", zap.Uint64("request_id", id), zap.Error(err))
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "solicitud aceptada"})
	})

	rg.POST("/solicitud/rechazar/:id", auth.RequireAdmin(), func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
			return
		}
		var body struct {
			Comments string `json:"comentarios"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if _, err := svc.Reject(c.Request.Context(), uint(id), auth.CurrentUserID(c), body.Comments); err != nil {
			status, msg := lifecycleStatus(err)
			if status == http.StatusInternalServerError {
				log.Error("Reject failed", zap.Uint64("request_id", id), zap.Error(err))
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "solicitud rechazada"})
	})

	rg.GET("/misSolicitudes", func(c *gin.Context) {
		reqs, err := svc.ListByRequester(c.Request.Context(), auth.CurrentUserID(c))
		if err != nil {
			log.Error("Own-request listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
			return
		}
		c.JSON(http.StatusOK, reqs)
	})
}

func setupProjectRoutes(api *gin.RouterGroup, db *gorm.DB, svc *services.RequestService, archives *storage.ArchiveStore, cfg *config.Config, log *zap.Logger) {
	rg := api.Group("/proyectos")

	rg.GET("", func(c *gin.Context) {
		var projects []models.Project
		if err := db.Preload("Owner").Order("fecha_creacion desc").Find(&projects).Error; err != nil {
			log.Error("Project listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, projects)
	})

	// Body-driven search across title, author, category, course and date.
	rg.POST("/query", func(c *gin.Context) {
		type ProjectQuery struct {
			Title      string     `json:"titulo"`
			Author     string     `json:"autor"`
			Type       string     `json:"tipo"`
			CourseCode string     `json:"curso_codigo"`
			From       *time.Time `json:"desde"`
			Until      *time.Time `json:"hasta"`
			Limit      int        `json:"limit"`
		}

		var req ProjectQuery
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		query := db.Model(&models.Project{}).Preload("Owner")

		if req.Title != "" {
			query = query.Where("lower(titulo) LIKE lower(?)", "%"+req.Title+"%")
		}
		if req.Author != "" {
			pattern := "%" + req.Author + "%"
			query = query.Joins("JOIN usuarios ON usuarios.id = proyectos.usuario_id").
				Where("lower(usuarios.nombre) LIKE lower(?) OR lower(usuarios.apellido) LIKE lower(?)", pattern, pattern)
		}
		if req.Type != "" {
			query = query.Where("tipo = ?", req.Type)
		}
		if req.CourseCode != "" {
			query = query.Where("curso_codigo = ?", req.CourseCode)
		}
		if req.From != nil {
			query = query.Where("fecha_creacion >= ?", *req.From)
		}
		if req.Until != nil {
			query = query.Where("fecha_creacion <= ?", *req.Until)
		}
		if req.Limit > 0 {
			query = query.Limit(req.Limit)
		}

		var projects []models.Project
		if err := query.Order("descargas desc, fecha_creacion desc").Find(&projects).Error; err != nil {
			log.Error("Project query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, projects)
	})

	rg.GET("/:id", func(c *gin.Context) {
		id := c.Param("id")
		var project models.Project
		if err := db.Preload("Owner").Preload("Course").First(&project, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
				return
			}
			log.Error("Project fetch failed", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if err := db.Model(&project).UpdateColumn("vistas", gorm.Expr("vistas + 1")).Error; err != nil {
			log.Warn("View counter update failed", zap.Uint("project_id", project.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, project)
	})

	rg.POST("", func(c *gin.Context) {
		var body struct {
			Title       string  `json:"titulo" binding:"required"`
			Description string  `json:"descripcion"`
			Type        string  `json:"tipo" binding:"required"`
			CourseCode  *string `json:"curso_codigo"`
			Licensed    bool    `json:"licencia"`
			LicenseDesc string  `json:"descripcion_licencia"`
			ArchivePath string  `json:"ruta_archivo"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if body.Type != models.ProjectCourseWork && body.Type != models.ProjectThesis {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tipo must be curso or tesis"})
			return
		}
		if body.CourseCode != nil {
			var course models.Course
			if err := db.First(&course, "codigo = ?", *body.CourseCode).Error; err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "course not found"})
				return
			}
			if course.State != models.CourseOpen {
				c.JSON(http.StatusBadRequest, gin.H{"error": "course is closed to new submissions"})
				return
			}
		}

		project := models.Project{
			Title:       body.Title,
			Description: body.Description,
			Type:        body.Type,
			CourseCode:  body.CourseCode,
			Licensed:    body.Licensed,
			LicenseDesc: body.LicenseDesc,
			ArchivePath: body.ArchivePath,
			OwnerID:     auth.CurrentUserID(c),
		}
		if err := db.Create(&project).Error; err != nil {
			log.Error("Project creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
			return
		}
		c.JSON(http.StatusCreated, project)
	})

	rg.PUT("/:id", func(c *gin.Context) {
		id := c.Param("id")
		var project models.Project
		if err := db.First(&project, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
				return
			}
			log.Error("Project fetch failed on PUT", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if project.OwnerID != auth.CurrentUserID(c) && !auth.CurrentRole(c).CanReviewRequests() {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the owner or an admin may edit a project"})
			return
		}

		// Bind only the provided fields and whitelist what may change.
		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		updates := map[string]interface{}{}
		for _, col := range []string{"titulo", "descripcion", "licencia", "descripcion_licencia"} {
			if v, ok := updateData[col]; ok {
				updates[col] = v
			}
		}
		if len(updates) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no updatable fields provided"})
			return
		}
		if err := db.Model(&project).Updates(updates).Error; err != nil {
			log.Error("Project update failed", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update project"})
			return
		}
		c.JSON(http.StatusOK, project)
	})

	// Archive fetch, gated by the download window. Owners and admins are
	// always eligible; everyone else needs an accepted, unexpired request.
	rg.GET("/:id/descargar", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		var project models.Project
		if err := db.First(&project, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
				return
			}
			log.Error("Project fetch failed on download", zap.Uint64("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if project.ArchivePath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "project has no archive"})
			return
		}

		userID := auth.CurrentUserID(c)
		if project.OwnerID != userID && !auth.CurrentRole(c).CanReviewRequests() {
			if _, err := svc.ActiveGrant(c.Request.Context(), project.ID, userID); err != nil {
				switch {
				case errors.Is(err, services.ErrWindowExpired):
					c.JSON(http.StatusForbidden, gin.H{"error": "download window has expired"})
				case errors.Is(err, services.ErrNotFound):
					c.JSON(http.StatusForbidden, gin.H{"error": "no accepted access request for this project"})
				default:
					log.Error("Grant lookup failed", zap.Uint64("project_id", id), zap.Error(err))
					c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
				}
				return
			}
		}

		url := project.ArchivePath
		if archives != nil {
			url, err = archives.PresignDownload(c.Request.Context(),
				project.ArchivePath, time.Duration(cfg.PresignExpiryMinutes)*time.Minute)
			if err != nil {
				log.Error("Presign failed", zap.String("key", project.ArchivePath), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
				return
			}
		}
		if err := db.Model(&project).UpdateColumn("descargas", gorm.Expr("descargas + 1")).Error; err != nil {
			log.Warn("Download counter update failed", zap.Uint("project_id", project.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	})
}

func setupCourseRoutes(api *gin.RouterGroup, db *gorm.DB, log *zap.Logger) {
	rg := api.Group("/cursos")
	rg.GET("", func(c *gin.Context) {
		var courses []models.Course
		if err := db.Order("fecha_fin desc").Find(&courses).Error; err != nil {
			log.Error("Course listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, courses)
	})
}

// seedDefaultAdmin guarantees at least one reviewer account exists so a
// fresh deployment can process requests.
func seedDefaultAdmin(db *gorm.DB, logger *zap.Logger) {
	var count int64
	db.Model(&models.User{}).Where("rol = ?", models.RoleAdmin).Count(&count)
	if count > 0 {
		return
	}
	admin := models.User{
		Name:  "Administrador",
		Email: "admin@universidad.edu",
		Role:  models.RoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		logger.Warn("Failed to seed default admin", zap.Error(err))
	} else {
		logger.Info("Default admin seeded.", zap.Uint("id", admin.ID))
	}
}
