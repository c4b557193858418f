package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"atlas/models"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an in-memory database with the schema applied.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql.DB: %v", err)
	}
	// A fresh pool connection would get a fresh empty :memory: database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.User{}, &models.Course{}, &models.Project{}, &models.AccessRequest{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// recordingNotifier counts deliveries so tests can assert on side effects.
type recordingNotifier struct {
	accepted       int
	rejected       int
	lastArchiveURL string
	fail           bool
}

func (n *recordingNotifier) AcceptanceGranted(_ *models.User, _ *models.Project, archiveURL string, _ time.Time) error {
	n.accepted++
	n.lastArchiveURL = archiveURL
	if n.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

func (n *recordingNotifier) RequestRejected(*models.User, *models.Project, string) error {
	n.rejected++
	if n.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

// seedProject creates an owner, a requester, an admin and one project.
func seedProject(t *testing.T, db *gorm.DB) (*models.Project, *models.User, *models.User, *models.User) {
	t.Helper()

	owner := models.User{Name: "Laura", LastName: "Ortiz", Email: "laura@universidad.edu", Role: models.RoleProfessor}
	requester := models.User{Name: "Diego", LastName: "Mora", Email: "diego@universidad.edu", Role: models.RoleStudent}
	admin := models.User{Name: "Admin", Email: "admin@universidad.edu", Role: models.RoleAdmin}
	for _, u := range []*models.User{&owner, &requester, &admin} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("failed to seed user %s: %v", u.Email, err)
		}
	}

	project := models.Project{
		Title:       "Sistema de riego automatizado",
		Type:        models.ProjectThesis,
		OwnerID:     owner.ID,
		ArchivePath: "riego-automatizado.zip",
	}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return &project, &owner, &requester, &admin
}

func newTestService(t *testing.T, db *gorm.DB, n Notifier) *RequestService {
	t.Helper()
	if n == nil {
		n = NoopNotifier{}
	}
	return NewRequestService(db, zap.NewNop(), n, nil, 10)
}

// stubPresigner records the key and expiry it was asked to sign.
type stubPresigner struct {
	lastKey    string
	lastExpiry time.Duration
	err        error
}

func (p *stubPresigner) PresignDownload(_ context.Context, key string, expires time.Duration) (string, error) {
	p.lastKey = key
	p.lastExpiry = expires
	if p.err != nil {
		return "", p.err
	}
	return "https://archives.test/" + key + "?signed", nil
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending request", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		req, err := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if req.Status != models.RequestPending {
			t.Errorf("Status = %q, want %q", req.Status, models.RequestPending)
		}
		if req.UUID == "" {
			t.Error("UUID not set")
		}
		if req.RequestedAt.IsZero() {
			t.Error("RequestedAt not set")
		}
		if req.Comments != "" || req.DownloadDeadline != nil {
			t.Error("new request must have no comments and no deadline")
		}
	})

	t.Run("rejects empty motive", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.Create(ctx, project.ID, requester.ID, "   "); !errors.Is(err, ErrEmptyMotive) {
			t.Errorf("Create() error = %v, want ErrEmptyMotive", err)
		}
	})

	t.Run("rejects the owner", func(t *testing.T) {
		db := newTestDB(t)
		project, owner, _, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.Create(ctx, project.ID, owner.ID, "my own work"); !errors.Is(err, ErrOwnProject) {
			t.Errorf("Create() error = %v, want ErrOwnProject", err)
		}
	})

	t.Run("rejects unknown project", func(t *testing.T) {
		db := newTestDB(t)
		_, _, requester, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.Create(ctx, 9999, requester.ID, "curious"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Create() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rejects a second pending request for the same pair", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.Create(ctx, project.ID, requester.ID, "first"); err != nil {
			t.Fatalf("first Create() error = %v", err)
		}
		if _, err := svc.Create(ctx, project.ID, requester.ID, "second"); !errors.Is(err, ErrDuplicateRequest) {
			t.Errorf("second Create() error = %v, want ErrDuplicateRequest", err)
		}

		var count int64
		db.Model(&models.AccessRequest{}).Count(&count)
		if count != 1 {
			t.Errorf("request count = %d, want 1", count)
		}
	})

	t.Run("allows a new request after the previous one is resolved", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		svc := newTestService(t, db, nil)

		first, err := svc.Create(ctx, project.ID, requester.ID, "first")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := svc.Reject(ctx, first.ID, admin.ID, "come back with a motive"); err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
		if _, err := svc.Create(ctx, project.ID, requester.ID, "second, with details"); err != nil {
			t.Errorf("Create() after rejection error = %v", err)
		}
	})
}

func TestCheckPending(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	project, _, requester, _ := seedProject(t, db)
	svc := newTestService(t, db, nil)

	pending, err := svc.CheckPending(ctx, project.ID, requester.ID)
	if err != nil {
		t.Fatalf("CheckPending() error = %v", err)
	}
	if pending {
		t.Error("CheckPending() = true before any request")
	}

	if _, err := svc.Create(ctx, project.ID, requester.ID, "thesis review"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pending, err = svc.CheckPending(ctx, project.ID, requester.ID)
	if err != nil {
		t.Fatalf("CheckPending() error = %v", err)
	}
	if !pending {
		t.Error("CheckPending() = false after creating a request")
	}
}

func TestAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("moves pending to accepted with a deadline", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{}
		svc := newTestService(t, db, notifier)

		created, err := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		accepted, err := svc.Accept(ctx, created.ID, admin.ID)
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if accepted.Status != models.RequestAccepted {
			t.Errorf("Status = %q, want %q", accepted.Status, models.RequestAccepted)
		}
		if accepted.AdminID == nil || *accepted.AdminID != admin.ID {
			t.Errorf("AdminID = %v, want %d", accepted.AdminID, admin.ID)
		}
		if accepted.RespondedAt == nil {
			t.Fatal("RespondedAt not set")
		}
		if accepted.DownloadDeadline == nil {
			t.Fatal("DownloadDeadline not set")
		}
		wantDeadline := accepted.RespondedAt.AddDate(0, 0, 10)
		if !accepted.DownloadDeadline.Equal(wantDeadline) {
			t.Errorf("DownloadDeadline = %v, want %v", accepted.DownloadDeadline, wantDeadline)
		}
		if notifier.accepted != 1 {
			t.Errorf("acceptance emails = %d, want 1", notifier.accepted)
		}
		if notifier.lastArchiveURL != project.ArchivePath {
			t.Errorf("archive URL = %q, want the raw path %q without a presigner", notifier.lastArchiveURL, project.ArchivePath)
		}

		// The persisted row must match what the caller saw.
		var stored models.AccessRequest
		if err := db.First(&stored, created.ID).Error; err != nil {
			t.Fatalf("reload: %v", err)
		}
		if stored.Status != models.RequestAccepted || stored.DownloadDeadline == nil {
			t.Errorf("stored row = %+v, want accepted with deadline", stored)
		}
		if stored.Comments != "" {
			t.Errorf("Comments = %q on accepted request, want empty", stored.Comments)
		}
	})

	t.Run("email carries a presigned archive link", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{}
		presigner := &stubPresigner{}
		svc := NewRequestService(db, zap.NewNop(), notifier, presigner, 10)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}

		want := "https://archives.test/" + project.ArchivePath + "?signed"
		if notifier.lastArchiveURL != want {
			t.Errorf("archive URL = %q, want %q", notifier.lastArchiveURL, want)
		}
		if presigner.lastKey != project.ArchivePath {
			t.Errorf("presigned key = %q, want %q", presigner.lastKey, project.ArchivePath)
		}
		// A ten-day window is capped at the seven-day signature limit.
		if presigner.lastExpiry != 7*24*time.Hour {
			t.Errorf("presign expiry = %v, want %v", presigner.lastExpiry, 7*24*time.Hour)
		}
	})

	t.Run("falls back to the raw path when presigning fails", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{}
		presigner := &stubPresigner{err: errors.New("endpoint unreachable")}
		svc := NewRequestService(db, zap.NewNop(), notifier, presigner, 10)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v, presign failure must not surface", err)
		}
		if notifier.accepted != 1 {
			t.Errorf("acceptance emails = %d, want 1", notifier.accepted)
		}
		if notifier.lastArchiveURL != project.ArchivePath {
			t.Errorf("archive URL = %q, want fallback %q", notifier.lastArchiveURL, project.ArchivePath)
		}
	})

	t.Run("second accept fails and sends no second email", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{}
		svc := newTestService(t, db, notifier)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("first Accept() error = %v", err)
		}
		if _, err := svc.Accept(ctx, created.ID, admin.ID); !errors.Is(err, ErrNotPending) {
			t.Errorf("second Accept() error = %v, want ErrNotPending", err)
		}
		if notifier.accepted != 1 {
			t.Errorf("acceptance emails = %d, want 1", notifier.accepted)
		}
	})

	t.Run("unknown request id", func(t *testing.T) {
		db := newTestDB(t)
		seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.Accept(ctx, 4242, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("Accept() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("state change survives a failed email", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{fail: true}
		svc := newTestService(t, db, notifier)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v, notification failure must not surface", err)
		}

		var stored models.AccessRequest
		db.First(&stored, created.ID)
		if stored.Status != models.RequestAccepted {
			t.Errorf("Status = %q after failed email, want %q", stored.Status, models.RequestAccepted)
		}
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the comments verbatim", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		notifier := &recordingNotifier{}
		svc := newTestService(t, db, notifier)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		rejected, err := svc.Reject(ctx, created.ID, admin.ID, "insufficient justification")
		if err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
		if rejected.Status != models.RequestRejected {
			t.Errorf("Status = %q, want %q", rejected.Status, models.RequestRejected)
		}
		if rejected.Comments != "insufficient justification" {
			t.Errorf("Comments = %q, want them verbatim", rejected.Comments)
		}
		if rejected.DownloadDeadline != nil {
			t.Error("rejected request must have no download deadline")
		}
		if notifier.rejected != 1 {
			t.Errorf("rejection emails = %d, want 1", notifier.rejected)
		}
	})

	t.Run("requires comments", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		svc := newTestService(t, db, nil)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Reject(ctx, created.ID, admin.ID, ""); !errors.Is(err, ErrEmptyComments) {
			t.Errorf("Reject() error = %v, want ErrEmptyComments", err)
		}
	})

	t.Run("cannot reject a resolved request", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		svc := newTestService(t, db, nil)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if _, err := svc.Reject(ctx, created.ID, admin.ID, "too late"); !errors.Is(err, ErrNotPending) {
			t.Errorf("Reject() error = %v, want ErrNotPending", err)
		}
	})
}

func TestActiveGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("no accepted request", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, _ := seedProject(t, db)
		svc := newTestService(t, db, nil)

		if _, err := svc.ActiveGrant(ctx, project.ID, requester.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("ActiveGrant() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("within the window", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		svc := newTestService(t, db, nil)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		grant, err := svc.ActiveGrant(ctx, project.ID, requester.ID)
		if err != nil {
			t.Fatalf("ActiveGrant() error = %v", err)
		}
		if grant.ID != created.ID {
			t.Errorf("grant ID = %d, want %d", grant.ID, created.ID)
		}
	})

	t.Run("past the deadline", func(t *testing.T) {
		db := newTestDB(t)
		project, _, requester, admin := seedProject(t, db)
		svc := newTestService(t, db, nil)

		created, _ := svc.Create(ctx, project.ID, requester.ID, "thesis review")
		if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		// Backdate the deadline; the sweep has not relabeled the row,
		// the check must still deny the download.
		past := time.Now().Add(-24 * time.Hour)
		db.Model(&models.AccessRequest{}).Where("id = ?", created.ID).
			Update("fecha_limite_descarga", past)

		if _, err := svc.ActiveGrant(ctx, project.ID, requester.ID); !errors.Is(err, ErrWindowExpired) {
			t.Errorf("ActiveGrant() error = %v, want ErrWindowExpired", err)
		}
	})
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	project, _, requester, _ := seedProject(t, db)
	svc := newTestService(t, db, nil)

	other := models.User{Name: "Sofía", Email: "sofia@universidad.edu", Role: models.RoleStudent}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if _, err := svc.Create(ctx, project.ID, requester.ID, "thesis review"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Create(ctx, project.ID, other.ID, "comparative study"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	all, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll() = %d requests, want 2", len(all))
	}
	for _, r := range all {
		if r.Project == nil || r.Project.Title == "" {
			t.Error("ListAll() request missing project")
		}
		if r.Requester == nil || r.Requester.Name == "" {
			t.Error("ListAll() request missing requester")
		}
	}

	mine, err := svc.ListByRequester(ctx, requester.ID)
	if err != nil {
		t.Fatalf("ListByRequester() error = %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("ListByRequester() = %d requests, want 1", len(mine))
	}
	if mine[0].RequesterID != requester.ID {
		t.Errorf("RequesterID = %d, want %d", mine[0].RequesterID, requester.ID)
	}
}

// TestStatusDomain walks a request through its lifecycle and checks the
// invariants after every step: status stays in the defined set, comments
// exist iff rejected, deadline exists iff accepted or a descendant.
func TestStatusDomain(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	project, _, requester, admin := seedProject(t, db)
	svc := newTestService(t, db, nil)

	valid := map[string]bool{
		models.RequestPending:  true,
		models.RequestAccepted: true,
		models.RequestRejected: true,
		models.RequestClosed:   true,
		models.RequestExpired:  true,
	}

	check := func(t *testing.T) {
		t.Helper()
		var reqs []models.AccessRequest
		if err := db.Find(&reqs).Error; err != nil {
			t.Fatalf("load requests: %v", err)
		}
		for _, r := range reqs {
			if !valid[r.Status] {
				t.Errorf("request %d has status %q outside the defined set", r.ID, r.Status)
			}
			if (r.Status == models.RequestRejected) != (r.Comments != "") {
				t.Errorf("request %d: comments %q with status %q", r.ID, r.Comments, r.Status)
			}
			acceptedOrLater := r.Status == models.RequestAccepted ||
				r.Status == models.RequestClosed || r.Status == models.RequestExpired
			if acceptedOrLater && r.DownloadDeadline == nil {
				t.Errorf("request %d: status %q without download deadline", r.ID, r.Status)
			}
			if !acceptedOrLater && r.DownloadDeadline != nil {
				t.Errorf("request %d: status %q with download deadline", r.ID, r.Status)
			}
		}
	}

	created, err := svc.Create(ctx, project.ID, requester.ID, "thesis review")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	check(t)

	if _, err := svc.Accept(ctx, created.ID, admin.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	check(t)

	// Expire it through the sweep and re-check.
	past := time.Now().Add(-time.Hour)
	db.Model(&models.AccessRequest{}).Where("id = ?", created.ID).
		Update("fecha_limite_descarga", past)
	NewSweepService(db, zap.NewNop()).Run(ctx)
	check(t)

	var final models.AccessRequest
	db.First(&final, created.ID)
	if final.Status != models.RequestExpired {
		t.Errorf("final status = %q, want %q", final.Status, models.RequestExpired)
	}
}
