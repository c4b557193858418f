package services

import (
	"fmt"
	"time"

	"atlas/config"
	"atlas/models"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Notifier delivers request-lifecycle emails. Delivery is best-effort:
// callers commit the state transition first and only log a failed send.
type Notifier interface {
	// AcceptanceGranted tells the requester where to fetch the archive
	// and until when the download window stays open.
	AcceptanceGranted(to *models.User, project *models.Project, archiveURL string, deadline time.Time) error
	// RequestRejected forwards the reviewer's comments to the requester.
	RequestRejected(to *models.User, project *models.Project, comments string) error
}

// NoopNotifier is used when SMTP is not configured.
type NoopNotifier struct{}

func (NoopNotifier) AcceptanceGranted(*models.User, *models.Project, string, time.Time) error {
	return nil
}
func (NoopNotifier) RequestRejected(*models.User, *models.Project, string) error { return nil }

// MailNotifier sends plain-text email over SMTP.
type MailNotifier struct {
	dialer *gomail.Dialer
	from   string
	log    *zap.Logger
}

// NewMailNotifier wires the SMTP dialer from config.
func NewMailNotifier(cfg *config.Config, log *zap.Logger) *MailNotifier {
	return &MailNotifier{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
		from:   cfg.MailFrom,
		log:    log,
	}
}

func (n *MailNotifier) AcceptanceGranted(to *models.User, project *models.Project, archiveURL string, deadline time.Time) error {
	subject := fmt.Sprintf("Solicitud aceptada: %s", project.Title)
	body := fmt.Sprintf(
		"Hola %s,\n\n"+
			"Tu solicitud de acceso al proyecto \"%s\" fue aceptada.\n\n"+
			"Archivo: %s\n"+
			"Puedes descargarlo hasta el %s.\n\n"+
			"Atlas",
		to.FullName(), project.Title, archiveURL, deadline.Format("02/01/2006"),
	)
	return n.send(to.Email, subject, body)
}

func (n *MailNotifier) RequestRejected(to *models.User, project *models.Project, comments string) error {
	subject := fmt.Sprintf("Solicitud rechazada: %s", project.Title)
	body := fmt.Sprintf(
		"Hola %s,\n\n"+
			"Tu solicitud de acceso al proyecto \"%s\" fue rechazada.\n\n"+
			"Comentarios del administrador:\n%s\n\n"+
			"Atlas",
		to.FullName(), project.Title, comments,
	)
	return n.send(to.Email, subject, body)
}

func (n *MailNotifier) send(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	n.log.Debug("Notification sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
