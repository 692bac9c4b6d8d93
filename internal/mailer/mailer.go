// Package mailer composes and delivers the transactional emails sent by the worker.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"

	"github.com/resend/resend-go/v2"
)

var ErrNoRecipients = errors.New("at least one recipient is required")

// Message is one outgoing email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ResendSender sends emails via the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a sender with the given API key and from address.
func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from}
}

// Send sends a single email and returns the Resend message id.
func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("resend send failed: %w", err)
	}
	log.Printf("email sent: id=%s to=%v subject=%q", sent.Id, msg.To, msg.Subject)
	return sent.Id, nil
}

// LogSender logs messages instead of sending them; used when no API key is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	log.Printf("email not sent (no provider): to=%v subject=%q", msg.To, msg.Subject)
	return "", nil
}

var templates = template.Must(template.New("verification").Parse(`<p>Hola{{if .Name}} {{.Name}}{{end}},</p>
<p>Confirma tu correo electrónico para activar tu cuenta de Conquiguías:</p>
<p><a href="{{.Link}}">Verificar correo</a></p>
<p>Si no creaste esta cuenta puedes ignorar este mensaje.</p>`))

func init() {
	template.Must(templates.New("password_reset").Parse(`<p>Hola{{if .Name}} {{.Name}}{{end}},</p>
<p>Recibimos una solicitud para restablecer tu contraseña.</p>
<p><a href="{{.Link}}">Elegir una nueva contraseña</a></p>
<p>Si no la solicitaste, ignora este correo.</p>`))
	template.Must(templates.New("eligible").Parse(`<p>¡Felicidades{{if .Name}} {{.Name}}{{end}}!</p>
<p>Completaste las tres asistencias de <strong>{{.Form}}</strong>.</p>
<p>Ya puedes presentar el examen de la especialidad.</p>`))
}

type templateData struct {
	Name string
	Link string
	Form string
}

func render(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// VerificationEmail builds the account verification message.
func VerificationEmail(to, name, link string) (Message, error) {
	html, err := render("verification", templateData{Name: name, Link: link})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Verifica tu correo", HTML: html}, nil
}

// PasswordResetEmail builds the password reset message.
func PasswordResetEmail(to, name, link string) (Message, error) {
	html, err := render("password_reset", templateData{Name: name, Link: link})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Restablece tu contraseña", HTML: html}, nil
}

// EligibilityEmail tells a visitor they completed every checkpoint of a form.
func EligibilityEmail(to, name, form string) (Message, error) {
	html, err := render("eligible", templateData{Name: name, Form: form})
	if err != nil {
		return Message{}, err
	}
	return Message{To: []string{to}, Subject: "Ya puedes presentar el examen", HTML: html}, nil
}
