package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/auth"
	"github.com/conquiguias/conquiguias/internal/certification"
	"github.com/conquiguias/conquiguias/internal/cloudinary"
	"github.com/conquiguias/conquiguias/internal/forms"
	"github.com/conquiguias/conquiguias/internal/httpmiddleware"
	"github.com/conquiguias/conquiguias/internal/identity"
	"github.com/conquiguias/conquiguias/internal/imgur"
	"github.com/conquiguias/conquiguias/internal/posts"
	"github.com/conquiguias/conquiguias/internal/profile"
	"github.com/conquiguias/conquiguias/internal/queue"
)

// Identity is the account provider used by the auth actions.
type Identity interface {
	VerifyToken(ctx context.Context, token string) (auth.Claims, error)
	CreateUser(ctx context.Context, in identity.NewUser) (identity.User, error)
	GetUser(ctx context.Context, uid string) (identity.User, error)
	UpdateUser(ctx context.Context, uid string, upd identity.UserUpdate) (identity.User, error)
	GenerateEmailVerificationLink(ctx context.Context, email string) (string, error)
	GeneratePasswordResetLink(ctx context.Context, email string) (string, error)
	VerifyEmail(ctx context.Context, token string) (identity.User, error)
	ResetPassword(ctx context.Context, token, password string) error
	SignIn(ctx context.Context, email, password string) (identity.User, auth.TokenPair, error)
}

// Profiles stores member profiles.
type Profiles interface {
	Get(ctx context.Context, uid string) (profile.Profile, error)
	Set(ctx context.Context, p profile.Profile) error
	Update(ctx context.Context, uid string, u profile.Update) error
	SetEmailVerified(ctx context.Context, uid string) error
}

// Posts stores community posts.
type Posts interface {
	Create(ctx context.Context, in posts.NewPost) (posts.Post, error)
	Stats(ctx context.Context) (posts.Stats, error)
	ListPending(ctx context.Context) ([]posts.Post, error)
	Moderate(ctx context.Context, id, action, moderator, reason string) (string, error)
}

// PhotoStore hosts profile photos.
type PhotoStore interface {
	UploadUserPhoto(ctx context.Context, uid, fileName, data string) (*cloudinary.UploadResult, error)
	DeleteByToken(ctx context.Context, token string) error
}

// ImageHost hosts post images.
type ImageHost interface {
	Upload(ctx context.Context, body []byte, contentType string) (imgur.Image, error)
	Delete(ctx context.Context, deleteHash string) error
}

// Certifications finds a member's attendance across forms.
type Certifications interface {
	ForEmail(ctx context.Context, email string) ([]certification.Certification, error)
}

// Publisher enqueues notifications for the worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Deps are the collaborators of Handler. Photos, Images and Queue may be nil.
type Deps struct {
	Attendance     *attendance.Service
	Forms          forms.Source
	Identity       Identity
	Profiles       Profiles
	Posts          Posts
	Certifications Certifications
	Photos         PhotoStore
	Images         ImageHost
	Queue          Publisher
	Signer         auth.Signer
	Admins         []string
	AllowedOrigins []string
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	return &Handler{Deps: d}
}

// Register mounts every API route on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	{
		api.GET("/forms/:id", h.GetForm)
		api.GET("/forms/:id/responses", auth.Bearer(h.Signer), auth.AdminOnly(h.Admins), h.ListResponses)
		api.POST("/attendance", h.MarkAttendance)

		api.POST("/auth", h.AuthAction)

		api.POST("/upload", httpmiddleware.RequireOrigin(h.AllowedOrigins), h.UploadImage)
		api.DELETE("/delete-image", h.DeleteImage)
	}
}

// publish enqueues a notification; failures are logged and never fail the request.
func (h *Handler) publish(ctx context.Context, typ string, payload any) {
	if h.Queue == nil {
		return
	}
	msg, err := queue.NewMessage(typ, payload)
	if err == nil {
		err = h.Queue.Publish(ctx, msg)
	}
	if err != nil {
		log.Printf("queue publish %s failed: %v", typ, err)
	}
}

// strictDecode decodes raw JSON into v rejecting unknown fields, then runs
// the binding validator over v.
func strictDecode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(v)
}

// internalError logs the real error and returns a generic message to the client.
func internalError(c *gin.Context, err error) {
	log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Error interno del servidor"})
}
