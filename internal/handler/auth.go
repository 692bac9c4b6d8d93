package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/auth"
	"github.com/conquiguias/conquiguias/internal/certification"
	"github.com/conquiguias/conquiguias/internal/identity"
	"github.com/conquiguias/conquiguias/internal/posts"
	"github.com/conquiguias/conquiguias/internal/profile"
	"github.com/conquiguias/conquiguias/internal/queue"
)

type authEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Token  string          `json:"token"`
}

// authCall is one action invocation. claims is nil for anonymous callers.
type authCall struct {
	c      *gin.Context
	data   json.RawMessage
	claims *auth.Claims
}

type authAction func(h *Handler, call authCall)

var authActions = map[string]authAction{
	"register":                  (*Handler).register,
	"signIn":                    (*Handler).signIn,
	"checkAuth":                 (*Handler).checkAuth,
	"resendVerification":        (*Handler).resendVerification,
	"resetPassword":             (*Handler).resetPassword,
	"confirmPasswordReset":      (*Handler).confirmPasswordReset,
	"verifyEmail":               (*Handler).verifyEmail,
	"getProfile":                (*Handler).getProfile,
	"updateProfile":             (*Handler).updateProfile,
	"getAdmins":                 (*Handler).getAdmins,
	"checkEspecialidadesAccess": (*Handler).checkEspecialidadesAccess,
	"getCertificaciones":        (*Handler).getCertificaciones,
	"getAdminData":              (*Handler).getAdminData,
	"moderatePost":              (*Handler).moderatePost,
	"createPost":                (*Handler).createPost,
}

// AuthAction dispatches the account and panel actions sent as {action, data, token}.
func (h *Handler) AuthAction(c *gin.Context) {
	var env authEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Solicitud inválida"})
		return
	}
	if env.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Acción no especificada"})
		return
	}

	token := env.Token
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	call := authCall{c: c, data: env.Data}
	if token != "" {
		claims, err := h.Identity.VerifyToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token inválido o expirado"})
			return
		}
		call.claims = &claims
	}

	action, ok := authActions[env.Action]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Acción no válida"})
		return
	}
	action(h, call)
}

// bind decodes the action data; it writes the 400 response itself.
func (call authCall) bind(v any) bool {
	if err := strictDecode(call.data, v); err != nil {
		call.c.JSON(http.StatusBadRequest, gin.H{"error": "Datos inválidos: " + err.Error()})
		return false
	}
	return true
}

// requireUser writes 401 when the call is anonymous.
func (call authCall) requireUser() bool {
	if call.claims == nil {
		call.c.JSON(http.StatusUnauthorized, gin.H{"error": "No autenticado"})
		return false
	}
	return true
}

// requireAdmin writes 401 or 403 unless the caller is an administrator.
func (h *Handler) requireAdmin(call authCall) bool {
	if !call.requireUser() {
		return false
	}
	if !auth.IsAdmin(h.Admins, call.claims.Email) {
		call.c.JSON(http.StatusForbidden, gin.H{"error": "Acceso denegado"})
		return false
	}
	return true
}

var identityMessages = []struct {
	err error
	msg string
}{
	{identity.ErrEmailExists, "Este correo electrónico ya está registrado"},
	{identity.ErrInvalidEmail, "El formato del correo electrónico no es válido"},
	{identity.ErrWeakPassword, "La contraseña debe tener al menos 6 caracteres"},
	{identity.ErrUserNotFound, "Usuario no encontrado"},
	{identity.ErrInvalidToken, "Token de autenticación inválido"},
	{identity.ErrInvalidCredentials, "Correo o contraseña incorrectos"},
}

func identityError(c *gin.Context, err error) {
	for _, m := range identityMessages {
		if errors.Is(err, m.err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": m.msg})
			return
		}
	}
	internalError(c, err)
}

// ---------- Accounts ----------

type registerData struct {
	Nombre     string         `json:"nombre" binding:"required"`
	Apellido   string         `json:"apellido" binding:"required"`
	Edad       attendance.Age `json:"edad"`
	Sexo       string         `json:"sexo"`
	Pais       string         `json:"pais"`
	Email      string         `json:"email" binding:"required"`
	Password   string         `json:"password" binding:"required"`
	FotoBase64 string         `json:"fotoBase64"`
	FileName   string         `json:"fileName"`
}

func (h *Handler) register(call authCall) {
	var d registerData
	if err := strictDecode(call.data, &d); err != nil {
		call.c.JSON(http.StatusBadRequest, gin.H{"error": "Todos los campos son obligatorios"})
		return
	}
	ctx := call.c.Request.Context()

	user, err := h.Identity.CreateUser(ctx, identity.NewUser{
		Email:       d.Email,
		Password:    d.Password,
		DisplayName: d.Nombre + " " + d.Apellido,
	})
	if err != nil {
		identityError(call.c, err)
		return
	}

	var fotoURL, deleteToken *string
	if d.FotoBase64 != "" && d.FileName != "" {
		if u, t, ok := h.uploadPhoto(call.c, user.UID, d.FileName, d.FotoBase64); ok {
			fotoURL, deleteToken = &u, &t
			if _, err := h.Identity.UpdateUser(ctx, user.UID, identity.UserUpdate{PhotoURL: fotoURL}); err != nil {
				log.Printf("register %s: set photo: %v", user.UID, err)
			}
		}
	}

	if err := h.Profiles.Set(ctx, profile.Profile{
		UID:             user.UID,
		Nombre:          d.Nombre,
		Apellido:        d.Apellido,
		Edad:            string(d.Edad),
		Sexo:            d.Sexo,
		Pais:            d.Pais,
		Email:           user.Email,
		FotoURL:         fotoURL,
		FotoDeleteToken: deleteToken,
	}); err != nil {
		internalError(call.c, err)
		return
	}

	h.sendLink(call.c, queue.TypeEmailVerification, user.Email, d.Nombre)

	call.c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Usuario registrado correctamente. Verifica tu email.",
		"userId":  user.UID,
	})
}

// uploadPhoto stores a profile photo; failures are logged and the account
// continues without one.
func (h *Handler) uploadPhoto(c *gin.Context, uid, fileName, data string) (url, deleteToken string, ok bool) {
	if h.Photos == nil {
		log.Printf("photo upload skipped for %s: image storage not configured", uid)
		return "", "", false
	}
	res, err := h.Photos.UploadUserPhoto(c.Request.Context(), uid, fileName, data)
	if err != nil {
		log.Printf("photo upload for %s failed: %v", uid, err)
		return "", "", false
	}
	return res.SecureURL, res.DeleteToken, true
}

// sendLink generates a verification or reset link and queues the email.
func (h *Handler) sendLink(c *gin.Context, typ, email, name string) {
	ctx := c.Request.Context()
	var (
		link string
		err  error
	)
	if typ == queue.TypePasswordReset {
		link, err = h.Identity.GeneratePasswordResetLink(ctx, email)
	} else {
		link, err = h.Identity.GenerateEmailVerificationLink(ctx, email)
	}
	if err != nil {
		log.Printf("%s link for %s: %v", typ, email, err)
		return
	}
	h.publish(ctx, typ, queue.EmailLink{Email: email, Name: name, Link: link})
}

type signInData struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) signIn(call authCall) {
	var d signInData
	if !call.bind(&d) {
		return
	}
	user, pair, err := h.Identity.SignIn(call.c.Request.Context(), d.Email, d.Password)
	if err != nil {
		identityError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"user":         user,
		"idToken":      pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.AccessExp,
	})
}

type checkAuthData struct {
	UID string `json:"uid"`
}

func (h *Handler) checkAuth(call authCall) {
	var d checkAuthData
	if !call.bind(&d) || !call.requireUser() {
		return
	}
	if d.UID != "" && d.UID != call.claims.UID {
		call.c.JSON(http.StatusForbidden, gin.H{"error": "Acceso denegado"})
		return
	}
	merged, err := h.userView(call)
	if err != nil {
		identityError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": merged})
}

type emailData struct {
	Email string `json:"email" binding:"required"`
}

func (h *Handler) resendVerification(call authCall) {
	var d emailData
	if !call.bind(&d) {
		return
	}
	h.sendLink(call.c, queue.TypeEmailVerification, d.Email, "")
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Email de verificación reenviado"})
}

func (h *Handler) resetPassword(call authCall) {
	var d emailData
	if !call.bind(&d) {
		return
	}
	h.sendLink(call.c, queue.TypePasswordReset, d.Email, "")
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Email de recuperación enviado"})
}

type confirmResetData struct {
	OOBCode     string `json:"oobCode" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h *Handler) confirmPasswordReset(call authCall) {
	var d confirmResetData
	if !call.bind(&d) {
		return
	}
	if err := h.Identity.ResetPassword(call.c.Request.Context(), d.OOBCode, d.NewPassword); err != nil {
		identityError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Contraseña actualizada correctamente"})
}

type verifyEmailData struct {
	OOBCode string `json:"oobCode" binding:"required"`
}

func (h *Handler) verifyEmail(call authCall) {
	var d verifyEmailData
	if !call.bind(&d) {
		return
	}
	ctx := call.c.Request.Context()
	user, err := h.Identity.VerifyEmail(ctx, d.OOBCode)
	if err != nil {
		identityError(call.c, err)
		return
	}
	if err := h.Profiles.SetEmailVerified(ctx, user.UID); err != nil {
		log.Printf("verify email %s: profile flag: %v", user.UID, err)
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Correo verificado correctamente"})
}

// ---------- Profile ----------

// userView merges the account and profile of the caller into one JSON object.
func (h *Handler) userView(call authCall) (map[string]any, error) {
	ctx := call.c.Request.Context()
	user, err := h.Identity.GetUser(ctx, call.claims.UID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	p, err := h.Profiles.Get(ctx, user.UID)
	switch {
	case err == nil:
		if err := mergeJSON(out, p); err != nil {
			return nil, err
		}
	case errors.Is(err, profile.ErrNotFound):
	default:
		return nil, err
	}
	if err := mergeJSON(out, user); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeJSON(dst map[string]any, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &dst)
}

func (h *Handler) getProfile(call authCall) {
	if !call.requireUser() {
		return
	}
	ctx := call.c.Request.Context()
	if _, err := h.Profiles.Get(ctx, call.claims.UID); errors.Is(err, profile.ErrNotFound) {
		call.c.JSON(http.StatusNotFound, gin.H{"error": "Usuario no encontrado"})
		return
	}
	merged, err := h.userView(call)
	if err != nil {
		identityError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "user": merged})
}

type updateProfileData struct {
	Nombre     string         `json:"nombre" binding:"required"`
	Apellido   string         `json:"apellido"`
	Edad       attendance.Age `json:"edad"`
	Sexo       string         `json:"sexo"`
	Pais       string         `json:"pais"`
	FotoBase64 string         `json:"fotoBase64"`
	FileName   string         `json:"fileName"`
}

func (h *Handler) updateProfile(call authCall) {
	var d updateProfileData
	if !call.requireUser() || !call.bind(&d) {
		return
	}
	ctx := call.c.Request.Context()
	uid := call.claims.UID

	prev, err := h.Profiles.Get(ctx, uid)
	if errors.Is(err, profile.ErrNotFound) {
		call.c.JSON(http.StatusNotFound, gin.H{"error": "Usuario no encontrado"})
		return
	}
	if err != nil {
		internalError(call.c, err)
		return
	}

	upd := profile.Update{Nombre: d.Nombre, Apellido: d.Apellido, Edad: string(d.Edad), Sexo: d.Sexo, Pais: d.Pais}
	displayName := strings.TrimSpace(d.Nombre + " " + d.Apellido)
	userUpd := identity.UserUpdate{DisplayName: &displayName}
	if d.FotoBase64 != "" && d.FileName != "" {
		if url, token, ok := h.uploadPhoto(call.c, uid, d.FileName, d.FotoBase64); ok {
			upd.FotoURL, upd.FotoDeleteToken = &url, &token
			userUpd.PhotoURL = &url
		}
	}

	if _, err := h.Identity.UpdateUser(ctx, uid, userUpd); err != nil {
		identityError(call.c, err)
		return
	}
	if err := h.Profiles.Update(ctx, uid, upd); err != nil {
		internalError(call.c, err)
		return
	}
	if upd.FotoURL != nil && prev.FotoDeleteToken != nil && h.Photos != nil {
		if err := h.Photos.DeleteByToken(ctx, *prev.FotoDeleteToken); err != nil {
			log.Printf("delete previous photo of %s: %v", uid, err)
		}
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Perfil actualizado correctamente"})
}

// ---------- Panel ----------

func (h *Handler) getAdmins(call authCall) {
	call.c.JSON(http.StatusOK, gin.H{"success": true, "admins": h.Admins})
}

func (h *Handler) checkEspecialidadesAccess(call authCall) {
	if !call.requireUser() {
		return
	}
	esAdmin := auth.IsAdmin(h.Admins, call.claims.Email)
	call.c.JSON(http.StatusOK, gin.H{"success": true, "tieneAcceso": esAdmin, "esAdmin": esAdmin})
}

func (h *Handler) getCertificaciones(call authCall) {
	if !call.requireUser() {
		return
	}
	certs, err := h.Certifications.ForEmail(call.c.Request.Context(), call.claims.Email)
	if err != nil {
		log.Printf("certifications for %s: %v", call.claims.UID, err)
		certs = []certification.Certification{}
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "certificaciones": certs})
}

func (h *Handler) getAdminData(call authCall) {
	if !h.requireAdmin(call) {
		return
	}
	ctx := call.c.Request.Context()
	stats, err := h.Posts.Stats(ctx)
	if err != nil {
		internalError(call.c, err)
		return
	}
	pending, err := h.Posts.ListPending(ctx)
	if err != nil {
		internalError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"stats":        stats,
		"pendingPosts": pending,
		"adminEmails":  h.Admins,
	})
}

type moderateData struct {
	PostID string `json:"postId" binding:"required"`
	Action string `json:"action" binding:"required,oneof=approve reject"`
	Reason string `json:"reason"`
}

func (h *Handler) moderatePost(call authCall) {
	if !h.requireAdmin(call) {
		return
	}
	var d moderateData
	if !call.bind(&d) {
		return
	}
	_, err := h.Posts.Moderate(call.c.Request.Context(), d.PostID, d.Action, call.claims.UID, d.Reason)
	if errors.Is(err, posts.ErrNotFound) {
		call.c.JSON(http.StatusNotFound, gin.H{"error": "Publicación no encontrada"})
		return
	}
	if err != nil {
		internalError(call.c, err)
		return
	}
	verb := "aprobada"
	if d.Action == "reject" {
		verb = "rechazada"
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Publicación " + verb})
}

type createPostData struct {
	Titulo     string `json:"titulo" binding:"required"`
	Contenido  string `json:"contenido"`
	Imagen     string `json:"imagen"`
	DeleteHash string `json:"deletehash"`
}

func (h *Handler) createPost(call authCall) {
	var d createPostData
	if !call.requireUser() || !call.bind(&d) {
		return
	}
	p, err := h.Posts.Create(call.c.Request.Context(), posts.NewPost{
		AuthorUID:       call.claims.UID,
		Title:           d.Titulo,
		Body:            d.Contenido,
		ImageURL:        d.Imagen,
		ImageDeleteHash: d.DeleteHash,
	})
	if err != nil {
		internalError(call.c, err)
		return
	}
	call.c.JSON(http.StatusOK, gin.H{"success": true, "message": "Publicación enviada a moderación", "post": p})
}
