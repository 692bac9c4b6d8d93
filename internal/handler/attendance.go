package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/forms"
	"github.com/conquiguias/conquiguias/internal/queue"
)

// ---------- Forms ----------

// GetForm returns a form definition with its checkpoint windows.
func (h *Handler) GetForm(c *gin.Context) {
	id := c.Param("id")
	if !attendance.ValidFormID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Identificador de formulario inválido", "code": "invalid_input"})
		return
	}
	form, err := h.Forms.Get(c.Request.Context(), id)
	if errors.Is(err, forms.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Formulario no encontrado", "code": "form_not_found"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	resp := gin.H{
		"id":          form.ID,
		"titulo":      form.Title,
		"creado":      form.CreatedAt,
		"fechaInicio": form.StartsAt,
		"fechaCierre": form.ClosesAt,
	}
	if windows, err := h.Attendance.Windows(c.Request.Context(), id); err == nil {
		resp["ventanas"] = windows
	}
	c.JSON(http.StatusOK, resp)
}

// ListResponses returns every attendance record of a form.
func (h *Handler) ListResponses(c *gin.Context) {
	records, err := h.Attendance.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.attendanceError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// ---------- Attendance ----------

type attendanceRequest struct {
	ID          string         `json:"id" binding:"required"`
	Phone       string         `json:"telefono" binding:"required"`
	Name        string         `json:"nombre"`
	Email       string         `json:"correo"`
	Age         attendance.Age `json:"edad"`
	Affiliation string         `json:"asociacion"`
	Action      string         `json:"accion"`
}

// MarkAttendance records the checkpoint whose window is open now.
func (h *Handler) MarkAttendance(c *gin.Context) {
	var req attendanceRequest
	raw, err := c.GetRawData()
	if err == nil {
		err = strictDecode(raw, &req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Faltan datos: id y telefono son obligatorios", "code": "invalid_input"})
		return
	}

	res, err := h.Attendance.Mark(c.Request.Context(), attendance.MarkRequest{
		FormID: req.ID,
		Phone:  req.Phone,
		Action: req.Action,
		Profile: attendance.Profile{
			Name:        req.Name,
			Email:       req.Email,
			Age:         string(req.Age),
			Affiliation: req.Affiliation,
		},
	})
	if err != nil {
		h.attendanceError(c, err)
		return
	}

	markedAt := res.Record.CreatedAt
	if m := res.Record.Checkpoints.At(res.Checkpoint); m.MarkedAt != nil {
		markedAt = *m.MarkedAt
	}
	h.publish(c.Request.Context(), queue.TypeCheckpointMarked, queue.CheckpointMarked{
		FormID:     res.FormID,
		Phone:      res.Record.Phone,
		Name:       res.Record.Name,
		Email:      res.Record.Email,
		Checkpoint: int(res.Checkpoint),
		Eligible:   res.Eligible,
		MarkedAt:   markedAt,
	})

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"asistencia":  res.Checkpoint.Action(),
		"registro":    res.Record,
		"puedeExamen": res.Eligible,
	})
}

var attendanceStatus = map[string]struct {
	status  int
	message string
}{
	"invalid_input":        {http.StatusBadRequest, "Datos inválidos"},
	"invalid_form":         {http.StatusBadRequest, "El formulario no tiene una fecha válida"},
	"no_active_window":     {http.StatusBadRequest, "No hay una ventana de asistencia activa"},
	"form_not_found":       {http.StatusNotFound, "Formulario no encontrado"},
	"not_registered":       {http.StatusNotFound, "No estás registrado en la primera asistencia"},
	"prerequisite_not_met": {http.StatusForbidden, "Debes completar la asistencia anterior"},
	"already_registered":   {http.StatusConflict, "Ya estás registrado en este formulario"},
	"already_marked":       {http.StatusConflict, "Esta asistencia ya fue registrada"},
	"write_failed":         {http.StatusInternalServerError, "No se pudo guardar la asistencia, intenta de nuevo"},
	"concurrency_conflict": {http.StatusInternalServerError, "No se pudo guardar la asistencia, intenta de nuevo"},
	"store_unavailable":    {http.StatusInternalServerError, "Error al guardar la asistencia"},
}

func (h *Handler) attendanceError(c *gin.Context, err error) {
	code := attendance.Code(err)
	st, ok := attendanceStatus[code]
	if !ok {
		internalError(c, err)
		return
	}
	if st.status >= http.StatusInternalServerError {
		log.Printf("attendance: %v", err)
	}
	body := gin.H{"error": st.message, "code": code}
	var werr *attendance.WindowError
	if errors.As(err, &werr) {
		body["ventanas"] = werr.Windows
	}
	c.JSON(st.status, body)
}
