package handler

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxImageBytes caps the body accepted by UploadImage.
const maxImageBytes = 10 << 20

// ---------- Images ----------

// UploadImage forwards the raw request body to the image host.
func (h *Handler) UploadImage(c *gin.Context) {
	if h.Images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Servicio de imágenes no configurado"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "La imagen supera el límite de 10MB"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No se pudo leer la imagen"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Imagen requerida"})
		return
	}

	img, err := h.Images.Upload(c.Request.Context(), body, c.ContentType())
	if err != nil {
		log.Printf("upload image: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Error al subir la imagen"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"link":       img.Link,
		"id":         img.ID,
		"deletehash": img.DeleteHash,
	})
}

type deleteImageRequest struct {
	DeleteHash string `json:"deletehash" binding:"required"`
}

// DeleteImage removes an uploaded image by its delete hash.
func (h *Handler) DeleteImage(c *gin.Context) {
	var req deleteImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Deletehash requerido"})
		return
	}
	if h.Images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Servicio de imágenes no configurado"})
		return
	}
	if err := h.Images.Delete(c.Request.Context(), req.DeleteHash); err != nil {
		log.Printf("delete image: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Error al eliminar la imagen"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Imagen eliminada correctamente"})
}
