package settings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	p *Provider
	w Writer
}

// RegisterRoutes は管理者グループに載せる
func RegisterRoutes(r gin.IRoutes, p *Provider, w Writer) {
	h := &Handler{p: p, w: w}
	r.GET("/settings", h.Get)
	r.PUT("/settings/:key", h.Put)
}

type PutRequest struct {
	Value string `json:"value" binding:"required"`
}

func (h *Handler) Get(c *gin.Context) {
	s, err := h.p.Current(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, s.Values())
}

func (h *Handler) Put(c *gin.Context) {
	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	s, err := h.p.Update(c.Request.Context(), h.w, c.Param("key"), req.Value)
	switch {
	case errors.Is(err, ErrUnknownKey):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrInvalidValue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save setting"})
		return
	}
	c.JSON(http.StatusOK, s.Values())
}
