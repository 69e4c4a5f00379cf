package fraud

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct{ eng *Engine }

// RegisterRoutes は管理者グループに載せる前提
func RegisterRoutes(r gin.IRoutes, eng *Engine) {
	h := &Handler{eng: eng}

	r.POST("/fraud/scan", h.Scan)
	r.POST("/fraud/patterns", h.Patterns)
	r.POST("/fraud/logs/:id/analyze", h.Analyze)
	r.GET("/fraud/alerts", h.ListAlerts)
}

func (h *Handler) Scan(c *gin.Context) {
	res, err := h.eng.ScanRecent(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrInternal("scan failed"))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Patterns(c *gin.Context) {
	res, err := h.eng.ScanPatterns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrInternal("pattern scan failed"))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Analyze(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrInvalid("invalid log id"))
		return
	}
	res, err := h.eng.AnalyzeLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(toHTTPStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListAlerts(c *gin.Context) {
	q := AlertQuery{
		Limit:  parseIntDefault(c.Query("limit"), DefaultPageLimit),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
	if v := c.Query("student_id"); v != "" {
		q.StudentID = &v
	}
	if v := c.Query("type"); v != "" {
		q.Type = &v
	}
	if v := c.Query("severity"); v != "" {
		q.Severity = &v
	}
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrInvalid("invalid resolved"))
			return
		}
		q.Resolved = &b
	}

	items, total, err := h.eng.ListAlerts(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrInternal("failed to list alerts"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
