package matchmaker

import (
	"net/http"
	"strconv"

	"BingoRush/internal/session"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// playerFrom JWT 注入的身份优先于请求体
func playerFrom(c *gin.Context, fallback string) string {
	if p := c.GetString("player"); p != "" {
		return p
	}
	return fallback
}

func writeError(c *gin.Context, err error) {
	code := session.CodeOf(err)
	c.JSON(code.HTTPStatus(), gin.H{"error": err.Error(), "code": code})
}

// POST /sessions/join  body: {playerId, cardId, poolResourceId}
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if p := c.GetString("player"); p != "" {
		req.PlayerID = p
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.PlayerID = playerFrom(c, req.PlayerID)
	sum, err := h.svc.Join(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// POST /sessions/:id/leave body: {playerId}
func (h *Handler) Leave(c *gin.Context) {
	var req LeaveRequest
	if p := c.GetString("player"); p != "" {
		req.PlayerID = p
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.Leave(c.Request.Context(), c.Param("id"), playerFrom(c, req.PlayerID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /sessions/:code?playerId=
func (h *Handler) Status(c *gin.Context) {
	view, err := h.svc.Status(c.Request.Context(), c.Param("code"), playerFrom(c, c.Query("playerId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// POST /pool/:resourceId/release
func (h *Handler) Release(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("resourceId"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource id"})
		return
	}
	res, err := h.svc.ReleasePoolResource(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
