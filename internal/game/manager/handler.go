package manager

import (
	"net/http"

	"BingoRush/internal/game/arbiter"
	"BingoRush/internal/session"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	mgr *GameManager
}

func NewHandler(mgr *GameManager) *Handler {
	return &Handler{mgr: mgr}
}

func writeError(c *gin.Context, err error) {
	code := session.CodeOf(err)
	c.JSON(code.HTTPStatus(), gin.H{"error": err.Error(), "code": code})
}

// POST /sessions/:id/draw
func (h *Handler) DrawNumber(c *gin.Context) {
	res, err := h.mgr.caller.DrawNext(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /sessions/:id/claim  body: {playerId, claimedType, claimedPattern, drawnNumbers}
func (h *Handler) DeclareWin(c *gin.Context) {
	var claim arbiter.Claim
	if p := c.GetString("player"); p != "" {
		claim.PlayerID = p
	}
	if err := c.ShouldBindJSON(&claim); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p := c.GetString("player"); p != "" {
		claim.PlayerID = p
	}
	claim.SessionID = c.Param("id")

	res, err := h.mgr.arbiter.DeclareWin(c.Request.Context(), claim)
	if err != nil && session.CodeOf(err) != session.CodeConcurrencyLost {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
