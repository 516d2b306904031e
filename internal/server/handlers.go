package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gitworkflows/blockterm/internal/block"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/session"
	"github.com/gitworkflows/blockterm/internal/shared/id"
	"github.com/gitworkflows/blockterm/internal/shellinit"
)

type handlers struct {
	manager *session.Manager
	logger  *logging.Logger
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	Shell string            `json:"shell"`
	Args  []string          `json:"args"`
	Env   map[string]string `json:"env"`
	Cwd   string            `json:"cwd"`
	Rows  int               `json:"rows"`
	Cols  int               `json:"cols"`
}

func (h *handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	s, err := h.manager.Create(c.Request.Context(), session.CreateOptions{
		Shell: req.Shell,
		Args:  req.Args,
		Env:   req.Env,
		Cwd:   req.Cwd,
		Rows:  req.Rows,
		Cols:  req.Cols,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrTooManySessions) {
			status = http.StatusTooManyRequests
		}
		h.logger.Warn("create session failed", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, s.Info())
}

func (h *handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.List()})
}

func (h *handlers) getSession(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

func (h *handlers) closeSession(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}

	if err := s.Close(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// maxInputBytes bounds a single submitted command line. Anything longer
// is almost certainly a paste gone wrong, and the PTY line discipline
// would truncate it anyway.
const maxInputBytes = 16 * 1024

type routeInputRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *handlers) routeInput(c *gin.Context) {
	var req routeInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if len(req.Text) > maxInputBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "input exceeds maximum size"})
		return
	}

	blockID, err := h.manager.RouteInput(c.Request.Context(), id.SessionID(c.Param("id")), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, block.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrSessionClosed), errors.Is(err, block.ErrReadOnly):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"block_id": blockID})
}

type resizeRequest struct {
	Rows int `json:"rows" binding:"required"`
	Cols int `json:"cols" binding:"required"`
}

func (h *handlers) resize(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}

	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rows and cols are required"})
		return
	}

	if err := s.Resize(req.Rows, req.Cols); err != nil {
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listBlocks(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}

	from := parseUint(c.Query("from"))
	to := parseUint(c.Query("to"))
	c.JSON(http.StatusOK, gin.H{"blocks": s.Store().List(from, to)})
}

func (h *handlers) getBlock(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}

	blockID := parseUint(c.Param("blockID"))
	b, err := s.Store().Get(blockID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *handlers) cancelBlock(c *gin.Context) {
	s, ok := h.resolve(c)
	if !ok {
		return
	}

	blockID := parseUint(c.Param("blockID"))
	if err := s.Cancel(c.Request.Context(), blockID); err != nil {
		if errors.Is(err, block.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) integrationScript(c *gin.Context) {
	script, err := shellinit.Script(c.Param("shell"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, script)
}

func (h *handlers) resolve(c *gin.Context) (*session.Session, bool) {
	s, err := h.manager.Get(id.SessionID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return s, true
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
