package stats

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Controller is the optional read-only RESTful stats controller (§1, §6
// "Stats controller"), wired with gin exactly as rafalfr-dnsproxy's
// main.go/internal/cmd/cmd.go expose GET /stats.
type Controller struct {
	manager *Manager
	secret  string
	engine  *gin.Engine
}

// NewController builds a Controller. secret, if non-empty, is required as
// an `Authorization: Bearer <secret>` header on every request (§6).
func NewController(manager *Manager, secret string) *Controller {
	gin.SetMode(gin.ReleaseMode)

	c := &Controller{manager: manager, secret: secret, engine: gin.New()}
	c.engine.GET("/stats", c.authorize, c.getStats)

	return c
}

// ListenAndServe blocks serving the controller on addr.
func (c *Controller) ListenAndServe(addr string) error {
	return c.engine.Run(addr)
}

func (c *Controller) authorize(ctx *gin.Context) {
	if c.secret == "" {
		return
	}

	header := ctx.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token != c.secret {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (c *Controller) getStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"stats": c.manager.GetStats()})
}
