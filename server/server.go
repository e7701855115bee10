// Package server is the thin HTTP binding over the engine. It owns no
// authentication logic: it translates requests into ExecuteStep calls,
// results into JSON responses, and nothing else.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/authkit/engine"
	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine *engine.Engine
	log    *logger.Logger
	router *gin.Engine
}

// New builds the HTTP surface. Routes:
//
//	POST   /auth/:plugin/:step   execute a step
//	GET    /auth/session         check the bearer session
//	DELETE /auth/session         destroy the bearer session
//	GET    /auth/plugins         introspect registered plugins
//	GET    /healthz              liveness
func New(e *engine.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{engine: e, log: log.WithComponent("server"), router: router}

	router.POST("/auth/:plugin/:step", s.executeStep)
	router.GET("/auth/session", s.checkSession)
	router.DELETE("/auth/session", s.destroySession)
	router.GET("/auth/plugins", s.introspect)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return s
}

// Handler returns the http.Handler for mounting or serving.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the given address until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("listening", logger.Fields("addr", addr))
	return s.router.Run(addr)
}

// stepResponse is the wire shape of a step result.
type stepResponse struct {
	Success bool           `json:"success"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Token   string         `json:"token,omitempty"`
}

func (s *Server) executeStep(c *gin.Context) {
	var input map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"status":  engine.StatusInvalidInput,
				"message": "request body is not valid JSON",
			})
			return
		}
	}
	if input == nil {
		input = map[string]any{}
	}

	// Steps that act on the caller's session read the bearer token from
	// the input; the header is the transport-level spelling of it.
	bearer := bearerToken(c)
	if bearer != "" {
		if _, present := input["token"]; !present {
			input["token"] = bearer
		}
	}

	device := &engine.DeviceInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	result, err := s.engine.ExecuteStep(c.Request.Context(), c.Param("plugin"), c.Param("step"), input, device)
	if err != nil {
		s.renderError(c, err)
		return
	}

	resp := stepResponse{
		Success: result.Success,
		Status:  result.Status,
		Message: result.Message,
		Data:    result.Data,
	}
	// Only surface a token the client does not already hold.
	if result.Token != "" && result.Token != bearer {
		resp.Token = result.Token
	}
	c.JSON(result.HTTPCode, resp)
}

func (s *Server) checkSession(c *gin.Context) {
	token := bearerToken(c)
	res, err := s.engine.CheckSession(c.Request.Context(), token)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if !res.Valid {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false})
		return
	}

	body := gin.H{"valid": true, "type": res.Type, "subject": res.Subject}
	if res.Payload != nil {
		body["payload"] = res.Payload
	}
	// A rotated token rides back on the response.
	if res.Token != "" && res.Token != token {
		body["token"] = res.Token
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) destroySession(c *gin.Context) {
	if err := s.engine.DestroySession(c.Request.Context(), bearerToken(c)); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) introspect(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetIntrospectionData())
}

func (s *Server) renderError(c *gin.Context, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		c.JSON(appErr.HTTPStatus, gin.H{
			"success": false,
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		})
		return
	}
	s.log.WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"code":    errors.ErrCodeInternal,
		"message": "An unexpected error occurred.",
	})
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
