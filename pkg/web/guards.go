package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// requireDatabase sends visitors to the creation page until the scan
// database exists.
func (s *Server) requireDatabase() gin.HandlerFunc {
	return s.databaseGuard(true, pathCreateDatabase)
}

// requireNoDatabase sends visitors to the deletion page while the scan
// database exists.
func (s *Server) requireNoDatabase() gin.HandlerFunc {
	return s.databaseGuard(false, pathDeleteDatabase)
}

func (s *Server) databaseGuard(want bool, redirectTo string) gin.HandlerFunc {
	return func(c *gin.Context) {
		initialized, err := s.scanner.Initialized(c.Request.Context())
		if err != nil {
			s.renderError(c, http.StatusInternalServerError, "Could not reach the scan database", err)
			c.Abort()
			return
		}
		if initialized != want {
			c.Redirect(http.StatusFound, redirectTo)
			c.Abort()
			return
		}
		c.Next()
	}
}
