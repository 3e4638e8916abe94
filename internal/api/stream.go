package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamSink writes reply fragments straight to the response as chunked
// text/plain. Headers go out with the first fragment so that errors raised
// before it can still be answered with a status code.
type streamSink struct {
	c       *gin.Context
	started bool
}

func newStreamSink(c *gin.Context) *streamSink {
	return &streamSink{c: c}
}

// Begin commits the 200 response headers.
func (s *streamSink) Begin() {
	if s.started {
		return
	}
	s.started = true
	header := s.c.Writer.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
}

func (s *streamSink) Started() bool {
	return s.started
}

// Write fails once the client has gone away, which stops forwarding.
func (s *streamSink) Write(fragment string) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	s.Begin()
	if _, err := s.c.Writer.WriteString(fragment); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
