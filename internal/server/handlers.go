package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

const (
	headerCache = "X-Cache"

	mimeTextPlain = "text/plain; charset=utf-8"

	bodyNotFound = "File not found!"
	bodyFailed   = "Image processing failed!"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleImage serves the source or transformed image for the request path.
func (s *Server) handleImage(c echo.Context) error {
	req := c.Request()

	res, err := s.service.Serve(req.Context(), req.URL.Path, c.QueryParams())
	if err != nil {
		if errors.Is(err, imaging.ErrNotFound) {
			return c.Blob(http.StatusNotFound, mimeTextPlain, []byte(bodyNotFound))
		}
		s.logger.Error("image request failed", "path", req.URL.Path, "query", req.URL.RawQuery, "error", err)
		return c.Blob(http.StatusInternalServerError, mimeTextPlain, []byte(bodyFailed))
	}

	f, err := os.Open(res.Path)
	if err != nil {
		s.logger.Error("failed to open result", "path", res.Path, "error", err)
		return c.Blob(http.StatusInternalServerError, mimeTextPlain, []byte(bodyFailed))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("failed to stat result", "path", res.Path, "error", err)
		return c.Blob(http.StatusInternalServerError, mimeTextPlain, []byte(bodyFailed))
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, res.ContentType)
	h.Set(headerCache, res.Outcome.String())
	http.ServeContent(c.Response(), req, info.Name(), info.ModTime(), f)
	return nil
}
