package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// maxImageBytes bounds the submission payload. Archival scans are large
// but bounded; anything bigger is a client mistake.
const maxImageBytes = 32 << 20

// submitDocumentHandler handles POST /api/v1/documents.
//
// The request body is the raw image. The response is a stream of
// line-pair events ("data: {json}\n\n"), one per agent message, closed by
// a single terminal completion event. A disconnect mid-stream cancels
// the pipeline; no terminal event is sent.
func (s *Server) submitDocumentHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)
	image, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "could not read image payload"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	send := func(ev models.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal stream event: %w", err)
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("write stream event: %w", err)
		}
		c.Writer.Flush()
		return nil
	}

	if err := s.svc.Process(c.Request.Context(), image, send); err != nil {
		// The stream is already committed; nothing else can be sent.
		slog.Info("Submission stream ended early", "error", err)
	}
}

// readImage accepts either the raw request body or a multipart form with
// an "image" field.
func readImage(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		header, err := c.FormFile("image")
		if err != nil {
			return nil, err
		}
		file, err := header.Open()
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return c.GetRawData()
}
