package webhook

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailhook/internal/auth"
	"github.com/Martian-dev/mailhook/internal/logging"
)

// PushAuthenticator checks that a push request really comes from Pub/Sub.
type PushAuthenticator interface {
	VerifyRequest(r *http.Request) (*auth.PushIdentity, error)
}

// MaxPushBodyBytes caps a push request body. Pub/Sub messages are at most
// 10MB before base64 and envelope overhead.
const MaxPushBodyBytes = 16 << 20

// Handler exposes the pipeline as a Pub/Sub push endpoint.
type Handler struct {
	pipeline *Pipeline
	verifier PushAuthenticator
	logger   logging.Logger
	maxBody  int64
}

// NewHandler creates a Handler. verifier may be nil to accept unauthenticated
// pushes.
func NewHandler(pipeline *Pipeline, verifier PushAuthenticator, logger logging.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		verifier: verifier,
		logger:   logging.OrGlobal(logger),
		maxBody:  MaxPushBodyBytes,
	}
}

// Gmail handles POST /webhook/gmail.
func (h *Handler) Gmail(c *gin.Context) {
	if h.verifier != nil {
		if _, err := h.verifier.VerifyRequest(c.Request); err != nil {
			h.logger.WithContext(c.Request.Context()).Warn("push authentication failed", logging.Err(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body too large", "state": StateRejectedBadPayload})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	res := h.pipeline.HandlePush(c.Request.Context(), body)
	switch {
	case res.State.Acknowledge():
		c.JSON(http.StatusOK, gin.H{"success": true, "state": res.State})
	case res.State == StateRejectedBadPayload:
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Err.Error(), "state": res.State})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process notification", "state": res.State})
	}
}
