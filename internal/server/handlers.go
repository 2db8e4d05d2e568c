package server

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"digital-delivery/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer(serviceName)

func (s *Server) webhookHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandlePaymentWebhook")
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read payload"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WebhookTimeout)
	defer cancel()

	outcome, err := s.Webhooks.Handle(ctx, payload, c.GetHeader(s.opts.SignatureHeader))
	if err != nil {
		if domain.ClassOf(err) == domain.ClassAuthentication {
			s.Logger.Warn("Rejected webhook", zap.String("ip", c.ClientIP()), zap.Error(err))
		}
		s.fail(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	c.JSON(http.StatusOK, gin.H{"status": outcome})
}

func (s *Server) checkoutReturnHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "CheckoutReturn")
	defer span.End()

	sessionID := c.Query("session_id")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))

	view, err := s.Checkout.Complete(ctx, sessionID)
	if err != nil {
		code := "unavailable"
		switch domain.ClassOf(err) {
		case domain.ClassNotFound:
			code = "not_found"
		case domain.ClassStateConflict:
			code = "not_verified"
		default:
			span.RecordError(err)
			s.Logger.Error("Checkout return failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		c.Redirect(http.StatusFound, s.failureURL(code))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) failureURL(code string) string {
	u, err := url.Parse(s.opts.FailureRedirectURL)
	if err != nil {
		return "/?error=" + url.QueryEscape(code)
	}
	q := u.Query()
	q.Set("error", code)
	u.RawQuery = q.Encode()
	return u.String()
}

type grantView struct {
	domain.Grant
	Remaining *int `json:"remaining,omitempty"`
	Valid     bool `json:"valid"`
}

func (s *Server) listGrantsHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ListGrants")
	defer span.End()

	grants, err := s.Grants.ListForBuyer(ctx, buyerID(c))
	if err != nil {
		s.fail(c, span, err)
		return
	}

	now := time.Now()
	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		v := grantView{Grant: g, Valid: g.IsValid(now)}
		if left := g.Remaining(); left >= 0 {
			v.Remaining = &left
		}
		views = append(views, v)
	}
	span.SetAttributes(attribute.Int("grants.count", len(views)))
	c.JSON(http.StatusOK, views)
}

func (s *Server) issueTokenHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "IssueDownloadToken")
	defer span.End()

	grantID, err := uuid.Parse(c.Param("grantID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrGrantNotFound.Error()})
		return
	}
	span.SetAttributes(attribute.String("grant.id", grantID.String()))

	issued, err := s.Downloads.IssueToken(ctx, grantID, buyerID(c))
	if err != nil {
		s.fail(c, span, err)
		return
	}
	c.JSON(http.StatusCreated, issued)
}

func (s *Server) consumeHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ConsumeDownloadToken")
	defer span.End()

	download, err := s.Downloads.Consume(ctx, c.Param("token"))
	if err != nil {
		s.fail(c, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("grant.id", download.GrantID.String()),
		attribute.Int64("file.size", download.Size),
	)

	body, err := s.Content.Open(ctx, download.Disk, download.Path)
	if err != nil {
		// The download was already counted; the buyer needs a new token.
		s.fail(c, span, errors.Wrap(err, "open content"))
		return
	}
	defer body.Close()

	contentType := download.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, download.Size, contentType, body, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": download.DisplayName}),
		"Cache-Control":       "no-store",
	})
}
