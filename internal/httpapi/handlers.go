package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/queue"
)

func (s *server) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, attendance.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, "store unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *server) health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.Health {
		ok := check(c.Request.Context())
		checks[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	body := gin.H{"status": state, "checks": checks}
	if s.Outbox != nil {
		if counts, err := s.Outbox.Counts(c.Request.Context()); err == nil {
			body["outbox"] = counts
		}
	}
	c.JSON(status, body)
}

func (s *server) registerKiosk(c *gin.Context) {
	var req struct {
		KioskID string `json:"kiosk_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.RegistrationKey != "" {
		given := c.GetHeader("X-Registration-Key")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.RegistrationKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid registration key"})
			return
		}
	}

	tokens, err := s.Issuer.Issue(req.KioskID, auth.RoleKiosk)
	if err != nil {
		s.logger.Error().Err(err).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	s.logger.Info().Str("kiosk_id", req.KioskID).Msg("kiosk registered")

	c.JSON(http.StatusCreated, tokenBody(tokens))
}

func (s *server) refreshKiosk(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.Issuer.Refresh(req.RefreshToken)
	if err != nil {
		s.logger.Debug().Err(err).Msg("refresh rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, tokenBody(tokens))
}

func tokenBody(tokens auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	}
}

func (s *server) submitScan(c *gin.Context) {
	var req struct {
		Raw string `json:"raw"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)

	res, err := s.terminal(claims.Subject).SubmitScan(c.Request.Context(), req.Raw)
	if err != nil {
		s.fail(c, "scan", err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// submitClosure closes an explicit session, or the one this kiosk is
// holding when the body names none. A kiosk may only name the session it is
// holding as awaiting closure; operators may close any session.
func (s *server) submitClosure(c *gin.Context) {
	var req attendance.ClosureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	term := s.terminal(claims.Subject)

	var (
		res attendance.ClosureResult
		err error
	)
	switch {
	case req.StudentID == "" && req.SessionID == "":
		res, err = term.SubmitClosureActivities(c.Request.Context(), req.Activities)
	case req.StudentID == "" || req.SessionID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "student_id and session_id go together"})
		return
	default:
		if claims.Role != auth.RoleOperator {
			p, ok := term.Pending()
			if !ok || p.SessionID != req.SessionID || p.StudentID != req.StudentID {
				c.JSON(http.StatusConflict, gin.H{"error": "session is not awaiting closure on this kiosk"})
				return
			}
		}
		res, err = s.Service.SubmitClosure(c.Request.Context(), req)
		if err == nil && res.Status != attendance.ClosureRejectedNoActivities {
			if p, ok := term.Pending(); ok && p.SessionID == req.SessionID {
				term.Cancel()
			}
		}
	}
	if err != nil {
		s.fail(c, "closure", err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *server) pendingClosure(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	p, ok := s.terminal(claims.Subject).Pending()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"pending": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": p})
}

func (s *server) listStudents(c *gin.Context) {
	roster, err := attendance.Roster(c.Request.Context(), s.Store)
	if err != nil {
		s.fail(c, "list students", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": roster})
}

func (s *server) studentSessions(c *gin.Context) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	sessions, err := s.Store.SessionsFor(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.fail(c, "student sessions", err)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": c.Param("id"), "sessions": sessions})
}

func (s *server) reconcileStudent(c *gin.Context) {
	id := c.Param("id")
	if s.Queue != nil {
		if err := s.Queue.Publish(c.Request.Context(), queue.Message{Type: queue.TypeReconcile, Body: []byte(id)}); err != nil {
			s.logger.Error().Err(err).Str("student_id", id).Msg("queue publish failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"student_id": id, "queued": true})
		return
	}
	rec, err := s.Service.ReconcileStudent(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *server) outboxJob(c *gin.Context) {
	if s.Outbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox disabled"})
		return
	}
	job, err := s.Outbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("outbox lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"last_error": job.LastError,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}
