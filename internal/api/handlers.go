package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "github.com/skybridge-home/alexahub/internal/errors"
	"github.com/skybridge-home/alexahub/internal/logging"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"entries": len(s.registry.List()),
	})
}

type linkStartRequest struct {
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
	Region       string `json:"region"`
	Scope        string `json:"scope"`
}

func (s *Server) handleLinkStart(c *gin.Context) {
	var req linkStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := registry.ValidateCredentials(req.ClientID, req.ClientSecret); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_credentials", err.Error(), err))
		return
	}
	if req.Region == "" {
		req.Region = s.cfg.LWA.DefaultRegion
	}
	if _, err := lwa.EndpointsFor(req.Region); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_region", err.Error(), err))
		return
	}
	if req.Scope == "" {
		req.Scope = s.cfg.LWA.DefaultScope
	}

	s.startFlow(c, &Flow{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Region:       req.Region,
		Scope:        req.Scope,
	})
}

func (s *Server) handleReauthEntry(c *gin.Context) {
	entry, ok := s.registry.Get(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NewNotFound("entry not found"))
		return
	}
	s.startFlow(c, &Flow{
		EntryID:      entry.ID,
		ClientID:     entry.ClientID,
		ClientSecret: entry.ClientSecret,
		Region:       entry.Region,
		Scope:        entry.Scope,
	})
}

// startFlow generates the state and PKCE material, registers the pending
// flow and answers with the authorize URL.
func (s *Server) startFlow(c *gin.Context, flow *Flow) {
	state, err := lwa.GenerateState()
	if err != nil {
		respondError(c, apperrors.NewUnknown(err))
		return
	}
	verifier, challenge, err := lwa.GeneratePKCE()
	if err != nil {
		respondError(c, apperrors.NewUnknown(err))
		return
	}
	flow.State = state
	flow.Verifier = verifier
	flow.RedirectURI = s.callbackURL(c)
	flowID := s.flows.Create(flow)

	client := lwa.NewClient(flow.ClientID, flow.ClientSecret,
		lwa.WithRegion(flow.Region), lwa.WithScope(flow.Scope))
	c.JSON(http.StatusOK, gin.H{
		"flow_id":       flowID,
		"authorize_url": client.AuthCodeURL(state, challenge, flow.RedirectURI),
	})
}

func (s *Server) callbackURL(c *gin.Context) string {
	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/oauth/callback", scheme, c.Request.Host)
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>AlexaHub</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>`

func callbackHTML(c *gin.Context, status int, title, detail string) {
	c.Data(status, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf(callbackPage, title, detail)))
}

// handleOAuthCallback finishes a pending flow. Every path removes the flow:
// an authorization code is single-use either way.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		log.Warnf("authorization denied: %s (%s)", errCode, c.Query("error_description"))
		callbackHTML(c, http.StatusBadRequest, "Authorization failed",
			fmt.Sprintf("Amazon reported: %s", errCode))
		return
	}
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		callbackHTML(c, http.StatusBadRequest, "Authorization failed",
			"The callback is missing the code or state parameter.")
		return
	}
	flow, ok := s.flows.TakeByState(state)
	if !ok {
		appErr := apperrors.NewInvalidState(nil)
		log.Warnf("oauth callback rejected: %s", appErr.Code)
		callbackHTML(c, appErr.HTTPStatusCode, "Authorization failed",
			"Unknown or expired authorization state. Start the link again.")
		return
	}

	client := lwa.NewClient(flow.ClientID, flow.ClientSecret,
		lwa.WithRegion(flow.Region), lwa.WithScope(flow.Scope),
		lwa.WithHTTPClient(s.lwaHTTP))
	tok, err := client.ExchangeCode(c.Request.Context(), code, flow.Verifier, flow.RedirectURI)
	if err != nil {
		appErr := apperrors.NewInvalidCode(err)
		detail := "Amazon rejected the authorization code. Start the link again."
		if errors.Is(err, lwa.ErrNetwork) {
			appErr = apperrors.NewCannotConnect(err)
			detail = "Amazon could not be reached. Check connectivity and retry."
		}
		log.WithError(err).Warnf("authorization code exchange failed: %s", appErr.Code)
		callbackHTML(c, appErr.HTTPStatusCode, "Authorization failed", detail)
		return
	}

	if flow.EntryID != "" {
		if err = s.linker.CompleteRelink(c.Request.Context(), flow.EntryID, tok); err != nil {
			log.WithError(err).Error("relink completion failed")
			callbackHTML(c, http.StatusInternalServerError, "Authorization failed",
				"The new tokens could not be stored. Check the service logs.")
			return
		}
		callbackHTML(c, http.StatusOK, "Account relinked",
			"Your Amazon account was reauthorized. You can close this window.")
		return
	}

	entryID, err := s.linker.CompleteLink(c.Request.Context(),
		flow.ClientID, flow.ClientSecret, flow.Region, flow.Scope, tok)
	if err != nil {
		log.WithError(err).Error("link completion failed")
		detail := "The account could not be stored. Check the service logs."
		if errors.Is(err, registry.ErrAlreadyConfigured) {
			detail = "This Amazon account is already linked."
		}
		callbackHTML(c, http.StatusConflict, "Authorization failed", detail)
		return
	}
	log.Infof("entry %s linked through the web flow", entryID)
	callbackHTML(c, http.StatusOK, "Account linked",
		"Your Amazon account is now linked. You can close this window.")
}

// entryView is the redacted API representation of an entry.
type entryView struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	ClientID     string       `json:"client_id"`
	Region       string       `json:"region"`
	Scope        string       `json:"scope"`
	State        string       `json:"state"`
	ReauthReason string       `json:"reauth_reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Session      *sessionView `json:"session,omitempty"`
}

type sessionView struct {
	Status           string    `json:"status"`
	StatusMessage    string    `json:"status_message,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	RefreshFailures  int       `json:"refresh_failures"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at,omitempty"`
	NextRefreshAfter time.Time `json:"next_refresh_after,omitempty"`
	TokenExpiresAt   time.Time `json:"token_expires_at,omitempty"`
}

func (s *Server) entryView(entry *registry.LinkEntry) entryView {
	view := entryView{
		ID:           entry.ID,
		Title:        entry.Title,
		ClientID:     entry.ClientID,
		Region:       entry.Region,
		Scope:        entry.Scope,
		State:        entry.State,
		ReauthReason: entry.ReauthReason,
		CreatedAt:    entry.CreatedAt,
		UpdatedAt:    entry.UpdatedAt,
	}
	if snap, ok := s.manager.SessionSnapshot(entry.ID); ok {
		sv := &sessionView{
			Status:           snap.Status,
			StatusMessage:    snap.StatusMessage,
			LastError:        snap.LastError,
			RefreshFailures:  snap.RefreshFailures,
			LastRefreshedAt:  snap.LastRefreshedAt,
			NextRefreshAfter: snap.NextRefreshAfter,
		}
		if snap.Record != nil {
			sv.TokenExpiresAt = snap.Record.ExpiresAt
		}
		view.Session = sv
	}
	return view
}

func (s *Server) handleListEntries(c *gin.Context) {
	entries := s.registry.List()
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, s.entryView(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": views})
}

func (s *Server) handleGetEntry(c *gin.Context) {
	entry, ok := s.registry.Get(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NewNotFound("entry not found"))
		return
	}
	c.JSON(http.StatusOK, s.entryView(entry))
}

func (s *Server) handleDeleteEntry(c *gin.Context) {
	entryID := c.Param("id")
	if _, ok := s.registry.Get(entryID); !ok {
		respondError(c, apperrors.NewNotFound("entry not found"))
		return
	}
	if err := s.linker.DetachEntry(c.Request.Context(), entryID); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRefreshEntry(c *gin.Context) {
	entryID := c.Param("id")
	err := s.manager.RefreshNow(c.Request.Context(), entryID)
	switch {
	case errors.Is(err, session.ErrUnknownEntry):
		respondError(c, apperrors.NewNotFound("entry not found"))
	case err != nil:
		respondError(c, apperrors.NewInvalidGrant(err))
	default:
		snap, _ := s.manager.SessionSnapshot(entryID)
		c.JSON(http.StatusOK, gin.H{
			"status":     snap.Status,
			"expires_at": snap.Record.ExpiresAt,
		})
	}
}

func (s *Server) handleTokenSummary(c *gin.Context) {
	entryID := c.Param("id")
	snap, ok := s.manager.SessionSnapshot(entryID)
	if !ok {
		respondError(c, apperrors.NewNotFound("entry not found"))
		return
	}
	summary := gin.H{
		"valid":  s.manager.IsTokenValid(entryID),
		"status": snap.Status,
	}
	if snap.Record != nil {
		summary["expires_at"] = snap.Record.ExpiresAt
		summary["expires_in"] = int(time.Until(snap.Record.ExpiresAt).Seconds())
		summary["refresh_token_age_days"] = int(time.Since(snap.Record.ObtainedAt).Hours() / 24)
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		respondError(c, apperrors.New(http.StatusNotImplemented, "no_history_backend",
			"the active store backend keeps no audit trail", nil))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	rows, err := s.history.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

func (s *Server) deviceBackend(c *gin.Context) (DeviceBackend, string, bool) {
	if s.devices == nil {
		respondError(c, apperrors.New(http.StatusNotImplemented, "no_device_backend",
			"device polling is not running", nil))
		return nil, "", false
	}
	entryID := c.Query("entry")
	if entryID == "" {
		respondError(c, apperrors.New(http.StatusBadRequest, "missing_entry",
			"the entry query parameter is required", nil))
		return nil, "", false
	}
	return s.devices, entryID, true
}

func (s *Server) handleListDevices(c *gin.Context) {
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	list, err := backend.Devices(entryID)
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": list})
}

func (s *Server) handleDeviceState(c *gin.Context) {
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	state, err := backend.DeviceState(c.Request.Context(), entryID, c.Param("id"))
	if err != nil {
		respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) handleSetPower(c *gin.Context) {
	var body struct {
		On *bool `json:"on" binding:"required"`
	}
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := backend.SetPower(c.Request.Context(), entryID, c.Param("id"), *body.On); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetBrightness(c *gin.Context) {
	var body struct {
		Brightness *int `json:"brightness" binding:"required"`
	}
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := backend.SetBrightness(c.Request.Context(), entryID, c.Param("id"), *body.Brightness); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetColor(c *gin.Context) {
	var body struct {
		Hue        *float64 `json:"hue" binding:"required"`
		Saturation *float64 `json:"saturation" binding:"required"`
		Brightness *float64 `json:"brightness" binding:"required"`
	}
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := backend.SetColor(c.Request.Context(), entryID, c.Param("id"),
		*body.Hue, *body.Saturation, *body.Brightness); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetColorTemperature(c *gin.Context) {
	var body struct {
		Mireds *int `json:"mireds" binding:"required"`
	}
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := backend.SetColorTemperature(c.Request.Context(), entryID, c.Param("id"), *body.Mireds); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetTargetTemperature(c *gin.Context) {
	var body struct {
		Celsius *float64 `json:"celsius" binding:"required"`
	}
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.New(http.StatusBadRequest, "invalid_request", err.Error(), err))
		return
	}
	if err := backend.SetTargetTemperature(c.Request.Context(), entryID, c.Param("id"), *body.Celsius); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleForceDiscovery(c *gin.Context) {
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := backend.ForceDiscovery(entryID); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListScenes(c *gin.Context) {
	if s.devices == nil {
		respondError(c, apperrors.New(http.StatusNotImplemented, "no_device_backend",
			"device polling is not running", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": s.devices.SceneNames()})
}

func (s *Server) handleApplyScene(c *gin.Context) {
	backend, entryID, ok := s.deviceBackend(c)
	if !ok {
		return
	}
	if err := backend.ApplyScene(c.Request.Context(), entryID, c.Param("name")); err != nil {
		respondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logging.RecentEntries(limit)})
}
