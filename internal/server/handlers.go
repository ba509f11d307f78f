package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/strategy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, probes := s.runtime.CheckHealth()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"healthy": healthy,
		"trading": s.runtime.IsTrading(),
		"probes":  probes,
	})
}

func (s *Server) handleLoginURL(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, apperr.New(apperr.KindValidation, "api_key query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"login_url": broker.LoginURL(apiKey)})
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := s.runtime.Auth.Register(body.Username, body.Password)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := s.runtime.Auth.Login(body.Username, body.Password)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token.Token,
		"user_id":    token.UserID,
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Auth.Logout(bearerToken(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type brokerCredentialsBody struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (s *Server) handleStoreCredentials(w http.ResponseWriter, r *http.Request) {
	var body brokerCredentialsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.APIKey == "" || body.APISecret == "" {
		writeError(w, http.StatusBadRequest, apperr.New(apperr.KindValidation, "api_key and api_secret are required"))
		return
	}

	if err := s.runtime.Auth.StoreCredentials(requestUserID(r), body.APIKey, body.APISecret); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleStartTrading(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StartTrading(r.Context(), requestUserID(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopTrading(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StopTrading(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.EmergencyStop(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency_stop_engaged"})
}

func (s *Server) handleTradingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

// strategyBody is the wire shape for strategy create/update requests.
type strategyBody struct {
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	Enabled           bool    `json:"enabled"`
	MaxTradesPerDay   int     `json:"max_trades_per_day"`
	RiskPercent       float64 `json:"risk_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	VolumeThreshold   float64 `json:"volume_threshold"`
}

func (b strategyBody) toStrategy() strategy.Strategy {
	return strategy.Strategy{
		Name:              b.Name,
		Description:       b.Description,
		Enabled:           b.Enabled,
		MaxTradesPerDay:   b.MaxTradesPerDay,
		RiskPercent:       b.RiskPercent,
		StopLossPercent:   b.StopLossPercent,
		TakeProfitPercent: b.TakeProfitPercent,
		VolumeThreshold:   b.VolumeThreshold,
	}
}

func strategyView(s *strategy.Strategy) map[string]interface{} {
	return map[string]interface{}{
		"id":                  s.ID,
		"user_id":             s.UserID,
		"name":                s.Name,
		"description":         s.Description,
		"enabled":             s.Enabled,
		"max_trades_per_day":  s.MaxTradesPerDay,
		"risk_percent":        s.RiskPercent,
		"stop_loss_percent":   s.StopLossPercent,
		"take_profit_percent": s.TakeProfitPercent,
		"volume_threshold":    s.VolumeThreshold,
		"created_at":          s.CreatedAt.Format(time.RFC3339),
		"updated_at":          s.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := s.runtime.Strategies.ListStrategies(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	views := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		views = append(views, strategyView(&list[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var body strategyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := s.runtime.Strategies.CreateStrategy(r.Context(), requestUserID(r), body.toStrategy())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, strategyView(created))
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	got, err := s.runtime.Strategies.GetStrategy(r.Context(), requestUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, strategyView(got))
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var body strategyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := s.runtime.Strategies.UpdateStrategy(r.Context(), requestUserID(r), chi.URLParam(r, "id"), body.toStrategy())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, strategyView(updated))
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Strategies.DeleteStrategy(r.Context(), requestUserID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type selectionBody struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

func selectionView(sel *strategy.Selection) map[string]interface{} {
	return map[string]interface{}{
		"id":               sel.ID,
		"user_id":          sel.UserID,
		"symbol":           sel.Symbol,
		"exchange":         sel.Exchange,
		"instrument_token": sel.InstrumentToken,
		"active":           sel.Active,
		"added_at":         sel.AddedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleListSelections(w http.ResponseWriter, r *http.Request) {
	list, err := s.runtime.Strategies.ListSelections(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	views := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		views = append(views, selectionView(&list[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddSelection(w http.ResponseWriter, r *http.Request) {
	var body selectionBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sel, err := s.runtime.Strategies.AddSelection(r.Context(), requestUserID(r), body.Symbol, body.Exchange)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, selectionView(sel))
}

func (s *Server) handleRemoveSelection(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Strategies.RemoveSelection(r.Context(), requestUserID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.MarketSnapshots())
}

func (s *Server) handleMarketDataSymbol(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runtime.MarketSnapshot(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// statusFor maps an apperr.Kind to the HTTP status the operator console
// should surface; anything unrecognized falls back to 500.
func statusFor(err error) int {
	var appErr *apperr.Error
	if !apperr.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case apperr.KindValidation, apperr.KindSerialization:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindSession:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindTrading:
		return http.StatusConflict
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
