// Package service exposes the gateway core over a thin HTTP facade. Wallet
// authentication lives in front of this service; handlers trust the
// X-Public-Address header set by the auth layer.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/blocklessnetwork/gateway/src/common"
	"github.com/blocklessnetwork/gateway/src/earnings"
	"github.com/blocklessnetwork/gateway/src/registry"
	"github.com/blocklessnetwork/gateway/src/reward"
	"github.com/blocklessnetwork/gateway/src/session"
	"github.com/blocklessnetwork/gateway/src/store"
	"github.com/blocklessnetwork/gateway/src/version"
)

const userHeader = "X-Public-Address"

// Service ...
type Service struct {
	bindAddress string
	registry    *registry.Registry
	tracker     *session.Tracker
	engine      *reward.Engine
	earnings    *earnings.Aggregator
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService ...
func NewService(
	bindAddress string,
	reg *registry.Registry,
	tracker *session.Tracker,
	engine *reward.Engine,
	agg *earnings.Aggregator,
	logger *logrus.Entry,
) *Service {
	service := Service{
		bindAddress: bindAddress,
		registry:    reg,
		tracker:     tracker,
		engine:      engine,
		earnings:    agg,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering gateway API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/nodes", s.makeHandler(s.ListNodes))
	s.mux.HandleFunc("/nodes/register", s.makeHandler(s.RegisterNode))
	s.mux.HandleFunc("/nodes/", s.makeHandler(s.nodeRouter))
	s.mux.HandleFunc("/users/earnings", s.makeHandler(s.GetUserEarnings))
	s.mux.HandleFunc("/users/overview", s.makeHandler(s.GetUserOverview))
	s.mux.HandleFunc("/users/referrals", s.makeHandler(s.GetUserReferrals))
	s.mux.HandleFunc("/users/leaderboard", s.makeHandler(s.GetUserLeaderboard))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving gateway API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

//==============================================================================
//Handlers

type registerRequest struct {
	PubKey     string `json:"pubKey"`
	IPAddress  string `json:"ipAddress"`
	HardwareID string `json:"hardwareId"`
}

type pingRequest struct {
	IsConnected bool `json:"isConnected"`
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version":   version.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// RegisterNode handles POST /nodes/register. Requests without a public
// address header register a public (unowned) node.
func (s *Service) RegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := registerRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, cm.NewError("node", cm.ValidationError, "malformed request body"))
		return
	}

	data := store.NodeData{
		IPAddress:  req.IPAddress,
		HardwareID: req.HardwareID,
	}

	var node *store.Node
	var err error

	if userID := r.Header.Get(userHeader); userID != "" {
		node, err = s.registry.RegisterNode(userID, req.PubKey, data)
	} else {
		node, err = s.registry.RegisterPublicNode(req.PubKey, data)
	}

	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, nodeResponse(node))
}

// ListNodes handles GET /nodes.
func (s *Service) ListNodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	nodes, err := s.registry.ListNodes(userID, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := []map[string]interface{}{}
	for _, node := range nodes {
		resp = append(resp, nodeResponse(node))
	}

	writeJSON(w, resp)
}

// nodeRouter dispatches /nodes/{pubKey} and its sub-resources.
func (s *Service) nodeRouter(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path[len("/nodes/"):], "/"), "/")
	pubKey := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		node, err := s.registry.GetNode(userID, pubKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, nodeResponse(node))

	case len(parts) == 2 && parts[1] == "link" && r.Method == http.MethodPost:
		node, err := s.registry.LinkNode(userID, pubKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, nodeResponse(node))

	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodPost:
		sess, err := s.tracker.StartSession(userID, pubKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, sessionResponse(sess))

	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodDelete:
		sess, err := s.tracker.EndSession(userID, pubKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if sess == nil {
			writeJSON(w, nil)
			return
		}
		writeJSON(w, sessionResponse(sess))

	case len(parts) == 2 && parts[1] == "ping" && r.Method == http.MethodPost:
		req := pingRequest{}
		// body is optional on pings
		json.NewDecoder(r.Body).Decode(&req)

		err := s.tracker.PingSession(userID, pubKey, session.PingMeta{IsConnected: req.IsConnected})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})

	case len(parts) == 2 && parts[1] == "earnings" && r.Method == http.MethodGet:
		series, err := s.earnings.GetNodeEarnings(userID, pubKey, period(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, series)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// GetUserEarnings handles GET /users/earnings.
func (s *Service) GetUserEarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	series, err := s.earnings.GetUserEarnings(userID, period(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, series)
}

// GetUserOverview handles GET /users/overview.
func (s *Service) GetUserOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	overview, err := s.earnings.GetUserOverview(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, overview)
}

// GetUserReferrals handles GET /users/referrals.
func (s *Service) GetUserReferrals(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	referrals, err := s.earnings.GetUserReferrals(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, referrals)
}

// GetUserLeaderboard handles GET /users/leaderboard.
func (s *Service) GetUserLeaderboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	leaderboard, err := s.earnings.GetUserLeaderboard(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, leaderboard)
}

//==============================================================================
//Helpers

func (s *Service) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, cm.NewError("user", cm.Unauthorized, "missing public address"))
		return "", false
	}
	return userID, true
}

func period(r *http.Request) earnings.Period {
	p := r.URL.Query().Get("period")
	if p == "" {
		p = string(earnings.Daily)
	}
	return earnings.Period(p)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	if gwErr, ok := err.(cm.Error); ok {
		code = gwErr.Code().String()
		switch gwErr.Code() {
		case cm.NotFound:
			status = http.StatusNotFound
		case cm.QuotaExceeded:
			status = http.StatusForbidden
		case cm.Unauthorized:
			status = http.StatusUnauthorized
		case cm.ValidationError:
			status = http.StatusBadRequest
		case cm.UpstreamUnavailable:
			status = http.StatusServiceUnavailable
		}
	} else {
		s.logger.WithError(err).Error("Unhandled service error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}

func nodeResponse(node *store.Node) map[string]interface{} {
	return map[string]interface{}{
		"id":         node.ID,
		"pubKey":     node.PubKey,
		"userId":     node.UserID,
		"ipAddress":  node.IPAddress,
		"hardwareId": node.HardwareID,
		"createdAt":  node.CreatedAt,
		"updatedAt":  node.UpdatedAt,
	}
}

func sessionResponse(sess *store.Session) map[string]interface{} {
	return map[string]interface{}{
		"id":         sess.ID,
		"nodeId":     sess.NodeID,
		"startAt":    sess.StartAt,
		"endAt":      sess.EndAt,
		"lastPingAt": sess.LastPingAt,
	}
}
