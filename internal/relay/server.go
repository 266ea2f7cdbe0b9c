package relay

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plagzap/meetkit/pkg/room"
)

// Server bundles the meeting API and the signaling hub behind one router.
type Server struct {
	cfg    *Config
	store  RoomStore
	hub    *Hub
	router *gin.Engine
}

type createMeetingRequest struct {
	Title           string `json:"title"`
	MaxParticipants int    `json:"maxParticipants"`
}

// NewServer wires the routes. The store decides whether meetings survive a
// relay restart.
func NewServer(cfg *Config, store RoomStore) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:   cfg,
		store: store,
		hub:   NewHub(store, cfg.JWTSecret),
	}

	router := gin.Default()
	router.Use(originFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		auth := JWTAuth(cfg.JWTSecret)
		api.POST("/meetings", auth, s.createMeeting)
		api.GET("/meetings", auth, s.myMeetings)
		api.GET("/meetings/:code", s.getMeeting)
		api.POST("/meetings/:code/join", auth, s.joinMeeting)
		api.DELETE("/meetings/:code", auth, s.endMeeting)
	}

	router.GET("/ws", s.hub.ServeWS)

	s.router = router
	return s
}

// Run starts the HTTP listener.
func (s *Server) Run() error {
	log.Printf("relay: listening on :%s", s.cfg.Port)
	return s.router.Run(":" + s.cfg.Port)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) createMeeting(c *gin.Context) {
	userID := c.GetString("user_id")

	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	title, err := room.ValidateTitle(req.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants <= 0 {
		req.MaxParticipants = room.DefaultMaxMembers
	}

	m := room.Meeting{
		Code:            room.GenerateCode(),
		Title:           title,
		CreatorID:       userID,
		MaxParticipants: req.MaxParticipants,
		Status:          room.StatusActive,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.store.Create(c.Request.Context(), m); err != nil {
		log.Printf("relay: storing meeting: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create meeting"})
		return
	}

	log.Printf("relay: meeting %s created by %s", m.Code, userID)
	c.JSON(http.StatusCreated, m)
}

func (s *Server) getMeeting(c *gin.Context) {
	m, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"meeting":      m,
		"participants": s.hub.Count(m.Code),
	})
}

func (s *Server) joinMeeting(c *gin.Context) {
	m, ok := s.lookup(c)
	if !ok {
		return
	}
	if m.Status != room.StatusActive {
		c.JSON(http.StatusGone, gin.H{"error": "meeting has ended"})
		return
	}
	if s.hub.Count(m.Code) >= m.MaxParticipants {
		c.JSON(http.StatusConflict, gin.H{"error": "meeting is at capacity"})
		return
	}

	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	c.JSON(http.StatusOK, gin.H{
		"meeting": m,
		"wsUrl":   scheme + "://" + c.Request.Host + "/ws",
	})
}

func (s *Server) endMeeting(c *gin.Context) {
	m, ok := s.lookup(c)
	if !ok {
		return
	}
	if m.CreatorID != c.GetString("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can end the meeting"})
		return
	}
	if err := s.store.End(c.Request.Context(), m.Code); err != nil {
		log.Printf("relay: ending meeting %s: %v", m.Code, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end meeting"})
		return
	}
	s.hub.EndRoom(m.Code)
	c.JSON(http.StatusOK, gin.H{"message": "meeting ended"})
}

func (s *Server) myMeetings(c *gin.Context) {
	meetings, err := s.store.ListByCreator(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		log.Printf("relay: listing meetings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list meetings"})
		return
	}
	if meetings == nil {
		meetings = []room.Meeting{}
	}
	c.JSON(http.StatusOK, meetings)
}

// lookup parses the :code param and fetches the meeting, writing the error
// response itself when either step fails.
func (s *Server) lookup(c *gin.Context) (room.Meeting, bool) {
	code, err := room.NormalizeCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return room.Meeting{}, false
	}
	m, err := s.store.Get(c.Request.Context(), code)
	if errors.Is(err, ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return room.Meeting{}, false
	}
	if errors.Is(err, ErrMeetingExpired) {
		c.JSON(http.StatusForbidden, gin.H{"error": "meeting expired"})
		return room.Meeting{}, false
	}
	if err != nil {
		log.Printf("relay: fetching meeting %s: %v", code, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch meeting"})
		return room.Meeting{}, false
	}
	return m, true
}

// originFilter applies a permissive CORS policy for the configured
// origins and rejects browser requests from anywhere else.
func originFilter(allowed []string) gin.HandlerFunc {
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if !allowedSet[origin] {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
