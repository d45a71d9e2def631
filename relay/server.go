package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomdrop/signal"
)

// joinWait bounds how long a fresh connection may sit silent before sending
// its join frame.
const joinWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in middleware.
		return true
	},
}

// Server is the relay HTTP surface: the websocket signaling endpoint plus a
// small inspection API.
type Server struct {
	config *Config
	hub    *Hub
	router *gin.Engine
}

// NewServer assembles the gin router around a hub.
func NewServer(config *Config, hub *Hub) *Server {
	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: config,
		hub:    hub,
		router: gin.Default(),
	}

	s.router.Use(originFilter(config.AllowedOrigins))

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.RoomCount()})
	})

	ws := s.router.Group("/ws")
	api := s.router.Group("/api")
	if config.JWTSecret != "" {
		ws.Use(JWTAuth(config.JWTSecret))
		api.Use(JWTAuth(config.JWTSecret))
	}
	ws.GET("", s.handleWebsocket)
	api.GET("/rooms/:roomCode", s.handleRoomInfo)

	return s
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	log.Printf("relay listening on port %s", s.config.Port)
	return s.router.Run(":" + s.config.Port)
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleWebsocket upgrades the connection and performs the join handshake:
// the first frame must be a join naming the room, after which the client
// receives the membership snapshot and the room learns about the arrival.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}

	join, err := readJoin(conn)
	if err != nil {
		log.Printf("join handshake: %v", err)
		_ = conn.Close()
		return
	}

	peerID := join.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}

	client := newClient(s.hub, conn, peerID, join.RoomCode)
	s.hub.register(client)

	go client.writePump()

	client.sendMessage(signal.Message{
		Type:     signal.TypeRoomPeers,
		RoomCode: join.RoomCode,
		PeerID:   peerID,
		Peers:    s.hub.peerIDs(join.RoomCode),
	})

	s.hub.broadcast(join.RoomCode, signal.Message{
		Type:     signal.TypePeerJoined,
		RoomCode: join.RoomCode,
		PeerID:   peerID,
	}, peerID)

	go client.readPump()
}

func readJoin(conn *websocket.Conn) (signal.Message, error) {
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return signal.Message{}, err
	}
	msg, err := signal.Decode(payload)
	if err != nil {
		return signal.Message{}, err
	}
	if msg.Type != signal.TypeJoin {
		return signal.Message{}, signal.ErrInvalidMessageType
	}
	if msg.RoomCode == "" {
		return signal.Message{}, signal.ErrInvalidMessageType
	}
	return msg, nil
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	roomCode := c.Param("roomCode")
	peers := s.hub.peerIDs(roomCode)
	if peers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomCode":  roomCode,
		"peerCount": len(peers),
		"peers":     peers,
	})
}

// originFilter rejects browser connections from unlisted origins. Requests
// without an Origin header, native clients included, pass through.
func originFilter(allowed []string) gin.HandlerFunc {
	allowAll := false
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || allowAll {
			c.Next()
			return
		}
		for _, candidate := range allowed {
			if candidate == origin {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
	}
}
