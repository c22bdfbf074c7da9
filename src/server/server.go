package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/resonate-fm/pulse/config"
	"github.com/resonate-fm/pulse/src/presence"
	"github.com/resonate-fm/pulse/src/protocol"
	"github.com/resonate-fm/pulse/src/publisher"
	"github.com/resonate-fm/pulse/src/registry"
)

const handshakeTimeout = 10 * time.Second

// Server exposes the realtime layer over HTTP: the websocket upgrade, the
// presence REST surface, an info route and Prometheus metrics. All
// collaborators are injected; the server owns no global state.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	reg     *registry.Registry
	pub     *publisher.Publisher
	store   presence.Store
	auth    Authenticator
	metrics *Metrics

	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	httpSrv  *fasthttp.Server
}

// New wires a server over the given collaborators and hooks delivery and
// connection metrics into the registry and publisher.
func New(cfg *config.Config, reg *registry.Registry, pub *publisher.Publisher,
	store presence.Store, auth Authenticator, logger zerolog.Logger) *Server {

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		reg:     reg,
		pub:     pub,
		store:   store,
		auth:    auth,
		metrics: NewMetrics(),
		app:     fiber.New(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.Socket.ReadBufferSize,
			WriteBufferSize: cfg.Socket.WriteBufferSize,
		},
	}

	reg.OnConnect(func(c *registry.Connection) {
		s.metrics.ConnectionsOpen.Inc()
		// A fresh connection is the strongest liveness signal there is.
		if err := store.Touch(context.Background(), c.UserID, ""); err != nil {
			s.logger.Error().Err(err).Str("user_id", c.UserID).Msg("presence touch failed")
		}
	})
	reg.OnDisconnect(func(*registry.Connection) {
		s.metrics.ConnectionsOpen.Dec()
	})
	pub.SetDeliveryHook(func(delivered, dropped int) {
		s.metrics.EnvelopesDelivered.Add(float64(delivered))
		s.metrics.EnvelopesDropped.Add(float64(dropped))
	})

	s.registerRoutes()
	return s
}

// Handler returns the top-level fasthttp handler. The websocket upgrade and
// metrics are served at the fasthttp level because fiber v3 does not expose
// the raw *fasthttp.RequestCtx; everything else goes through fiber.
func (s *Server) Handler() fasthttp.RequestHandler {
	fiberHandler := s.app.Handler()
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(s.metrics.HTTPHandler())

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			s.handleUpgrade(ctx)
		case "/metrics":
			metricsHandler(ctx)
		default:
			fiberHandler(ctx)
		}
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &fasthttp.Server{
		Handler:         s.Handler(),
		ReadBufferSize:  s.cfg.Socket.ReadBufferSize,
		WriteBufferSize: s.cfg.Socket.WriteBufferSize,
	}
	s.logger.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	return s.httpSrv.ListenAndServe(s.cfg.Server.ListenAddr)
}

// Shutdown stops accepting connections and closes the live ones.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.ShutdownWithContext(ctx)
	}
	s.reg.Shutdown()
	return err
}

func (s *Server) handleUpgrade(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"websocket upgrade required"}`)
		return
	}

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		wc := newWSConn(conn,
			time.Duration(s.cfg.Socket.WriteTimeout)*time.Second,
			2*time.Duration(s.cfg.Socket.PingInterval)*time.Second)
		wc.setHandshakeDeadline(handshakeTimeout)
		s.serveConn(wc, wc.clearHandshakeDeadline)
	})
	if err != nil {
		s.metrics.UpgradeFailures.Inc()
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// serveConn runs the auth handshake and, on success, the connection's pump
// loop. It returns when the connection is gone. onAuthenticated is invoked
// once the handshake succeeds, before the pumps start.
func (s *Server) serveConn(conn registry.Conn, onAuthenticated func()) {
	userID, activity, err := s.handshake(conn)
	if err != nil {
		if errors.Is(err, registry.ErrUnauthenticated) || errors.Is(err, protocol.ErrMalformedEnvelope) {
			s.metrics.AuthFailures.Inc()
			s.logger.Warn().Err(err).Msg("rejecting connection")
			s.sendError(conn, protocol.CodeUnauthenticated, "invalid session")
		} else {
			// The peer went away before presenting credentials. Nothing
			// was judged, so the auth failure counter stays put.
			s.logger.Debug().Err(err).Msg("connection lost during handshake")
		}
		conn.Close()
		return
	}
	if onAuthenticated != nil {
		onAuthenticated()
	}

	c, err := s.reg.Register(userID, conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("registration refused")
		s.sendError(conn, protocol.CodeUnauthenticated, err.Error())
		conn.Close()
		return
	}

	if activity != "" {
		if err := s.store.Touch(context.Background(), userID, activity); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("presence touch failed")
		}
	}
	if err := s.pub.SendInitialState(context.Background(), c); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("initial state failed")
	}

	go c.WritePump(time.Duration(s.cfg.Socket.PingInterval) * time.Second)
	c.ReadPump(s.reg, s.handleEnvelope)
}

// handshake reads the connection's first frame, which must be an auth
// envelope, and resolves its token through the session collaborator.
func (s *Server) handshake(conn registry.Conn) (userID, activity string, err error) {
	data, err := conn.ReadMessage()
	if err != nil {
		return "", "", err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return "", "", err
	}
	if env.Type != protocol.TypeAuth {
		return "", "", registry.ErrUnauthenticated
	}
	var ap protocol.AuthPayload
	if err := protocol.DecodePayload(env, &ap); err != nil {
		return "", "", err
	}
	userID, err = s.auth.Authenticate(context.Background(), ap.Token)
	if err != nil || userID == "" {
		return "", "", registry.ErrUnauthenticated
	}
	return userID, ap.CurrentActivity, nil
}

// handleEnvelope processes frames from an authenticated connection. A
// repeated auth envelope acts as a heartbeat and may update the user's
// current activity.
func (s *Server) handleEnvelope(c *registry.Connection, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuth:
		var ap protocol.AuthPayload
		if err := protocol.DecodePayload(env, &ap); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("bad heartbeat payload")
			return
		}
		if err := s.store.Touch(context.Background(), c.UserID, ap.CurrentActivity); err != nil {
			s.logger.Error().Err(err).Str("user_id", c.UserID).Msg("presence touch failed")
		}
	default:
		s.logger.Debug().
			Str("conn_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring client envelope")
	}
}

func (s *Server) sendError(conn registry.Conn, code, message string) {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		s.logger.Debug().Err(err).Msg("error envelope not delivered")
	}
}
