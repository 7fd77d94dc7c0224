package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	apperrors "github.com/SukunDev/emo-chan-gui/pkg/errors"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
	"github.com/SukunDev/emo-chan-gui/pkg/tracing"
	"github.com/SukunDev/emo-chan-gui/pkg/utils"
	"github.com/SukunDev/emo-chan-gui/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Inbound client commands.
const (
	EventScan       = "ble-scan"
	EventConnect    = "ble-connect"
	EventDisconnect = "ble-disconnect"
	EventStatus     = "ble-status"

	EventScanResult       = "ble-scan-result"
	EventConnectResult    = "ble-connect-result"
	EventDisconnectResult = "ble-disconnect-result"
	EventError            = "error"
)

type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	// Per-connection inbound limit. Zero disables it.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// ClientMessage is an inbound command. Timeout is an optional scan duration
// in seconds.
type ClientMessage struct {
	Event   string  `json:"event"`
	Address string  `json:"address,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
}

type ScanResult struct {
	Event   string                  `json:"event"`
	Success bool                    `json:"success"`
	Data    []domain.PeerDescriptor `json:"data"`
	Error   string                  `json:"error,omitempty"`
	Code    string                  `json:"code,omitempty"`
}

type ConnectResult struct {
	Event     string  `json:"event"`
	Connected bool    `json:"connected"`
	Name      string  `json:"name"`
	Address   *string `json:"address"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
}

type DisconnectResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ErrorMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketServer accepts clients, registers them with the hub and answers
// their link commands.
type WebSocketServer struct {
	hub      *Hub
	link     ports.LinkController
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	cmdLog   *logger.ContextLogger
	metrics  ports.MetricsRecorder
}

// NewWebSocketServer builds the server. link may be nil when no wireless
// peer is configured; link commands then fail with NOT_CONNECTED.
func NewWebSocketServer(hub *Hub, link ports.LinkController, cfg ServerConfig, log *zap.SugaredLogger, metrics ports.MetricsRecorder) *WebSocketServer {
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &WebSocketServer{
		hub:  hub,
		link: link,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			// local companion UI; origin is not meaningful
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  log,
		cmdLog:  logger.NewContextLogger(log.Desugar()),
		metrics: metrics,
	}
}

// wsClient serialises writes on one connection; gorilla allows only one
// concurrent writer.
type wsClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) WriteMessage(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := &wsClient{
		id:           utils.GenerateClientID(),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	if err := s.hub.AddClient(client); err != nil {
		s.logger.Warnw("rejecting client", "client_id", client.id, "error", err)
		return
	}
	defer s.hub.RemoveClient(client.id)

	s.logger.Infow("client connected via WebSocket", "client_id", client.id, "remote", r.RemoteAddr)

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	ctx, cancel := context.WithCancel(logger.WithClientID(r.Context(), client.id))
	defer cancel()

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.metrics.RecordCommand("rate_limited", false)
				s.reply(ctx, client, ErrorMessage{
					Event:   EventError,
					Message: "rate limit exceeded",
					Code:    string(apperrors.ErrCodeRateLimit),
				})
				continue
			}
			s.handleMessage(ctx, client, data)

		case <-pingTicker.C:
			if err := client.ping(); err != nil {
				s.logger.Infow("error sending ping", "client_id", client.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from client", "client_id", client.id, "error", err)
			}
			s.logger.Infow("client disconnected", "client_id", client.id)
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, client *wsClient, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.RecordCommand("malformed", false)
		s.reply(ctx, client, ErrorMessage{
			Event:   EventError,
			Message: fmt.Sprintf("malformed message: %v", err),
			Code:    string(apperrors.ErrCodeInvalidInput),
		})
		return
	}
	if err := validation.ValidateEventName(msg.Event); err != nil {
		s.metrics.RecordCommand("invalid", false)
		s.reply(ctx, client, ErrorMessage{Event: EventError, Message: err.Error(), Code: string(apperrors.ErrCodeInvalidInput)})
		return
	}

	ctx = logger.WithCommand(ctx, msg.Event)
	ctx = logger.WithRequestID(ctx, utils.GenerateRequestID())
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Event, client.id)
	defer span.End()

	s.cmdLog.LogDebug(ctx, "client command")

	var (
		reply any
		err   error
	)
	switch msg.Event {
	case EventScan:
		reply, err = s.handleScan(ctx, msg)
	case EventConnect:
		reply, err = s.handleConnect(ctx, msg)
	case EventDisconnect:
		reply, err = s.handleDisconnect(ctx)
	case EventStatus:
		reply = domain.NewStatusMessage(s.status())
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown event: %s", msg.Event))
		reply = ErrorMessage{Event: EventError, Message: err.Error(), Code: string(apperrors.ErrCodeInvalidInput)}
	}

	s.metrics.RecordCommand(msg.Event, err == nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.cmdLog.LogInfo(ctx, "command failed", zap.Error(err))
	}
	s.reply(ctx, client, reply)
}

func (s *WebSocketServer) handleScan(ctx context.Context, msg ClientMessage) (ScanResult, error) {
	res := ScanResult{Event: EventScanResult, Data: []domain.PeerDescriptor{}}

	var timeout time.Duration
	if msg.Timeout > 0 {
		timeout = time.Duration(msg.Timeout * float64(time.Second))
		if err := validation.ValidateScanTimeout(timeout); err != nil {
			appErr := apperrors.NewInvalidInputError(err.Error())
			res.Error, res.Code = appErr.Message, string(appErr.Code)
			return res, appErr
		}
	}
	if s.link == nil {
		appErr := apperrors.NewNotConnectedError()
		res.Error, res.Code = appErr.Message, string(appErr.Code)
		return res, appErr
	}

	peers, err := s.link.Scan(ctx, timeout)
	if err != nil {
		appErr := apperrors.NewScanError(err)
		res.Error, res.Code = apperrors.Message(appErr), string(appErr.Code)
		return res, appErr
	}
	res.Success = true
	res.Data = peers
	return res, nil
}

func (s *WebSocketServer) handleConnect(ctx context.Context, msg ClientMessage) (ConnectResult, error) {
	res := ConnectResult{Event: EventConnectResult, Name: domain.UnknownText}

	address, err := validation.ValidateBLEAddress(msg.Address)
	if err != nil {
		appErr := apperrors.NewInvalidInputError(err.Error())
		res.Error, res.Code = appErr.Message, string(appErr.Code)
		return res, appErr
	}
	if s.link == nil {
		appErr := apperrors.NewNotConnectedError()
		res.Error, res.Code = appErr.Message, string(appErr.Code)
		return res, appErr
	}

	ctx = logger.WithPeerAddress(ctx, address)
	ok, err := s.link.Connect(ctx, address)
	status := s.link.Status()
	res.Connected = ok && status.Connected
	res.Name = status.Name
	res.Address = status.Address
	if err != nil {
		appErr := apperrors.NewConnectError(address, err)
		res.Error, res.Code = apperrors.Message(appErr), string(appErr.Code)
		return res, appErr
	}
	return res, nil
}

func (s *WebSocketServer) handleDisconnect(ctx context.Context) (DisconnectResult, error) {
	res := DisconnectResult{Event: EventDisconnectResult, Success: true}
	if s.link == nil {
		return res, nil
	}
	if err := s.link.Disconnect(ctx, true); err != nil {
		appErr := apperrors.WrapError(err, apperrors.ErrCodeInternal, "disconnect failed")
		res.Success = false
		res.Error, res.Code = apperrors.Message(appErr), string(appErr.Code)
		return res, appErr
	}
	return res, nil
}

func (s *WebSocketServer) status() domain.LinkStatus {
	if s.link == nil {
		return domain.DisconnectedStatus()
	}
	return s.link.Status()
}

// reply answers the requesting client only.
func (s *WebSocketServer) reply(ctx context.Context, client *wsClient, payload any) {
	if err := s.hub.Send(ctx, client.id, payload); err != nil {
		s.logger.Infow("error replying to client", "client_id", client.id, "error", err)
	}
}
