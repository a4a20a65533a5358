package handlers

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-collab/service/business"
)

const (
	websocketReadLimit = 1 << 20 // 1 MiB per frame
)

// GatewayHandler upgrades authenticated HTTP requests to websocket sessions
// and hands them to the connection manager.
type GatewayHandler struct {
	svc               *frame.Service
	connectionManager business.ConnectionManager
	verifier          business.TokenVerifier
	upgrader          websocket.Upgrader
}

// NewGatewayHandler creates the websocket entry point.
func NewGatewayHandler(
	svc *frame.Service,
	cm business.ConnectionManager,
	verifier business.TokenVerifier,
) *GatewayHandler {
	return &GatewayHandler{
		svc:               svc,
		connectionManager: cm,
		verifier:          verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot set Authorization headers on websocket
			// dials from arbitrary origins; access control happens via
			// bearer tokens, not origins.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Connect handles GET /ws/{projectID}.
//
// The bearer token is verified before the upgrade so an unauthenticated
// caller is refused with a plain HTTP status instead of a websocket close.
func (gh *GatewayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID := mux.Vars(r)["projectID"]
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	claims, err := gh.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		util.Log(ctx).WithError(err).WithField("project_id", projectID).
			Debug("websocket auth rejected")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ws, err := gh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		util.Log(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(websocketReadLimit)

	stream := newWebsocketStream(ws)

	err = gh.connectionManager.HandleConnection(ctx, projectID, claims, stream)
	if err != nil && !errors.Is(err, business.ErrShuttingDown) {
		util.Log(ctx).WithError(err).WithField("project_id", projectID).
			Debug("websocket session ended")
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

// websocketStream adapts a gorilla websocket connection to ClientStream.
// Writes are serialized with a mutex since both the outbound worker and
// close path write to the socket.
type websocketStream struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newWebsocketStream(ws *websocket.Conn) *websocketStream {
	return &websocketStream{ws: ws}
}

func (s *websocketStream) Receive() (*business.ClientFrame, error) {
	frame := &business.ClientFrame{}
	if err := s.ws.ReadJSON(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *websocketStream) Send(frame *business.ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(frame)
}

func (s *websocketStream) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
	)
	s.writeMu.Unlock()
	return s.ws.Close()
}
