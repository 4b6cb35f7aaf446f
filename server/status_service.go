package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/minion/journal"
	"github.com/chazu/minion/wire"
)

// StatusServicePath is the URL prefix of the status service.
const StatusServicePath = "/minion.v1.StatusService/"

// Procedure paths of the status service.
const (
	StatusProcedure         = StatusServicePath + "Status"
	ListSessionsProcedure   = StatusServicePath + "ListSessions"
	DestroySessionProcedure = StatusServicePath + "DestroySession"
	RecentCallsProcedure    = StatusServicePath + "RecentCalls"
)

// defaultRecentCalls is the page size when a RecentCalls request sets none.
const defaultRecentCalls = 20

type StatusRequest struct{}

type StatusResponse struct {
	Started     time.Time     `cbor:"1,keyasint"`
	Uptime      time.Duration `cbor:"2,keyasint"`
	Sessions    int           `cbor:"3,keyasint"`
	Handles     int           `cbor:"4,keyasint"`
	Calls       uint64        `cbor:"5,keyasint"`
	LocalOnly   bool          `cbor:"6,keyasint"`
	AgentLoaded bool          `cbor:"7,keyasint"`
	AgentArgs   string        `cbor:"8,keyasint,omitempty"`
	Journal     string        `cbor:"9,keyasint,omitempty"`
}

type ListSessionsRequest struct{}

type SessionInfo struct {
	ID      string    `cbor:"1,keyasint"`
	User    string    `cbor:"2,keyasint,omitempty"`
	Addr    string    `cbor:"3,keyasint"`
	Local   bool      `cbor:"4,keyasint"`
	Started time.Time `cbor:"5,keyasint"`
	Calls   uint64    `cbor:"6,keyasint"`
	Handles int       `cbor:"7,keyasint"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `cbor:"1,keyasint"`
}

type DestroySessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type DestroySessionResponse struct{}

type RecentCallsRequest struct {
	Limit int `cbor:"1,keyasint,omitempty"`
}

type RecentCallsResponse struct {
	Calls []journal.Entry `cbor:"1,keyasint"`
}

// StatusServiceHandler is the server side of the status service.
type StatusServiceHandler interface {
	Status(context.Context, *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error)
	ListSessions(context.Context, *connect.Request[ListSessionsRequest]) (*connect.Response[ListSessionsResponse], error)
	DestroySession(context.Context, *connect.Request[DestroySessionRequest]) (*connect.Response[DestroySessionResponse], error)
	RecentCalls(context.Context, *connect.Request[RecentCallsRequest]) (*connect.Response[RecentCallsResponse], error)
}

// NewStatusServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler.
// Messages are CBOR-encoded.
func NewStatusServiceHandler(svc StatusServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(wire.ConnectCodec{})}, opts...)

	status := connect.NewUnaryHandler(StatusProcedure, svc.Status, opts...)
	listSessions := connect.NewUnaryHandler(ListSessionsProcedure, svc.ListSessions, opts...)
	destroySession := connect.NewUnaryHandler(DestroySessionProcedure, svc.DestroySession, opts...)
	recentCalls := connect.NewUnaryHandler(RecentCallsProcedure, svc.RecentCalls, opts...)

	return StatusServicePath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case StatusProcedure:
			status.ServeHTTP(w, r)
		case ListSessionsProcedure:
			listSessions.ServeHTTP(w, r)
		case DestroySessionProcedure:
			destroySession.ServeHTTP(w, r)
		case RecentCallsProcedure:
			recentCalls.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// StatusService implements StatusServiceHandler for a MinionServer.
type StatusService struct {
	server *MinionServer
}

// NewStatusService creates a StatusService.
func NewStatusService(server *MinionServer) *StatusService {
	return &StatusService{server: server}
}

// Status reports server-wide counters.
func (s *StatusService) Status(
	ctx context.Context,
	req *connect.Request[StatusRequest],
) (*connect.Response[StatusResponse], error) {
	srv := s.server
	resp := &StatusResponse{
		Started:   srv.started,
		Uptime:    time.Since(srv.started),
		Sessions:  srv.sessions.Count(),
		Handles:   srv.handles.Count(""),
		Calls:     srv.calls.Load(),
		LocalOnly: srv.localOnly,
	}
	if srv.agent != nil {
		resp.AgentLoaded = srv.agent.IsLoaded()
		resp.AgentArgs = srv.agent.Args()
	}
	if srv.journal != nil {
		resp.Journal = srv.journal.Path()
	}
	return connect.NewResponse(resp), nil
}

// ListSessions describes every connected session.
func (s *StatusService) ListSessions(
	ctx context.Context,
	req *connect.Request[ListSessionsRequest],
) (*connect.Response[ListSessionsResponse], error) {
	sessions := s.server.sessions.List()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			ID:      sess.ID,
			User:    sess.User,
			Addr:    sess.Addr.String(),
			Local:   sess.Local,
			Started: sess.Started,
			Calls:   sess.Calls(),
			Handles: s.server.handles.Count(sess.ID),
		})
	}
	return connect.NewResponse(&ListSessionsResponse{Sessions: infos}), nil
}

// DestroySession disconnects a session and releases its handles.
func (s *StatusService) DestroySession(
	ctx context.Context,
	req *connect.Request[DestroySessionRequest],
) (*connect.Response[DestroySessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	if !s.server.sessions.Destroy(req.Msg.SessionID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	return connect.NewResponse(&DestroySessionResponse{}), nil
}

// RecentCalls returns the newest journal entries.
func (s *StatusService) RecentCalls(
	ctx context.Context,
	req *connect.Request[RecentCallsRequest],
) (*connect.Response[RecentCallsResponse], error) {
	if s.server.journal == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("journal is not enabled"))
	}
	limit := req.Msg.Limit
	if limit <= 0 {
		limit = defaultRecentCalls
	}
	calls, err := s.server.journal.Recent(ctx, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&RecentCallsResponse{Calls: calls}), nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// StatusClient calls a remote status service.
type StatusClient struct {
	status         *connect.Client[StatusRequest, StatusResponse]
	listSessions   *connect.Client[ListSessionsRequest, ListSessionsResponse]
	destroySession *connect.Client[DestroySessionRequest, DestroySessionResponse]
	recentCalls    *connect.Client[RecentCallsRequest, RecentCallsResponse]
}

// NewStatusClient returns a client for the status service at baseURL,
// e.g. http://localhost:7070.
func NewStatusClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *StatusClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(wire.ConnectCodec{})}, opts...)
	return &StatusClient{
		status:         connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, opts...),
		listSessions:   connect.NewClient[ListSessionsRequest, ListSessionsResponse](httpClient, baseURL+ListSessionsProcedure, opts...),
		destroySession: connect.NewClient[DestroySessionRequest, DestroySessionResponse](httpClient, baseURL+DestroySessionProcedure, opts...),
		recentCalls:    connect.NewClient[RecentCallsRequest, RecentCallsResponse](httpClient, baseURL+RecentCallsProcedure, opts...),
	}
}

func (c *StatusClient) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *StatusClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(&ListSessionsRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Sessions, nil
}

func (c *StatusClient) DestroySession(ctx context.Context, id string) error {
	_, err := c.destroySession.CallUnary(ctx, connect.NewRequest(&DestroySessionRequest{SessionID: id}))
	return err
}

func (c *StatusClient) RecentCalls(ctx context.Context, limit int) ([]journal.Entry, error) {
	resp, err := c.recentCalls.CallUnary(ctx, connect.NewRequest(&RecentCallsRequest{Limit: limit}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Calls, nil
}
