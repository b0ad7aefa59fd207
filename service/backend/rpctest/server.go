// Package rpctest serves the chat RPC surface over an in-memory bufconn
// listener. Requests and replies are google.protobuf.Struct, routed by the
// unknown-service handler so no generated stubs are needed.
package rpctest

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const Service = "chat.ChatService"

type message struct {
	from, to, content string
}

type Server struct {
	lis    *bufconn.Listener
	srv    *grpc.Server
	health *health.Server

	mu       sync.Mutex
	calls    []string
	reject   map[string]string
	online   map[string]bool
	groups   map[string][]string
	private  []message
	groupLog map[string][]message
}

func NewServer() *Server {
	s := &Server{
		lis:      bufconn.Listen(1 << 20),
		health:   health.NewServer(),
		reject:   make(map[string]string),
		online:   make(map[string]bool),
		groups:   make(map[string][]string),
		groupLog: make(map[string][]message),
	}
	s.srv = grpc.NewServer(grpc.UnknownServiceHandler(s.handle))
	grpc_health_v1.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus(Service, grpc_health_v1.HealthCheckResponse_SERVING)
	go func() { _ = s.srv.Serve(s.lis) }()
	return s
}

// DialOption routes a client connection to this server.
func (s *Server) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	})
}

// Dial opens a raw connection to the listener.
func (s *Server) Dial(ctx context.Context) (net.Conn, error) { return s.lis.DialContext(ctx) }

// Reject makes every call of op answer with an "error" field.
func (s *Server) Reject(op, msg string) {
	s.mu.Lock()
	s.reject[op] = msg
	s.mu.Unlock()
}

func (s *Server) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(Service, st)
}

// Calls lists the ops received, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) Close() {
	s.srv.Stop()
	_ = s.lis.Close()
}

func (s *Server) handle(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method")
	}
	svc, op, _ := strings.Cut(strings.TrimPrefix(method, "/"), "/")
	if svc != Service {
		return status.Errorf(codes.Unimplemented, "unknown service %s", svc)
	}
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	s.mu.Lock()
	s.calls = append(s.calls, op)
	msg, rejected := s.reject[op]
	s.mu.Unlock()

	var out map[string]any
	if rejected {
		out = map[string]any{"error": msg}
	} else {
		var err error
		if out, err = s.apply(op, req.AsMap()); err != nil {
			return err
		}
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(resp)
}

func (s *Server) apply(op string, args map[string]any) (map[string]any, error) {
	str := func(k string) string { v, _ := args[k].(string); return v }
	ok := map[string]any{"result": true}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "Login":
		if str("username") == "" {
			return map[string]any{"error": "username required"}, nil
		}
		s.online[str("username")] = true
		return ok, nil
	case "Logout":
		delete(s.online, str("username"))
		return ok, nil
	case "SendMessage":
		s.private = append(s.private, message{from: str("from"), to: str("to"), content: str("content")})
		return ok, nil
	case "SendGroupMessage", "SendGroupAudio":
		group := str("group")
		if _, exists := s.groups[group]; !exists {
			return map[string]any{"error": "group does not exist"}, nil
		}
		if op == "SendGroupMessage" {
			s.groupLog[group] = append(s.groupLog[group], message{from: str("from"), content: str("content")})
		}
		return ok, nil
	case "SendAudio":
		return ok, nil
	case "CreateGroup":
		group, creator := str("group"), str("creator")
		if _, exists := s.groups[group]; exists {
			return map[string]any{"error": "could not create group '" + group + "'."}, nil
		}
		members := []string{creator}
		if list, isList := args["members"].([]any); isList {
			for _, m := range list {
				if name, _ := m.(string); name != "" && name != creator {
					members = append(members, name)
				}
			}
		}
		s.groups[group] = members
		return ok, nil
	case "JoinGroup":
		group, user := str("group"), str("username")
		members, exists := s.groups[group]
		if !exists {
			return map[string]any{"error": "could not join group '" + group + "'."}, nil
		}
		if !contains(members, user) {
			s.groups[group] = append(members, user)
		}
		return ok, nil
	case "GetPrivateHistory":
		u1, u2 := str("user1"), str("user2")
		var list []any
		for _, m := range s.private {
			if (m.from == u1 && m.to == u2) || (m.from == u2 && m.to == u1) {
				list = append(list, map[string]any{"from": m.from, "to": m.to, "content": m.content})
			}
		}
		return map[string]any{"result": list}, nil
	case "GetGroupHistory":
		var list []any
		for _, m := range s.groupLog[str("group")] {
			list = append(list, map[string]any{"from": m.from, "content": m.content})
		}
		return map[string]any{"result": list}, nil
	case "GetUserGroups":
		var list []any
		for _, g := range sortedKeys(s.groups) {
			if contains(s.groups[g], str("username")) {
				list = append(list, g)
			}
		}
		return map[string]any{"result": list}, nil
	case "GetGroupMembers":
		members, exists := s.groups[str("group")]
		if !exists {
			return map[string]any{"error": "group does not exist"}, nil
		}
		return map[string]any{"result": toAny(members)}, nil
	case "GetOnlineUsers":
		users := make([]string, 0, len(s.online))
		for u := range s.online {
			users = append(users, u)
		}
		sort.Strings(users)
		return map[string]any{"result": toAny(users)}, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown op %s", op)
}

// SetGroup installs a group directly.
func (s *Server) SetGroup(name string, members ...string) {
	s.mu.Lock()
	s.groups[name] = append([]string(nil), members...)
	s.mu.Unlock()
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toAny(list []string) []any {
	out := make([]any, 0, len(list))
	for _, v := range list {
		out = append(out, v)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
