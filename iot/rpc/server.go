package rpc

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// ErrUnknownMethod is returned to the cloud for methods without handler
var ErrUnknownMethod = errors.New("unknown method")

// Handler handles a server-side RPC call. A nil result with a nil error sends no reply,
// which is what one-way calls expect.
type Handler func(params json.RawMessage) (result interface{}, err error)

type method struct {
	name    string
	handler Handler
}

// Server dispatches server-side RPC calls to registered handlers.
type Server struct {
	transport  transport.PubSub
	methods    container.Container[method]
	subscribed bool
	log        *logrus.Entry
}

// NewServer returns a new server-side RPC capability. policy and capacity configure
// the storage of method handlers.
func NewServer(t transport.PubSub, policy container.Policy, capacity int) *Server {
	if t == nil {
		panic("Transport is missing")
	}
	return &Server{
		transport: t,
		methods:   container.New[method](policy, capacity),
		log:       logger.ForComponent("rpc"),
	}
}

// Name implements the capability contract
func (s *Server) Name() string {
	return "server rpc"
}

// Handle registers handler for name. A second registration for the same name replaces
// the first. It returns false if the handler storage is full or the transport failed.
func (s *Server) Handle(name string, handler Handler) bool {
	if len(name) == 0 || handler == nil {
		return false
	}
	if i := container.IndexOf(s.methods, func(m method) bool { return m.name == name }); i >= 0 {
		s.methods.Set(i, method{name: name, handler: handler})
		return true
	}
	if s.methods.Full() {
		s.log.Warnf("cannot register %s, handler storage is full", name)
		return false
	}
	if !s.subscribed {
		if err := s.transport.Subscribe(topic.RPCRequestPattern); err != nil {
			s.log.WithError(err).Errorln("cannot subscribe to rpc requests")
			return false
		}
		s.subscribed = true
	}
	s.methods.PushBack(method{name: name, handler: handler})
	return true
}

// Matches implements the capability contract
func (s *Server) Matches(topicName string) bool {
	return topic.Match(topic.RPCRequestPattern, topicName)
}

// HandleResponse runs the handler of a server-side request and publishes its reply
func (s *Server) HandleResponse(topicName string, payload []byte) {
	id, err := topic.ParseID(topicName, topic.RPCRequestPrefix)
	if err != nil {
		s.log.WithError(err).Warnln("ignoring rpc request")
		return
	}
	var request Request
	if err := json.Unmarshal(payload, &request); err != nil || len(request.Method) == 0 {
		s.log.Warnf("ignoring invalid rpc request %d", id)
		return
	}

	var result interface{}
	i := container.IndexOf(s.methods, func(m method) bool { return m.name == request.Method })
	if i < 0 {
		err = ErrUnknownMethod
	} else {
		result, err = s.methods.At(i).handler(request.Params)
	}
	if err != nil {
		s.log.WithError(err).Warnf("rpc %s (%d) failed", request.Method, id)
		result = map[string]string{"error": err.Error()}
	}
	if result == nil {
		return
	}

	reply, err := json.Marshal(result)
	if err != nil {
		s.log.WithError(err).Errorf("cannot marshal reply of %s", request.Method)
		return
	}
	if err := s.transport.Publish(topic.WithID(topic.RPCResponsePrefix, id), reply); err != nil {
		s.log.WithError(err).Errorf("cannot reply to rpc %d", id)
	}
}

// Resubscribe implements the capability contract
func (s *Server) Resubscribe() error {
	if !s.subscribed {
		return nil
	}
	return s.transport.Subscribe(topic.RPCRequestPattern)
}

// Unsubscribe drops the subscription and all handlers
func (s *Server) Unsubscribe() error {
	s.methods.Clear()
	if !s.subscribed {
		return nil
	}
	s.subscribed = false
	return s.transport.Unsubscribe(topic.RPCRequestPattern)
}
