// Package robot serves the client side of a robot connection.
//
// A robot connection is an endpoint namespace whose interfaces are driven
// by a remote client. The client speaks JSON text frames, large binary
// payloads travel in separate binary frames referenced by the message
// they belong to.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/raskyld/rce/pkg/assembly"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/placement"
	"github.com/raskyld/rce/pkg/telemetry"
)

// ClientWriter sends frames to the client. Implementations serialize the
// frames, a session never writes concurrently.
type ClientWriter interface {
	WriteJSON(v any) error
	WriteBinary(ref string, data []byte) error
}

// Commands are the requests a client may issue about its containers.
type Commands interface {
	CreateContainer(ctx context.Context, tag string, req placement.Request) error
	DestroyContainer(tag string) error
	AddNode(ctx context.Context, epTag string, node endpoint.NodeSpec) error
	RemoveNode(epTag, nodeTag string) error
	AddInterface(epTag string, spec endpoint.InterfaceSpec) error
	RemoveInterface(tag string) error
	AddParameter(epTag, name string, value any) error
	RemoveParameter(epTag, name string) error
	AddConnection(tagA, tagB string) error
	RemoveConnection(tagA, tagB string) error
}

type Session struct {
	tag         string
	ns          *endpoint.Namespace
	cmds        Commands
	logger      *slog.Logger
	callTimeout time.Duration
	asm         *assembly.Assembler[DataMessage]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeLk sync.Mutex
	out     ClientWriter

	lk      sync.Mutex
	closed  bool
	replies map[string]chan []byte
}

// NewSession serves the client of the robot namespace ns.
func NewSession(ns *endpoint.Namespace, out ClientWriter, cmds Commands, opts ...Option) (*Session, error) {
	cfg := &config{callTimeout: defaultCallTimeout}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	s := &Session{
		tag:         ns.Tag(),
		ns:          ns,
		cmds:        cmds,
		callTimeout: cfg.callTimeout,
		out:         out,
		replies:     make(map[string]chan []byte),
	}
	if cfg.logHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.logHandler)
	}
	s.logger = s.logger.With(telemetry.LabelNamespace.L(s.tag))

	asmOpts := cfg.asmOpts
	if cfg.logHandler != nil {
		asmOpts = append([]assembly.Option{assembly.WithLog(cfg.logHandler)}, asmOpts...)
	}
	asm, err := assembly.New(s.dispatch, asmOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.asm = asm
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) Tag() string {
	return s.tag
}

// Spec returns spec wired to the client: messages received by the
// interface are forwarded to it and requests are answered by it.
func (s *Session) Spec(spec endpoint.InterfaceSpec) endpoint.InterfaceSpec {
	tag, class := spec.Tag, spec.Class
	spec.OnMessage = func(m endpoint.Message) {
		if err := s.send(tag, class, m.ID, m.Body); err != nil {
			s.logger.Warn("failed to forward message", telemetry.LabelInterface.L(tag), telemetry.LabelError.L(err))
		}
	}
	spec.OnRequest = func(ctx context.Context, req endpoint.Message) ([]byte, error) {
		return s.serve(ctx, tag, class, req)
	}
	return spec
}

// HandleText processes a text frame of the client. A failed request is
// also reported to the client.
func (s *Session) HandleText(raw []byte) error {
	err := s.handleText(raw)
	if err != nil {
		s.reportError(err)
	}
	return err
}

func (s *Session) handleText(raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errdefs.InvalidRequest("malformed message: %s", err)
	}

	if env.Type == TypeDataMessage {
		var dm DataMessage
		if err := json.Unmarshal(env.Data, &dm); err != nil {
			return errdefs.InvalidRequest("malformed data message: %s", err)
		}
		if dm.Tag == "" {
			return errdefs.InvalidRequest("data message without interface tag")
		}
		return s.asm.Message(uuid.NewString(), dm, dm.Parts)
	}

	if s.cmds == nil {
		return errdefs.InvalidRequest("message type %q not allowed on this connection", env.Type)
	}

	switch env.Type {
	case TypeCreateContainer:
		var req containerRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return errdefs.InvalidRequest("malformed container request: %s", err)
		}
		return s.cmds.CreateContainer(s.ctx, req.Tag, req.Request)
	case TypeDestroyContainer:
		var req containerRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return errdefs.InvalidRequest("malformed container request: %s", err)
		}
		return s.cmds.DestroyContainer(req.Tag)
	case TypeConfigure:
		var req configRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return errdefs.InvalidRequest("malformed configuration request: %s", err)
		}
		return s.configure(req)
	case TypeConnections:
		var req connectionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return errdefs.InvalidRequest("malformed connection request: %s", err)
		}
		return s.connections(req)
	default:
		return errdefs.InvalidRequest("unknown message type %q", env.Type)
	}
}

func (s *Session) configure(req configRequest) error {
	for _, n := range req.AddNodes {
		err := s.cmds.AddNode(s.ctx, n.Container, endpoint.NodeSpec{
			Tag:       n.Tag,
			Pkg:       n.Pkg,
			Exe:       n.Exe,
			Args:      n.Args,
			Name:      n.Name,
			Namespace: n.Namespace,
		})
		if err != nil {
			return err
		}
	}
	for _, n := range req.RemoveNodes {
		if err := s.cmds.RemoveNode(n.Container, n.Tag); err != nil {
			return err
		}
	}
	for _, i := range req.AddInterfaces {
		kind, err := endpoint.ParseKind(i.Kind)
		if err != nil {
			return err
		}
		err = s.cmds.AddInterface(i.Endpoint, endpoint.InterfaceSpec{
			Tag:   i.Tag,
			Kind:  kind,
			Class: i.Class,
			Addr:  i.Addr,
		})
		if err != nil {
			return err
		}
	}
	for _, tag := range req.RemoveInterfaces {
		if err := s.cmds.RemoveInterface(tag); err != nil {
			return err
		}
	}
	for _, p := range req.SetParams {
		if err := s.cmds.AddParameter(p.Container, p.Name, p.Value); err != nil {
			return err
		}
	}
	for _, p := range req.DeleteParams {
		if err := s.cmds.RemoveParameter(p.Container, p.Tag); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) connections(req connectionRequest) error {
	for _, pair := range req.Connect {
		if err := s.cmds.AddConnection(pair.TagA, pair.TagB); err != nil {
			return err
		}
	}
	for _, pair := range req.Disconnect {
		if err := s.cmds.RemoveConnection(pair.TagA, pair.TagB); err != nil {
			return err
		}
	}
	return nil
}

// HandleBinary processes a binary frame, its first RefLength bytes are
// the reference of the part.
func (s *Session) HandleBinary(raw []byte) error {
	if len(raw) < RefLength {
		err := errdefs.InvalidRequest("binary frame of %d bytes has no reference", len(raw))
		s.reportError(err)
		return err
	}
	s.asm.Part(string(raw[:RefLength]), raw[RefLength:])
	return nil
}

// dispatch routes a complete data message to its interface.
func (s *Session) dispatch(c assembly.Complete[DataMessage]) {
	dm := c.Value
	if err := s.dispatchData(dm, c.Parts); err != nil {
		s.logger.Debug(
			"data message refused",
			telemetry.LabelInterface.L(dm.Tag),
			telemetry.LabelMsgID.L(dm.MsgID),
			telemetry.LabelError.L(err),
		)
		s.reportError(err)
	}
}

func (s *Session) dispatchData(dm DataMessage, parts map[string][]byte) error {
	iface, ok := s.ns.Interface(dm.Tag)
	if !ok {
		return errdefs.InvalidRequest("unknown interface %q", dm.Tag)
	}
	body, err := json.Marshal(payload{Msg: dm.Msg, Parts: parts})
	if err != nil {
		return errdefs.InvalidRequest("cannot encode message: %s", err)
	}

	switch iface.Kind() {
	case endpoint.KindPublisher:
		return iface.Publish(body, dm.MsgID)
	case endpoint.KindServiceClient:
		return s.call(iface, dm, body)
	case endpoint.KindServiceProvider:
		s.lk.Lock()
		ch, ok := s.replies[dm.MsgID]
		delete(s.replies, dm.MsgID)
		s.lk.Unlock()
		if !ok {
			return errdefs.InvalidRequest("no pending request %q on %q", dm.MsgID, dm.Tag)
		}
		ch <- body
		return nil
	default:
		return errdefs.InvalidRequest("interface %q does not accept messages from the robot", dm.Tag)
	}
}

// call issues a service call of the robot, the response is sent back
// with the message ID of the request.
func (s *Session) call(iface *endpoint.Interface, dm DataMessage, body []byte) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
		defer cancel()

		resp, err := iface.Call(ctx, body)
		if err == nil {
			err = s.send(dm.Tag, iface.Class(), dm.MsgID, resp)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.reportError(fmt.Errorf("service call on %q: %w", dm.Tag, err))
		}
	}()
	return nil
}

// serve forwards a request to the robot and waits for its answer.
func (s *Session) serve(ctx context.Context, tag, class string, req endpoint.Message) ([]byte, error) {
	msgID := uuid.NewString()
	ch := make(chan []byte, 1)

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil, ErrClosed
	}
	s.replies[msgID] = ch
	s.lk.Unlock()

	forget := func() {
		s.lk.Lock()
		defer s.lk.Unlock()
		delete(s.replies, msgID)
	}

	if err := s.send(tag, class, msgID, req.Body); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-s.ctx.Done():
		forget()
		return nil, ErrClosed
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("robot did not answer request %s in time", msgID)
	}
}

// send writes a message to the client, the binary parts first.
func (s *Session) send(tag, class, msgID string, body []byte) error {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("robot: undecodable message for %q: %w", tag, err)
	}

	refs := make([]string, 0, len(p.Parts))
	for ref := range p.Parts {
		refs = append(refs, ref)
	}
	slices.Sort(refs)

	s.writeLk.Lock()
	defer s.writeLk.Unlock()
	for _, ref := range refs {
		if err := s.out.WriteBinary(ref, p.Parts[ref]); err != nil {
			return err
		}
	}
	return s.out.WriteJSON(outbound{
		Type: TypeDataMessage,
		Data: DataMessage{
			Tag:   tag,
			Class: class,
			MsgID: msgID,
			Msg:   p.Msg,
			Parts: refs,
		},
	})
}

func (s *Session) reportError(err error) {
	s.writeLk.Lock()
	defer s.writeLk.Unlock()
	if werr := s.out.WriteJSON(outbound{Type: TypeError, Data: err.Error()}); werr != nil {
		s.logger.Debug("failed to report error to client", telemetry.LabelError.L(werr))
	}
}

// Status sends an informational message to the client.
func (s *Session) Status(msg string) error {
	s.writeLk.Lock()
	defer s.writeLk.Unlock()
	return s.out.WriteJSON(outbound{Type: TypeStatus, Data: msg})
}

// Close drops the incomplete messages and fails the pending requests.
func (s *Session) Close() {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return
	}
	s.closed = true
	s.lk.Unlock()

	s.cancel()
	s.asm.Close()
	s.wg.Wait()
}
