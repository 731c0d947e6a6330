package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/raskyld/rce/pkg/telemetry"
)

// NetworkProtocol speaks the framed internal protocol over a [Stream].
//
// Each side first sends an Init frame carrying the connection ID and its
// key, every following frame is a Data frame. Data frames are only
// accepted once the key of the remote side was verified.
type NetworkProtocol struct {
	dispatcher
	ep     *Endpoint
	stream Stream
	client bool
	peer   string
	r      *frame.Reader
	w      *frame.Writer

	mLabels []metrics.Label

	initLk   sync.Mutex
	initSent bool
	verified atomic.Bool
}

func newNetworkProtocol(ep *Endpoint, stream Stream, client bool) *NetworkProtocol {
	peer := "unknown"
	if addr := stream.RemoteAddr(); addr != nil {
		peer = addr.String()
	}

	np := &NetworkProtocol{
		ep:      ep,
		stream:  stream,
		client:  client,
		peer:    peer,
		r:       frame.NewReader(stream, ep.cfg.maxFrame),
		w:       frame.NewWriter(stream, ep.cfg.maxFrame),
		mLabels: telemetry.With(ep.mLabels, telemetry.LabelPeerAddr.M(peer)),
	}
	np.setup(np, ep.logger.With(telemetry.LabelPeerAddr.L(peer)))
	return np
}

// sendInit is a no-op if our Init frame was already sent.
func (np *NetworkProtocol) sendInit(connID frame.ConnID, key frame.Key) error {
	np.initLk.Lock()
	defer np.initLk.Unlock()
	if np.initSent {
		return nil
	}
	if err := np.w.WriteFrame(frame.Init{ConnID: connID, Key: key}.Marshal()); err != nil {
		return fmt.Errorf("%w: could not send init: %w", errdefs.ErrConnectionLost, err)
	}
	np.initSent = true
	return nil
}

func (np *NetworkProtocol) readLoop() {
	defer np.Destroy()

	for {
		buf, err := np.r.ReadFrame()
		if err != nil {
			np.readFailed(err)
			return
		}
		np.ep.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(buf)), np.mLabels)

		if !np.verified.Load() {
			in, err := frame.UnmarshalInit(buf)
			if err != nil {
				np.violation("first frame is not an init frame", err)
				return
			}
			if err := np.ep.processInit(np, in.ConnID, in.Key); err != nil {
				np.logger.Warn(
					"connection refused",
					telemetry.LabelConnID.L(in.ConnID),
					telemetry.LabelError.L(err),
				)
				return
			}
			continue
		}

		data, err := frame.UnmarshalData(buf)
		if err != nil {
			np.violation("malformed data frame", err)
			return
		}
		np.MessageReceived(data.SrcID, data.Body, data.MsgID, data.DestID)
	}
}

func (np *NetworkProtocol) readFailed(err error) {
	if np.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		np.logger.Debug("protocol stream ended", telemetry.LabelError.L(err))
		return
	}
	if errors.Is(err, frame.ErrTooLarge) {
		np.violation("frame too large", err)
		return
	}
	np.logger.Warn("protocol stream broken", telemetry.LabelError.L(err))
	np.ep.msink.IncrCounterWithLabels(
		MetricFrameErrorCount,
		1.0,
		telemetry.With(np.mLabels, telemetry.LabelError.M("read")),
	)
}

func (np *NetworkProtocol) violation(what string, err error) {
	np.logger.Warn("protocol violation: "+what, telemetry.LabelError.L(err))
	np.ep.msink.IncrCounterWithLabels(
		MetricFrameErrorCount,
		1.0,
		telemetry.With(np.mLabels, telemetry.LabelError.M("protocol_violation")),
	)
}

func (np *NetworkProtocol) SendMessage(iface *Interface, msg []byte, msgID string, destID *uuid.UUID) error {
	if np.isClosed() {
		return fmt.Errorf("%w: %s", errdefs.ErrConnectionLost, np)
	}
	if !np.verified.Load() {
		return ErrNotAuthenticated
	}

	payload, err := frame.Data{
		DestID: destID,
		SrcID:  iface.UID(),
		MsgID:  msgID,
		Body:   msg,
	}.Marshal()
	if err != nil {
		return err
	}

	if err := np.w.WriteFrame(payload); err != nil {
		if errors.Is(err, frame.ErrTooLarge) {
			return err
		}
		np.logger.Warn("failed to write frame", telemetry.LabelError.L(err))
		np.ep.msink.IncrCounterWithLabels(
			MetricFrameErrorCount,
			1.0,
			telemetry.With(np.mLabels, telemetry.LabelError.M("write")),
		)
		np.Destroy()
		return fmt.Errorf("%w: %w", errdefs.ErrConnectionLost, err)
	}
	np.ep.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(payload)), np.mLabels)
	return nil
}

func (np *NetworkProtocol) Destroy() error {
	if !np.shutdown() {
		return nil
	}
	err := np.stream.Close()
	np.ep.protocolClosed(np)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		np.logger.Debug("error closing stream", telemetry.LabelError.L(err))
	}
	return nil
}

func (np *NetworkProtocol) String() string {
	if np.client {
		return "client:" + np.peer
	}
	return "server:" + np.peer
}
