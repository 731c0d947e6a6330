// Package telemetry holds the labels shared by the logs and metrics of
// every component.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelPeerAddr     TelemetryLabel = "peer_addr"
	LabelEndpoint     TelemetryLabel = "endpoint"
	LabelInterface    TelemetryLabel = "interface"
	LabelNamespace    TelemetryLabel = "namespace"
	LabelProtocol     TelemetryLabel = "protocol"
	LabelConnID       TelemetryLabel = "conn_id"
	LabelRemoteID     TelemetryLabel = "remote_id"
	LabelMsgID        TelemetryLabel = "msg_id"
	LabelResult       TelemetryLabel = "result"
	LabelMachine      TelemetryLabel = "machine"
	LabelContainer    TelemetryLabel = "container"
	LabelUser         TelemetryLabel = "user"
	LabelNetworkGroup TelemetryLabel = "network_group"
	LabelDuration     TelemetryLabel = "duration"
	LabelCount        TelemetryLabel = "count"
)

// M returns a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a structured log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With appends labels to a static label set without aliasing it.
func With(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(labels))
	out = append(out, static...)
	return append(out, labels...)
}
