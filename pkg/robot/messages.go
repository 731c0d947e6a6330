package robot

import (
	json "github.com/json-iterator/go"
	"github.com/raskyld/rce/pkg/placement"
)

// Message types of the client protocol.
const (
	TypeCreateContainer  = "CC"
	TypeDestroyContainer = "CD"
	TypeConfigure        = "CN"
	TypeConnections      = "CX"
	TypeDataMessage      = "DM"
	TypeStatus           = "ST"
	TypeError            = "ER"
)

// RefLength is the size of the reference heading every binary frame.
const RefLength = 32

// Envelope is a text frame of the client protocol.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DataMessage carries a message from or to a robot interface. Parts
// lists the references of the binary frames belonging to it.
type DataMessage struct {
	Tag   string          `json:"iTag"`
	Class string          `json:"type"`
	MsgID string          `json:"msgID"`
	Msg   json.RawMessage `json:"msg"`
	Parts []string        `json:"parts,omitempty"`
}

// payload is what travels between interfaces.
type payload struct {
	Msg   json.RawMessage   `json:"msg"`
	Parts map[string][]byte `json:"parts,omitempty"`
}

type containerRequest struct {
	Tag string `json:"containerTag"`
	placement.Request
}

type nodeRequest struct {
	Container string   `json:"containerTag"`
	Tag       string   `json:"nodeTag"`
	Pkg       string   `json:"pkg"`
	Exe       string   `json:"exe"`
	Args      []string `json:"args,omitempty"`
	Name      string   `json:"name,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
}

type interfaceRequest struct {
	Endpoint string `json:"endpointTag"`
	Tag      string `json:"interfaceTag"`
	Kind     string `json:"interfaceType"`
	Class    string `json:"className"`
	Addr     string `json:"addr,omitempty"`
}

type paramRequest struct {
	Container string `json:"containerTag"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
}

type componentRef struct {
	Container string `json:"containerTag"`
	Tag       string `json:"tag"`
}

type configRequest struct {
	AddNodes         []nodeRequest      `json:"addNodes,omitempty"`
	RemoveNodes      []componentRef     `json:"removeNodes,omitempty"`
	AddInterfaces    []interfaceRequest `json:"addInterfaces,omitempty"`
	RemoveInterfaces []string           `json:"removeInterfaces,omitempty"`
	SetParams        []paramRequest     `json:"setParam,omitempty"`
	DeleteParams     []componentRef     `json:"deleteParam,omitempty"`
}

type tagPair struct {
	TagA string `json:"tagA"`
	TagB string `json:"tagB"`
}

type connectionRequest struct {
	Connect    []tagPair `json:"connect,omitempty"`
	Disconnect []tagPair `json:"disconnect,omitempty"`
}
