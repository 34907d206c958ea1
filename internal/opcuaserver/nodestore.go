package opcuaserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

// NodeStore is a device.Store backed by the variable nodes of the
// server's address space. Each node reads its value from the store, and
// client writes land here too, so Get always reflects the latest value
// from either side.
type NodeStore struct {
	mu     sync.RWMutex
	values map[device.Attribute]*ua.DataValue
	ids    map[device.Attribute]*ua.NodeID
	byNode map[string]device.Attribute

	// onChange is nil until the server is listening; nobody can be
	// subscribed before then.
	onChange func(*ua.NodeID, *ua.DataValue)
}

func newNodeStore() *NodeStore {
	return &NodeStore{
		values: make(map[device.Attribute]*ua.DataValue),
		ids:    make(map[device.Attribute]*ua.NodeID),
		byNode: make(map[string]device.Attribute),
	}
}

// Get returns the current node value, widened to the attribute's Go kind.
func (s *NodeStore) Get(attr device.Attribute) (any, error) {
	s.mu.RLock()
	dv, ok := s.values[attr]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownAttribute, string(attr))
	}
	if dv == nil || dv.Value == nil {
		return nil, fmt.Errorf("%w: %s has no value", device.ErrInvalidValue, attr)
	}
	return device.Normalize(attr, dv.Value.Value())
}

// Set stores the node value and notifies subscribed clients.
func (s *NodeStore) Set(attr device.Attribute, value any) error {
	normalized, err := device.Normalize(attr, value)
	if err != nil {
		return err
	}
	dv := dataValue(normalized)

	s.mu.Lock()
	nid, ok := s.ids[attr]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", device.ErrUnknownAttribute, string(attr))
	}
	s.values[attr] = dv
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(nid, dv)
	}
	return nil
}

// NodeID returns the node ID of attr's variable.
func (s *NodeStore) NodeID(attr device.Attribute) (*ua.NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nid, ok := s.ids[attr]
	return nid, ok
}

// attribute maps a variable node back to its device attribute.
func (s *NodeStore) attribute(nid *ua.NodeID) (device.Attribute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.byNode[nid.String()]
	return attr, ok
}

func (s *NodeStore) setOnChange(fn func(*ua.NodeID, *ua.DataValue)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// valueFunc is the node's Value attribute source.
func (s *NodeStore) valueFunc(attr device.Attribute) server.ValueFunc {
	return func() *ua.DataValue {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.values[attr]
	}
}

func (s *NodeStore) register(attr device.Attribute, nid *ua.NodeID, initial any) error {
	normalized, err := device.Normalize(attr, initial)
	if err != nil {
		return fmt.Errorf("initial value: %w", err)
	}
	s.mu.Lock()
	s.values[attr] = dataValue(normalized)
	s.ids[attr] = nid
	s.byNode[nid.String()] = attr
	s.mu.Unlock()
	return nil
}

// buildAddressSpace registers the device object under the Objects folder
// and one variable per attribute beneath it, seeded with d.
func buildAddressSpace(srv *server.Server, namespaceURI, objectName string, d device.Defaults) (*NodeStore, error) {
	root, err := srv.Namespace(0)
	if err != nil {
		return nil, fmt.Errorf("getting root namespace: %w", err)
	}

	ns := server.NewNodeNameSpace(srv, namespaceURI)
	nsID := ns.ID()

	obj := server.NewNode(
		ua.NewStringNodeID(nsID, objectName),
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:   dataValue(uint32(ua.NodeClassObject)),
			ua.AttributeIDBrowseName:  dataValue(&ua.QualifiedName{NamespaceIndex: nsID, Name: objectName}),
			ua.AttributeIDDisplayName: dataValue(localizedText(objectName)),
		},
		nil,
		nil,
	)
	if t := root.Node(ua.NewNumericNodeID(0, id.BaseObjectType)); t != nil {
		obj.AddRef(t, id.HasTypeDefinition, true)
	}
	ns.AddNode(obj)
	root.Objects().AddRef(obj, id.Organizes, true)

	store := newNodeStore()
	values := d.Values()
	varType := root.Node(ua.NewNumericNodeID(0, id.BaseDataVariableType))

	for _, attr := range device.Attributes() {
		nid := ua.NewStringNodeID(nsID, string(attr))
		if err := store.register(attr, nid, values[attr]); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", attr, err)
		}

		n := variableNode(nid, attr, store.valueFunc(attr))
		if varType != nil {
			n.AddRef(varType, id.HasTypeDefinition, true)
		}
		ns.AddNode(n)
		obj.AddRef(n, id.HasComponent, true)
	}

	return store, nil
}

func variableNode(nid *ua.NodeID, attr device.Attribute, value server.ValueFunc) *server.Node {
	name := string(attr)

	access := byte(ua.AccessLevelTypeCurrentRead)
	if attr.Writable() {
		access |= byte(ua.AccessLevelTypeCurrentWrite)
	}

	return server.NewNode(
		nid,
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:               dataValue(uint32(ua.NodeClassVariable)),
			ua.AttributeIDBrowseName:              dataValue(&ua.QualifiedName{NamespaceIndex: nid.Namespace(), Name: name}),
			ua.AttributeIDDisplayName:             dataValue(localizedText(name)),
			ua.AttributeIDDataType:                dataValue(dataTypeID(attr.Kind())),
			ua.AttributeIDValueRank:               dataValue(int32(-1)),
			ua.AttributeIDAccessLevel:             dataValue(access),
			ua.AttributeIDUserAccessLevel:         dataValue(access),
			ua.AttributeIDMinimumSamplingInterval: dataValue(float64(0)),
			ua.AttributeIDHistorizing:             dataValue(false),
		},
		nil,
		value,
	)
}

// dataTypeID is the DataType attribute for k. The library reads DataType
// back as an ExpandedNodeID when it builds references.
func dataTypeID(k device.Kind) *ua.ExpandedNodeID {
	switch k {
	case device.KindBool:
		return ua.NewNumericExpandedNodeID(0, id.Boolean)
	case device.KindString:
		return ua.NewNumericExpandedNodeID(0, id.String)
	default:
		return ua.NewNumericExpandedNodeID(0, id.Double)
	}
}

// variantKind reports whether v carries a scalar of k's OPC-UA type.
// Doubles accept any numeric scalar; it is widened on store.
func variantKind(k device.Kind, v *ua.Variant) bool {
	if v == nil || v.ArrayLength() > 0 || len(v.ArrayDimensions()) > 0 {
		return false
	}
	switch k {
	case device.KindBool:
		return v.Type() == ua.TypeIDBoolean
	case device.KindString:
		return v.Type() == ua.TypeIDString
	default:
		switch v.Type() {
		case ua.TypeIDDouble, ua.TypeIDFloat,
			ua.TypeIDSByte, ua.TypeIDByte,
			ua.TypeIDInt16, ua.TypeIDUint16,
			ua.TypeIDInt32, ua.TypeIDUint32,
			ua.TypeIDInt64, ua.TypeIDUint64:
			return true
		}
		return false
	}
}

func dataValue(v any) *ua.DataValue {
	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp,
		Value:           ua.MustVariant(v),
		SourceTimestamp: time.Now(),
	}
}

func localizedText(text string) *ua.LocalizedText {
	return &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: text}
}
