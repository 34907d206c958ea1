package opcuaserver

import (
	"errors"
	"math"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
)

func (s *Server) getEndpoints(r *ua.GetEndpointsRequest) (ua.Response, error) {
	return &ua.GetEndpointsResponse{
		ResponseHeader: responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Endpoints:      s.advertisedEndpoints(r.EndpointURL),
	}, nil
}

// advertisedEndpoints copies the endpoint list with the URL a client that
// dialed requested can reach.
func (s *Server) advertisedEndpoints(requested string) []*ua.EndpointDescription {
	url := s.endpoint.advertisedURL(requested)
	out := make([]*ua.EndpointDescription, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		c := *ep
		c.EndpointURL = url
		out = append(out, &c)
	}
	return out
}

func (s *Server) findServers(r *ua.FindServersRequest) (ua.Response, error) {
	var servers []*ua.ApplicationDescription
	if len(s.endpoints) > 0 {
		app := *s.endpoints[0].Server
		app.DiscoveryURLs = []string{s.endpoint.advertisedURL(r.EndpointURL)}
		servers = append(servers, &app)
	}
	return &ua.FindServersResponse{
		ResponseHeader: responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Servers:        servers,
	}, nil
}

func (s *Server) read(r *ua.ReadRequest) (ua.Response, error) {
	switch {
	case len(r.NodesToRead) == 0:
		return nil, ua.StatusBadNothingToDo
	case r.MaxAge < 0:
		return nil, ua.StatusBadMaxAgeInvalid
	case r.TimestampsToReturn > ua.TimestampsToReturnNeither:
		return nil, ua.StatusBadTimestampsToReturnInvalid
	}

	now := time.Now()
	results := make([]*ua.DataValue, len(r.NodesToRead))
	for i, rv := range r.NodesToRead {
		results[i] = withTimestamps(s.readValue(rv), r.TimestampsToReturn, now)
	}
	return &ua.ReadResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

// readValue reads one attribute of one node.
func (s *Server) readValue(rv *ua.ReadValueID) *ua.DataValue {
	if rv == nil || rv.NodeID == nil {
		return statusValue(ua.StatusBadNodeIDInvalid)
	}
	n := s.space.Node(rv.NodeID)
	if n == nil {
		return statusValue(ua.StatusBadNodeIDUnknown)
	}

	switch rv.AttributeID {
	case ua.AttributeIDNodeID:
		return dataValue(n.ID())
	case ua.AttributeIDNodeClass:
		return dataValue(int32(n.NodeClass()))
	case ua.AttributeIDEventNotifier:
		if n.NodeClass() == ua.NodeClassObject {
			return dataValue(byte(0))
		}
	case ua.AttributeIDValue:
		if !n.Access(ua.AccessLevelTypeCurrentRead) {
			return statusValue(ua.StatusBadNotReadable)
		}
		if rv.IndexRange != "" {
			return statusValue(ua.StatusBadIndexRangeInvalid)
		}
		dv := n.Value()
		if dv == nil {
			return statusValue(ua.StatusBadAttributeIDInvalid)
		}
		return dv
	}

	av, err := n.Attribute(rv.AttributeID)
	if err != nil || av == nil || av.Value == nil {
		return statusValue(ua.StatusBadAttributeIDInvalid)
	}
	return av.Value
}

// withTimestamps returns a copy of dv carrying the timestamps the client
// asked for.
func withTimestamps(dv *ua.DataValue, ttr ua.TimestampsToReturn, now time.Time) *ua.DataValue {
	out := *dv
	out.EncodingMask &^= ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp |
		ua.DataValueSourcePicoseconds | ua.DataValueServerPicoseconds
	out.ServerTimestamp = time.Time{}

	if (ttr == ua.TimestampsToReturnSource || ttr == ua.TimestampsToReturnBoth) && !dv.SourceTimestamp.IsZero() {
		out.EncodingMask |= ua.DataValueSourceTimestamp
	} else {
		out.SourceTimestamp = time.Time{}
	}
	if ttr == ua.TimestampsToReturnServer || ttr == ua.TimestampsToReturnBoth {
		out.ServerTimestamp = now
		out.EncodingMask |= ua.DataValueServerTimestamp
	}
	return &out
}

func statusValue(code ua.StatusCode) *ua.DataValue {
	return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: code}
}

func (s *Server) write(sess *session, r *ua.WriteRequest) (ua.Response, error) {
	if len(r.NodesToWrite) == 0 {
		return nil, ua.StatusBadNothingToDo
	}

	results := make([]ua.StatusCode, len(r.NodesToWrite))
	for i, wv := range r.NodesToWrite {
		results[i] = s.writeValue(sess, wv)
	}
	return &ua.WriteResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

// writeValue applies one client write. The variant must already have the
// variable's data type; nothing is stored otherwise.
func (s *Server) writeValue(sess *session, wv *ua.WriteValue) ua.StatusCode {
	if wv == nil || wv.NodeID == nil {
		return ua.StatusBadNodeIDInvalid
	}
	n := s.space.Node(wv.NodeID)
	if n == nil {
		return ua.StatusBadNodeIDUnknown
	}
	attr, ok := s.store.attribute(wv.NodeID)
	if !ok || wv.AttributeID != ua.AttributeIDValue {
		return ua.StatusBadNotWritable
	}
	if wv.IndexRange != "" {
		return ua.StatusBadWriteNotSupported
	}
	if !n.Access(ua.AccessLevelTypeCurrentWrite) {
		return ua.StatusBadNotWritable
	}
	if wv.Value == nil || !variantKind(attr.Kind(), wv.Value.Value) {
		return ua.StatusBadTypeMismatch
	}

	v, err := device.ValidateWrite(attr, wv.Value.Value.Value())
	switch {
	case errors.Is(err, device.ErrReadOnly):
		return ua.StatusBadNotWritable
	case err != nil:
		return ua.StatusBadTypeMismatch
	}
	if err := s.store.Set(attr, v); err != nil {
		return ua.StatusBadTypeMismatch
	}

	s.logger.Info("client write", "attribute", string(attr), "value", v, "user", sess.username())
	return ua.StatusOK
}

func (s *Server) browse(r *ua.BrowseRequest) (ua.Response, error) {
	if len(r.NodesToBrowse) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	if r.View != nil && r.View.ViewID != nil && r.View.ViewID.IntID() != 0 {
		return nil, ua.StatusBadViewIDUnknown
	}

	results := make([]*ua.BrowseResult, len(r.NodesToBrowse))
	for i, bd := range r.NodesToBrowse {
		results[i] = s.browseNode(bd)
		if limit := r.RequestedMaxReferencesPerNode; limit > 0 && uint32(len(results[i].References)) > limit {
			results[i].References = results[i].References[:limit]
		}
	}
	return &ua.BrowseResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *Server) browseNode(bd *ua.BrowseDescription) *ua.BrowseResult {
	if bd == nil || bd.NodeID == nil {
		return &ua.BrowseResult{StatusCode: ua.StatusBadNodeIDInvalid}
	}
	if bd.BrowseDirection > ua.BrowseDirectionBoth {
		return &ua.BrowseResult{StatusCode: ua.StatusBadBrowseDirectionInvalid}
	}
	ns, err := s.space.Namespace(int(bd.NodeID.Namespace()))
	if err != nil {
		return &ua.BrowseResult{StatusCode: ua.StatusBadNodeIDUnknown}
	}

	desc := *bd
	if desc.ReferenceTypeID == nil {
		desc.ReferenceTypeID = ua.NewNumericNodeID(0, 0)
	}
	res := ns.Browse(&desc)
	if res.References == nil {
		res.References = []*ua.ReferenceDescription{}
	}
	return res
}

// browseNext has nothing to continue: browse never hands out
// continuation points.
func (s *Server) browseNext(r *ua.BrowseNextRequest) (ua.Response, error) {
	if len(r.ContinuationPoints) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	results := make([]*ua.BrowseResult, len(r.ContinuationPoints))
	for i := range results {
		results[i] = &ua.BrowseResult{StatusCode: ua.StatusBadContinuationPointInvalid}
	}
	return &ua.BrowseNextResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *Server) translateBrowsePaths(r *ua.TranslateBrowsePathsToNodeIDsRequest) (ua.Response, error) {
	if len(r.BrowsePaths) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	results := make([]*ua.BrowsePathResult, len(r.BrowsePaths))
	for i, p := range r.BrowsePaths {
		results[i] = s.translatePath(p)
	}
	return &ua.TranslateBrowsePathsToNodeIDsResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

// translatePath follows each path element by browse name from the
// starting node.
func (s *Server) translatePath(p *ua.BrowsePath) *ua.BrowsePathResult {
	if p == nil || p.StartingNode == nil {
		return &ua.BrowsePathResult{StatusCode: ua.StatusBadNodeIDInvalid}
	}
	if s.space.Node(p.StartingNode) == nil {
		return &ua.BrowsePathResult{StatusCode: ua.StatusBadNodeIDUnknown}
	}
	if p.RelativePath == nil || len(p.RelativePath.Elements) == 0 {
		return &ua.BrowsePathResult{StatusCode: ua.StatusBadNothingToDo}
	}

	current := []*ua.NodeID{p.StartingNode}
	for _, el := range p.RelativePath.Elements {
		if el == nil || el.TargetName == nil || el.TargetName.Name == "" {
			return &ua.BrowsePathResult{StatusCode: ua.StatusBadBrowseNameInvalid}
		}
		dir := ua.BrowseDirectionForward
		if el.IsInverse {
			dir = ua.BrowseDirectionInverse
		}

		var next []*ua.NodeID
		for _, nid := range current {
			res := s.browseNode(&ua.BrowseDescription{
				NodeID:          nid,
				BrowseDirection: dir,
				ReferenceTypeID: el.ReferenceTypeID,
				IncludeSubtypes: el.IncludeSubtypes,
			})
			for _, ref := range res.References {
				if ref.BrowseName == nil || ref.NodeID == nil {
					continue
				}
				if ref.BrowseName.Name == el.TargetName.Name && ref.BrowseName.NamespaceIndex == el.TargetName.NamespaceIndex {
					next = append(next, ref.NodeID.NodeID)
				}
			}
		}
		if len(next) == 0 {
			return &ua.BrowsePathResult{StatusCode: ua.StatusBadNoMatch}
		}
		current = next
	}

	targets := make([]*ua.BrowsePathTarget, 0, len(current))
	for _, nid := range current {
		targets = append(targets, &ua.BrowsePathTarget{
			TargetID:           ua.NewExpandedNodeID(nid, "", 0),
			RemainingPathIndex: math.MaxUint32,
		})
	}
	return &ua.BrowsePathResult{StatusCode: ua.StatusOK, Targets: targets}
}
