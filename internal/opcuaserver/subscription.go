package opcuaserver

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
)

const (
	minPublishingInterval = 50 * time.Millisecond
	defaultKeepAliveCount = 10
	maxSubscriptions      = 10
	maxMonitoredItems     = 100
	maxPublishRequests    = 10
	publishSendTimeout    = 5 * time.Second
)

// publishRequest is a Publish parked until a subscription has something
// to send.
type publishRequest struct {
	ch      *channel
	reqID   uint32
	handle  uint32
	results []ua.StatusCode
}

type monitoredItem struct {
	id               uint32
	nodeID           *ua.NodeID
	clientHandle     uint32
	mode             ua.MonitoringMode
	timestamps       ua.TimestampsToReturn
	samplingInterval float64
}

// subscription sends queued data changes, or a keep-alive when idle, in
// answer to the session's Publish requests.
type subscription struct {
	id   uint32
	sess *session

	mu             sync.Mutex
	interval       time.Duration
	keepAliveCount uint32
	lifetimeCount  uint32
	maxNotifs      uint32
	publishing     bool
	items          map[uint32]*monitoredItem
	nextItemID     uint32
	pending        []*ua.MonitoredItemNotification
	seq            uint32
	idleTicks      uint32
	missedTicks    uint32

	reset    chan time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

func (sub *subscription) stop() {
	sub.stopOnce.Do(func() { close(sub.done) })
}

func (sub *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()

	sub.mu.Lock()
	t := time.NewTicker(sub.interval)
	sub.mu.Unlock()
	defer t.Stop()

	for {
		select {
		case <-sub.done:
			return
		case d := <-sub.reset:
			t.Reset(d)
		case <-t.C:
			sub.tick()
		}
	}
}

// tick runs once per publishing interval.
func (sub *subscription) tick() {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	hasData := sub.publishing && len(sub.pending) > 0
	sub.idleTicks++
	if !hasData && sub.idleTicks < sub.keepAliveCount {
		if sub.sess.hasPublish() {
			sub.missedTicks = 0
		} else {
			sub.missedLocked()
		}
		return
	}

	req := sub.sess.takePublish()
	if req == nil {
		sub.missedLocked()
		return
	}
	sub.missedTicks = 0
	sub.idleTicks = 0

	msg := &ua.NotificationMessage{
		SequenceNumber:   sub.seq + 1,
		PublishTime:      time.Now(),
		NotificationData: []*ua.ExtensionObject{},
	}
	more := false
	if hasData {
		n := len(sub.pending)
		if sub.maxNotifs > 0 && uint32(n) > sub.maxNotifs {
			n = int(sub.maxNotifs)
			more = true
		}
		sub.seq++
		msg.NotificationData = []*ua.ExtensionObject{ua.NewExtensionObject(&ua.DataChangeNotification{
			MonitoredItems:  sub.pending[:n:n],
			DiagnosticInfos: []*ua.DiagnosticInfo{},
		})}
		sub.pending = sub.pending[n:]
	}

	go sub.sess.srv.sendPublish(req, &ua.PublishResponse{
		ResponseHeader:           responseHeader(req.handle, ua.StatusOK),
		SubscriptionID:           sub.id,
		AvailableSequenceNumbers: []uint32{},
		MoreNotifications:        more,
		NotificationMessage:      msg,
		Results:                  req.results,
		DiagnosticInfos:          []*ua.DiagnosticInfo{},
	})
}

// missedLocked counts an interval without a Publish to answer and ends
// the subscription when its lifetime runs out.
func (sub *subscription) missedLocked() {
	sub.missedTicks++
	if sub.missedTicks < sub.lifetimeCount {
		return
	}
	sub.sess.srv.logger.Info("opc-ua subscription expired", "subscription", sub.id)
	go sub.sess.removeSubscription(sub.id)
}

// acknowledge checks one acknowledgement against the sequence numbers
// already sent. Nothing is kept for republishing.
func (sub *subscription) acknowledge(seq uint32) ua.StatusCode {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if seq == 0 || seq > sub.seq {
		return ua.StatusBadSequenceNumberUnknown
	}
	return ua.StatusOK
}

// notify queues v for every reporting item watching nid. An item keeps
// only its newest value.
func (sub *subscription) notify(nid *ua.NodeID, dv *ua.DataValue, now time.Time) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	for _, item := range sub.items {
		if item.mode != ua.MonitoringModeReporting || !item.nodeID.Equal(nid) {
			continue
		}
		sub.enqueueLocked(item, withTimestamps(dv, item.timestamps, now))
	}
}

func (sub *subscription) enqueueLocked(item *monitoredItem, dv *ua.DataValue) {
	for _, n := range sub.pending {
		if n.ClientHandle == item.clientHandle {
			n.Value = dv
			return
		}
	}
	sub.pending = append(sub.pending, &ua.MonitoredItemNotification{ClientHandle: item.clientHandle, Value: dv})
}

// revise applies the requested timing, bounded to what the server
// supports, and returns the revised interval.
func (sub *subscription) revise(intervalMS float64, lifetime, keepAlive, maxNotifs uint32) time.Duration {
	interval := minPublishingInterval
	if !math.IsNaN(intervalMS) && intervalMS > 0 {
		interval = max(time.Duration(intervalMS*float64(time.Millisecond)), minPublishingInterval)
	}
	if keepAlive == 0 {
		keepAlive = defaultKeepAliveCount
	}
	lifetime = max(lifetime, 3*keepAlive)

	sub.interval = interval
	sub.keepAliveCount = keepAlive
	sub.lifetimeCount = lifetime
	sub.maxNotifs = maxNotifs
	return interval
}

// dataChanged fans a store update out to every subscription.
func (s *Server) dataChanged(nid *ua.NodeID, dv *ua.DataValue) {
	now := time.Now()
	for _, sess := range s.sessions.all() {
		for _, sub := range sess.subscriptions() {
			sub.notify(nid, dv, now)
		}
	}
}

func (s *Server) sendPublish(req *publishRequest, resp *ua.PublishResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), publishSendTimeout)
	defer cancel()
	if err := req.ch.send(ctx, req.reqID, resp); err != nil {
		s.logger.Debug("opc-ua publish response failed", "channel", req.ch.id, "error", err)
	}
}

func (s *session) subscriptions() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *session) subscription(id uint32) (*subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	return sub, ok
}

func (s *session) removeSubscription(id uint32) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.stop()
	}
	return ok
}

func (s *session) hasPublish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publishQ) > 0
}

func (s *session) takePublish() *publishRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.publishQ) == 0 {
		return nil
	}
	req := s.publishQ[0]
	s.publishQ = s.publishQ[1:]
	return req
}

func (s *session) createSubscription(r *ua.CreateSubscriptionRequest) (ua.Response, error) {
	sub := &subscription{
		id:         s.srv.sessions.subscriptionID(),
		sess:       s,
		publishing: r.PublishingEnabled,
		items:      make(map[uint32]*monitoredItem),
		reset:      make(chan time.Duration, 1),
		done:       make(chan struct{}),
	}
	interval := sub.revise(r.RequestedPublishingInterval, r.RequestedLifetimeCount, r.RequestedMaxKeepAliveCount, r.MaxNotificationsPerPublish)

	s.mu.Lock()
	if len(s.subs) >= maxSubscriptions {
		s.mu.Unlock()
		return nil, ua.StatusBadTooManySubscriptions
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	s.srv.wg.Add(1)
	go sub.run(&s.srv.wg)

	s.srv.logger.Debug("opc-ua subscription created", "subscription", sub.id, "interval", interval)

	return &ua.CreateSubscriptionResponse{
		ResponseHeader:            responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		SubscriptionID:            sub.id,
		RevisedPublishingInterval: float64(interval) / float64(time.Millisecond),
		RevisedLifetimeCount:      sub.lifetimeCount,
		RevisedMaxKeepAliveCount:  sub.keepAliveCount,
	}, nil
}

func (s *session) modifySubscription(r *ua.ModifySubscriptionRequest) (ua.Response, error) {
	sub, ok := s.subscription(r.SubscriptionID)
	if !ok {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}

	sub.mu.Lock()
	interval := sub.revise(r.RequestedPublishingInterval, r.RequestedLifetimeCount, r.RequestedMaxKeepAliveCount, r.MaxNotificationsPerPublish)
	lifetime, keepAlive := sub.lifetimeCount, sub.keepAliveCount
	sub.mu.Unlock()

	select {
	case sub.reset <- interval:
	default:
		// A reset is already queued; replace it.
		select {
		case <-sub.reset:
		default:
		}
		sub.reset <- interval
	}

	return &ua.ModifySubscriptionResponse{
		ResponseHeader:            responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		RevisedPublishingInterval: float64(interval) / float64(time.Millisecond),
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (s *session) setPublishingMode(r *ua.SetPublishingModeRequest) (ua.Response, error) {
	if len(r.SubscriptionIDs) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	results := make([]ua.StatusCode, len(r.SubscriptionIDs))
	for i, subID := range r.SubscriptionIDs {
		sub, ok := s.subscription(subID)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.mu.Lock()
		sub.publishing = r.PublishingEnabled
		sub.mu.Unlock()
	}
	return &ua.SetPublishingModeResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *session) deleteSubscriptions(r *ua.DeleteSubscriptionsRequest) (ua.Response, error) {
	if len(r.SubscriptionIDs) == 0 {
		return nil, ua.StatusBadNothingToDo
	}
	results := make([]ua.StatusCode, len(r.SubscriptionIDs))
	for i, subID := range r.SubscriptionIDs {
		if !s.removeSubscription(subID) {
			results[i] = ua.StatusBadSubscriptionIDInvalid
		}
	}
	return &ua.DeleteSubscriptionsResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *session) createMonitoredItems(r *ua.CreateMonitoredItemsRequest) (ua.Response, error) {
	sub, ok := s.subscription(r.SubscriptionID)
	switch {
	case !ok:
		return nil, ua.StatusBadSubscriptionIDInvalid
	case r.TimestampsToReturn > ua.TimestampsToReturnNeither:
		return nil, ua.StatusBadTimestampsToReturnInvalid
	case len(r.ItemsToCreate) == 0:
		return nil, ua.StatusBadNothingToDo
	}

	now := time.Now()
	results := make([]*ua.MonitoredItemCreateResult, len(r.ItemsToCreate))
	for i, req := range r.ItemsToCreate {
		results[i] = s.createMonitoredItem(sub, req, r.TimestampsToReturn, now)
	}
	return &ua.CreateMonitoredItemsResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *session) createMonitoredItem(sub *subscription, req *ua.MonitoredItemCreateRequest, ttr ua.TimestampsToReturn, now time.Time) *ua.MonitoredItemCreateResult {
	fail := func(code ua.StatusCode) *ua.MonitoredItemCreateResult {
		return &ua.MonitoredItemCreateResult{StatusCode: code, FilterResult: ua.NewExtensionObject(nil)}
	}

	if req == nil || req.ItemToMonitor == nil || req.ItemToMonitor.NodeID == nil {
		return fail(ua.StatusBadNodeIDInvalid)
	}
	if req.ItemToMonitor.AttributeID != ua.AttributeIDValue {
		return fail(ua.StatusBadAttributeIDInvalid)
	}
	if req.MonitoringMode > ua.MonitoringModeReporting {
		return fail(ua.StatusBadMonitoringModeInvalid)
	}
	params := req.RequestedParameters
	if params == nil {
		params = &ua.MonitoringParameters{}
	}
	if !supportedFilter(params.Filter) {
		return fail(ua.StatusBadMonitoredItemFilterUnsupported)
	}

	initial := s.srv.readValue(req.ItemToMonitor)
	if initial.Status != ua.StatusOK {
		return fail(initial.Status)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(sub.items) >= maxMonitoredItems {
		return fail(ua.StatusBadTooManyMonitoredItems)
	}

	sampling := params.SamplingInterval
	if math.IsNaN(sampling) || sampling < 0 {
		sampling = float64(sub.interval) / float64(time.Millisecond)
	}

	sub.nextItemID++
	item := &monitoredItem{
		id:               sub.nextItemID,
		nodeID:           req.ItemToMonitor.NodeID,
		clientHandle:     params.ClientHandle,
		mode:             req.MonitoringMode,
		timestamps:       ttr,
		samplingInterval: sampling,
	}
	sub.items[item.id] = item
	if item.mode == ua.MonitoringModeReporting {
		sub.enqueueLocked(item, withTimestamps(initial, ttr, now))
	}

	return &ua.MonitoredItemCreateResult{
		StatusCode:              ua.StatusOK,
		MonitoredItemID:         item.id,
		RevisedSamplingInterval: sampling,
		RevisedQueueSize:        1,
		FilterResult:            ua.NewExtensionObject(nil),
	}
}

// supportedFilter accepts no filter or a data change filter without
// deadband.
func supportedFilter(f *ua.ExtensionObject) bool {
	if f == nil || f.Value == nil {
		return true
	}
	dcf, ok := f.Value.(*ua.DataChangeFilter)
	return ok && dcf.DeadbandType == 0
}

func (s *session) modifyMonitoredItems(r *ua.ModifyMonitoredItemsRequest) (ua.Response, error) {
	sub, ok := s.subscription(r.SubscriptionID)
	switch {
	case !ok:
		return nil, ua.StatusBadSubscriptionIDInvalid
	case r.TimestampsToReturn > ua.TimestampsToReturnNeither:
		return nil, ua.StatusBadTimestampsToReturnInvalid
	case len(r.ItemsToModify) == 0:
		return nil, ua.StatusBadNothingToDo
	}

	results := make([]*ua.MonitoredItemModifyResult, len(r.ItemsToModify))
	sub.mu.Lock()
	for i, m := range r.ItemsToModify {
		res := &ua.MonitoredItemModifyResult{FilterResult: ua.NewExtensionObject(nil)}
		results[i] = res

		if m == nil {
			res.StatusCode = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		item, ok := sub.items[m.MonitoredItemID]
		if !ok {
			res.StatusCode = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		params := m.RequestedParameters
		if params == nil {
			params = &ua.MonitoringParameters{}
		}
		if !supportedFilter(params.Filter) {
			res.StatusCode = ua.StatusBadMonitoredItemFilterUnsupported
			continue
		}
		if !math.IsNaN(params.SamplingInterval) && params.SamplingInterval >= 0 {
			item.samplingInterval = params.SamplingInterval
		}
		item.clientHandle = params.ClientHandle
		item.timestamps = r.TimestampsToReturn
		res.RevisedSamplingInterval = item.samplingInterval
		res.RevisedQueueSize = 1
	}
	sub.mu.Unlock()

	return &ua.ModifyMonitoredItemsResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *session) deleteMonitoredItems(r *ua.DeleteMonitoredItemsRequest) (ua.Response, error) {
	sub, ok := s.subscription(r.SubscriptionID)
	switch {
	case !ok:
		return nil, ua.StatusBadSubscriptionIDInvalid
	case len(r.MonitoredItemIDs) == 0:
		return nil, ua.StatusBadNothingToDo
	}

	results := make([]ua.StatusCode, len(r.MonitoredItemIDs))
	sub.mu.Lock()
	for i, itemID := range r.MonitoredItemIDs {
		if _, ok := sub.items[itemID]; !ok {
			results[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		delete(sub.items, itemID)
	}
	sub.mu.Unlock()

	return &ua.DeleteMonitoredItemsResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

func (s *session) setMonitoringMode(r *ua.SetMonitoringModeRequest) (ua.Response, error) {
	sub, ok := s.subscription(r.SubscriptionID)
	switch {
	case !ok:
		return nil, ua.StatusBadSubscriptionIDInvalid
	case r.MonitoringMode > ua.MonitoringModeReporting:
		return nil, ua.StatusBadMonitoringModeInvalid
	case len(r.MonitoredItemIDs) == 0:
		return nil, ua.StatusBadNothingToDo
	}

	results := make([]ua.StatusCode, len(r.MonitoredItemIDs))
	sub.mu.Lock()
	for i, itemID := range r.MonitoredItemIDs {
		item, ok := sub.items[itemID]
		if !ok {
			results[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		item.mode = r.MonitoringMode
	}
	sub.mu.Unlock()

	return &ua.SetMonitoringModeResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		Results:         results,
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

// publish parks the request until one of the session's subscriptions
// has a notification or keep-alive due.
func (s *session) publish(ch *channel, reqID uint32, r *ua.PublishRequest) (ua.Response, error) {
	subs := s.subscriptions()
	if len(subs) == 0 {
		return nil, ua.StatusBadNoSubscription
	}

	results := make([]ua.StatusCode, len(r.SubscriptionAcknowledgements))
	for i, ack := range r.SubscriptionAcknowledgements {
		sub, ok := s.subscription(ack.SubscriptionID)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		results[i] = sub.acknowledge(ack.SequenceNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.publishQ) >= maxPublishRequests {
		return nil, ua.StatusBadTooManyPublishRequests
	}
	s.publishQ = append(s.publishQ, &publishRequest{
		ch:      ch,
		reqID:   reqID,
		handle:  r.RequestHeader.RequestHandle,
		results: results,
	})
	return nil, nil
}
