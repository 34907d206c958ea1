package mqtt

import "fmt"

// Subscribe registers handler for topic, which may contain wildcards.
// The subscription is re-issued after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := wait(token, defaultPublishTimeout, ErrSubscribeFailed); err != nil {
		return err
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe stops delivery for topic and forgets it.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	return wait(c.client.Unsubscribe(topic), defaultPublishTimeout, ErrSubscribeFailed)
}

// HasSubscription reports whether topic is tracked (exact string match).
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}
