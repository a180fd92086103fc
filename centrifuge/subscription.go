package centrifuge

import "encoding/json"

// SubscriptionStatus is the state of one channel subscription.
type SubscriptionStatus int

const (
	// SubscriptionNew is the initial state; the SUBSCRIBE command is sent
	// once the client becomes connected.
	SubscriptionNew SubscriptionStatus = iota
	// SubscriptionSubscribing means a SUBSCRIBE command is in flight or
	// queued for the next connect.
	SubscriptionSubscribing
	// SubscriptionSubscribed means the channel is active.
	SubscriptionSubscribed
	// SubscriptionUnsubscribed means the user or server unsubscribed the
	// channel.
	SubscriptionUnsubscribed
	// SubscriptionError means the last SUBSCRIBE reply carried an error.
	SubscriptionError
)

// Subscription is the per-channel entry of the client registry. At most one
// Subscription exists per channel; it stays registered from the first
// Subscribe call until it is user-unsubscribed and the client disconnects
// without resubscribe.
//
// A Subscription holds a non-owning back-reference to its Client.
type Subscription struct {
	client  *Client
	channel string
	events  SubscriptionEvents
	status  SubscriptionStatus
	// shouldResubscribe is true unless the user unsubscribed.
	shouldResubscribe bool
	// everSubscribed marks completed subscriptions so resubscription after
	// reconnect can be distinguished in the subscribe event.
	everSubscribed bool
	lastError      error
}

// Channel returns the channel name.
func (sub *Subscription) Channel() string {
	return sub.channel
}

// Status returns the current subscription state.
func (sub *Subscription) Status() SubscriptionStatus {
	sub.client.mu.Lock()
	defer sub.client.mu.Unlock()
	return sub.status
}

// LastError returns the error of the last failed SUBSCRIBE reply, if any.
func (sub *Subscription) LastError() error {
	sub.client.mu.Lock()
	defer sub.client.mu.Unlock()
	return sub.lastError
}

// Subscribe re-activates an unsubscribed subscription, sending SUBSCRIBE
// immediately when connected or on the next connect otherwise.
func (sub *Subscription) Subscribe() error {
	return sub.client.subscribeSub(sub)
}

// Unsubscribe deactivates the subscription, sending UNSUBSCRIBE when
// connected, and clears the resubscribe flag.
func (sub *Subscription) Unsubscribe() error {
	return sub.client.unsubscribeSub(sub)
}

// Publish sends data into the subscription channel.
func (sub *Subscription) Publish(data json.RawMessage) error {
	return sub.client.Publish(sub.channel, data)
}

// Presence returns the clients currently present in the channel.
func (sub *Subscription) Presence() (map[string]ClientInfo, error) {
	return sub.client.Presence(sub.channel)
}

// History returns retained channel publications, newest first.
func (sub *Subscription) History() ([]Publication, error) {
	return sub.client.History(sub.channel)
}
