// Package delivery is the boundary to out-of-band challenge channels such as
// SMS gateways and mail relays. The core hands a [Message] to a [Sender] once
// and reports the outcome; it never retries.
package delivery
