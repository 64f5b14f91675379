// Package core contains the purchase domain contracts, entities and the
// reconciliation engine. Backend clients, marketplace gateways, stores and
// transports depend on this package; core must not depend on them.
package core
