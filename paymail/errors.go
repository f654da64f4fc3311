package paymail

import "errors"

var (
	// ErrInvalidHandle indicates the string is not an alias@domain handle.
	ErrInvalidHandle = errors.New("paymail: invalid handle")

	// ErrDNSLookupFailed indicates a DNS SRV lookup failed.
	ErrDNSLookupFailed = errors.New("paymail: DNS lookup failed")

	// ErrDNSSECValidationFailed indicates the upstream resolver did not
	// authenticate the response.
	ErrDNSSECValidationFailed = errors.New("paymail: DNSSEC validation failed")

	// ErrNoEndpoints indicates no SRV records were found for the domain.
	ErrNoEndpoints = errors.New("paymail: no endpoints found")

	// ErrPaymailDiscovery indicates .well-known/bsvalias fetch failed.
	ErrPaymailDiscovery = errors.New("paymail: capability discovery failed")

	// ErrCapabilityMissing indicates the host does not advertise a capability
	// the request needs.
	ErrCapabilityMissing = errors.New("paymail: capability not supported")

	// ErrAddressResolution indicates payment destination resolution failed.
	ErrAddressResolution = errors.New("paymail: address resolution failed")

	// ErrSubmitFailed indicates the receiver rejected a P2P transaction.
	ErrSubmitFailed = errors.New("paymail: transaction submission failed")
)
