// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"fmt"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/model"
)

// Reason says why a request was denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalidKey
	ReasonKeyDisabled
	ReasonNotWhitelisted
	ReasonEndpointDenied
)

// Class groups deny reasons into the two pipeline stages.
type Class int

const (
	ClassNone Class = iota
	ClassAuthentication
	ClassAuthorization
)

// Class returns the stage the reason belongs to.
func (r Reason) Class() Class {
	switch r {
	case ReasonInvalidKey, ReasonKeyDisabled:
		return ClassAuthentication
	case ReasonNotWhitelisted, ReasonEndpointDenied:
		return ClassAuthorization
	}
	return ClassNone
}

// MessageID is the i18n message identifier for the reason.
func (r Reason) MessageID() string {
	switch r {
	case ReasonInvalidKey:
		return "InvalidAPIKey"
	case ReasonKeyDisabled:
		return "APIKeyDisabled"
	case ReasonNotWhitelisted:
		return "EndpointNotWhitelisted"
	case ReasonEndpointDenied:
		return "EndpointDenied"
	}
	return ""
}

func (r Reason) String() string {
	switch r {
	case ReasonInvalidKey:
		return "Invalid API key"
	case ReasonKeyDisabled:
		return "API key is disabled"
	case ReasonNotWhitelisted:
		return "Endpoint not in whitelist"
	case ReasonEndpointDenied:
		return "Endpoint is denied"
	}
	return "allowed"
}

// Decision is the outcome of an access check.
type Decision struct {
	Allowed     bool
	Reason      Reason
	KeyName     string
	Endpoint    string
	Restriction model.PoolRestriction
}

func allow(k model.APIKey, endpoint string) Decision {
	return Decision{Allowed: true, KeyName: k.Name, Endpoint: endpoint, Restriction: k.PoolRestriction.Clone()}
}

func deny(r Reason, keyName, endpoint string) Decision {
	return Decision{Reason: r, KeyName: keyName, Endpoint: endpoint}
}

// Err converts a deny decision to a typed error. It returns nil when the
// decision allows the request.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msg := d.Reason.String()
	if d.Reason.Class() == ClassAuthorization && d.Endpoint != "" {
		msg = fmt.Sprintf("%s: %s", msg, d.Endpoint)
	}
	if d.Reason.Class() == ClassAuthentication {
		return errs.New(errs.KindAuthentication, msg)
	}
	return errs.New(errs.KindAuthorization, msg)
}
