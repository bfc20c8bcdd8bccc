package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RouterUpdate is a partial update sent by an active router.
// Nil fields are left untouched. URL and OwnerID are accepted on the wire
// but always replaced by the session's own values before they reach the store.
type RouterUpdate struct {
	ID             *RouterID `json:"_id,omitempty"`
	URL            *string   `json:"url,omitempty"`
	IPv4           *string   `json:"ipv4,omitempty" validate:"omitempty,ipv4"`
	IPv6           *string   `json:"ipv6,omitempty" validate:"omitempty,ipv6"`
	Port           *int      `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	AvailableSlots *int      `json:"availableSlots,omitempty"`
	OwnerID        *UserID   `json:"userId,omitempty"`
}

// DecodeRouterUpdate parses an update payload, rejecting unknown fields and
// values registration would refuse (port range, address formats).
func DecodeRouterUpdate(data []byte) (RouterUpdate, error) {
	var u RouterUpdate
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return u, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return RouterUpdate{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validate.Struct(u); err != nil {
		return RouterUpdate{}, invalid(err)
	}
	return u, nil
}

// Targets reports whether the update is addressed to the router with the given id.
// An update without an id targets the sender's own router.
func (u RouterUpdate) Targets(id RouterID) bool {
	return u.ID == nil || *u.ID == "" || *u.ID == id
}

// Pin forces the immutable fields to the owning router's values.
func (u RouterUpdate) Pin(r Router) RouterUpdate {
	id, url, owner := r.ID, r.URL, r.OwnerID
	u.ID = &id
	u.URL = &url
	u.OwnerID = &owner
	return u
}

// Apply returns r with the non-nil mutable fields of u applied.
func (u RouterUpdate) Apply(r Router) Router {
	if u.IPv4 != nil {
		r.IPv4 = *u.IPv4
	}
	if u.IPv6 != nil {
		r.IPv6 = *u.IPv6
	}
	if u.Port != nil {
		r.Port = *u.Port
	}
	if u.AvailableSlots != nil {
		r.AvailableSlots = *u.AvailableSlots
	}
	return r
}
