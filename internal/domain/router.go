package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type RouterID string

// Router is one media-routing node as stored and broadcast.
// URL and OwnerID never change after creation.
type Router struct {
	ID             RouterID `json:"_id"`
	URL            string   `json:"url"`
	IPv4           string   `json:"ipv4,omitempty"`
	IPv6           string   `json:"ipv6,omitempty"`
	Port           int      `json:"port"`
	AvailableSlots int      `json:"availableSlots"`
	OwnerID        UserID   `json:"userId"`
}

// RouterDescriptor is what a router announces about itself when it registers.
type RouterDescriptor struct {
	URL            string `json:"url" validate:"required"`
	IPv4           string `json:"ipv4,omitempty" validate:"omitempty,ipv4"`
	IPv6           string `json:"ipv6,omitempty" validate:"omitempty,ipv6"`
	Port           int    `json:"port" validate:"required,min=1,max=65535"`
	AvailableSlots int    `json:"availableSlots"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects descriptors missing url or port, or carrying malformed addresses.
func (d RouterDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return invalid(err)
	}
	return nil
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s failed %q", ErrInvalidRequest, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

// NewRouter builds the record inserted for a never-seen url.
func NewRouter(d RouterDescriptor, owner UserID) Router {
	return Router{
		URL:            d.URL,
		IPv4:           d.IPv4,
		IPv6:           d.IPv6,
		Port:           d.Port,
		AvailableSlots: d.AvailableSlots,
		OwnerID:        owner,
	}
}

// AsUpdate turns a re-announced descriptor into an update that overwrites
// every mutable field, including ones the descriptor leaves empty.
func (d RouterDescriptor) AsUpdate() RouterUpdate {
	ipv4, ipv6, port, slots := d.IPv4, d.IPv6, d.Port, d.AvailableSlots
	return RouterUpdate{
		IPv4:           &ipv4,
		IPv6:           &ipv6,
		Port:           &port,
		AvailableSlots: &slots,
	}
}
