// Package agency defines the agency entity relayed between the local store
// and the event bus.
package agency

import (
	"errors"
	"fmt"
	"net/mail"
	"time"
	_ "time/tzdata" // Validate timezones without relying on the host's zoneinfo.

	"github.com/romshark/cdcrelay"
)

const (
	// Kind is the record kind agencies are stored and published as.
	Kind = "Agency"

	// IDPrefix prefixes the ids minted for new agencies.
	IDPrefix = "agency"
)

// Register registers the agency kind in codec.
func Register(codec *cdcrelay.EntityCodec) {
	cdcrelay.MustRegisterKindIn[*Agency](codec, Kind)
}

// NewGateway creates the write gateway for agencies.
func NewGateway(store *cdcrelay.Store) (*cdcrelay.Gateway[*Agency], error) {
	return cdcrelay.NewGateway[*Agency](store, IDPrefix)
}

type Address struct {
	Number  string `json:"number"`
	Street  string `json:"street"`
	City    string `json:"city"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

type Agency struct {
	AgencyID     string  `json:"agencyId"`
	Name         string  `json:"name"`
	ContactMail  string  `json:"contactMail"`
	ContactPhone string  `json:"contactPhone,omitempty"`
	Address      Address `json:"address"`
	Timezone     string  `json:"timezone"`
}

var _ cdcrelay.Entity = new(Agency)

func (a *Agency) EntityID() string      { return a.AgencyID }
func (a *Agency) SetEntityID(id string) { a.AgencyID = id }

// Validate checks that all required fields are set, the contact mail is
// a valid address and the timezone is a known IANA time zone.
func (a *Agency) Validate() error {
	var errs []error
	required := func(field, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("missing %s", field))
		}
	}
	required("name", a.Name)
	required("contactMail", a.ContactMail)
	required("address.number", a.Address.Number)
	required("address.street", a.Address.Street)
	required("address.city", a.Address.City)
	required("address.zipCode", a.Address.ZipCode)
	required("address.country", a.Address.Country)
	required("timezone", a.Timezone)

	if a.ContactMail != "" {
		if _, err := mail.ParseAddress(a.ContactMail); err != nil {
			errs = append(errs, fmt.Errorf("invalid contactMail: %w", err))
		}
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Summary is the list representation of an agency.
type Summary struct {
	AgencyID string `json:"agencyId"`
	Name     string `json:"name"`
}

func (a *Agency) Summary() Summary {
	return Summary{AgencyID: a.AgencyID, Name: a.Name}
}
