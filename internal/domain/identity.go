package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// identityPattern is the canonical on-disk form of an identity tuple:
// four uppercase tokens joined by underscores.
var identityPattern = regexp.MustCompile(`^[A-Z]{2,6}_[A-Z]{2,4}_[A-Z]{2,10}_[A-Z0-9]{2,6}$`)

// Identity4 scopes all persistent state (databases, mapping tables, audit
// trails, control files) to a single trading identity. It is immutable once
// constructed; every path and every ledger row carries these four codes.
type Identity4 struct {
	EntityCode       string `json:"entity_code"`
	JurisdictionCode string `json:"jurisdiction_code"`
	BrokerCode       string `json:"broker_code"`
	BotID            string `json:"bot_id"`
}

// NewIdentity4 builds and validates an identity tuple.
func NewIdentity4(entity, jurisdiction, broker, botID string) (Identity4, error) {
	id := Identity4{
		EntityCode:       strings.ToUpper(strings.TrimSpace(entity)),
		JurisdictionCode: strings.ToUpper(strings.TrimSpace(jurisdiction)),
		BrokerCode:       strings.ToUpper(strings.TrimSpace(broker)),
		BotID:            strings.ToUpper(strings.TrimSpace(botID)),
	}
	if err := id.Validate(); err != nil {
		return Identity4{}, err
	}
	return id, nil
}

// ParseIdentity4 parses the joined ENTITY_JUR_BROKER_BOT form.
func ParseIdentity4(s string) (Identity4, error) {
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 4 {
		return Identity4{}, fmt.Errorf("%w: identity %q must have 4 underscore-separated tokens", ErrConfig, s)
	}
	return NewIdentity4(parts[0], parts[1], parts[2], parts[3])
}

// String returns the joined canonical form used in file and directory names.
func (id Identity4) String() string {
	return id.EntityCode + "_" + id.JurisdictionCode + "_" + id.BrokerCode + "_" + id.BotID
}

// Validate checks the tuple against the canonical identity pattern.
func (id Identity4) Validate() error {
	if !identityPattern.MatchString(id.String()) {
		return fmt.Errorf("%w: identity %q does not match %s", ErrConfig, id.String(), identityPattern.String())
	}
	return nil
}

// IsZero reports whether the tuple is unset.
func (id Identity4) IsZero() bool {
	return id.EntityCode == "" && id.JurisdictionCode == "" && id.BrokerCode == "" && id.BotID == ""
}
