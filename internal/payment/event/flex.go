package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexString accepts a JSON string or number and keeps its text.
// The provider sends invoice ids as either.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("expected string or number")
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

func (f FlexString) Empty() bool { return strings.TrimSpace(string(f)) == "" }

// FlexDecimal accepts an amount as a JSON number or numeric string. Anything
// else, including "" and null, decodes to an invalid amount instead of an
// error: amounts are informational and must not fail a signed delivery.
type FlexDecimal struct {
	decimal.NullDecimal
}

func (f *FlexDecimal) UnmarshalJSON(b []byte) error {
	*f = FlexDecimal{}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	if d, err := decimal.NewFromString(string(b)); err == nil {
		f.NullDecimal = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return nil
}
