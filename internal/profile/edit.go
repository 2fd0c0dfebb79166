package profile

import (
	"encoding/json"
	"fmt"

	"github.com/jonathan/company-intel/internal/types"
)

// Optional distinguishes a field that was absent from the request from one
// that was explicitly set, including to null.
type Optional[T any] struct {
	Set   bool
	Value T
}

// UnmarshalJSON marks the field as present.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	return json.Unmarshal(data, &o.Value)
}

// Some returns a set Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Edit is a partial manual profile update. Only fields present in the
// request body are applied.
type Edit struct {
	CompanyName       Optional[*string]             `json:"companyName"`
	Tagline           Optional[*string]             `json:"tagline"`
	Overview          Optional[*string]             `json:"overview"`
	ValueProps        Optional[[]string]            `json:"valueProps"`
	KeyOfferings      Optional[[]types.KeyOffering] `json:"keyOfferings"`
	PrimaryIndustries Optional[[]string]            `json:"primaryIndustries"`
}

// Empty reports whether the edit touches no field.
func (e Edit) Empty() bool {
	return !e.CompanyName.Set && !e.Tagline.Set && !e.Overview.Set &&
		!e.ValueProps.Set && !e.KeyOfferings.Set && !e.PrimaryIndustries.Set
}

// Validate rejects edits that could never be applied.
func (e Edit) Validate() error {
	if e.Empty() {
		return fmt.Errorf("edit contains no profile fields")
	}
	if e.ValueProps.Set && len(e.ValueProps.Value) > 50 {
		return fmt.Errorf("valueProps: at most 50 entries")
	}
	if e.PrimaryIndustries.Set && len(e.PrimaryIndustries.Value) > 50 {
		return fmt.Errorf("primaryIndustries: at most 50 entries")
	}
	if e.KeyOfferings.Set && len(e.KeyOfferings.Value) > 50 {
		return fmt.Errorf("keyOfferings: at most 50 entries")
	}
	return nil
}

// ApplyEdit writes the present fields of e onto p. Status and run
// bookkeeping are never touched, so an edit during a run leaves the profile
// refreshing.
func ApplyEdit(p *types.Profile, e Edit) {
	if e.CompanyName.Set {
		p.CompanyName = NormalizeString(e.CompanyName.Value)
	}
	if e.Tagline.Set {
		p.Tagline = NormalizeString(e.Tagline.Value)
	}
	if e.Overview.Set {
		p.Overview = NormalizeString(e.Overview.Value)
	}
	if e.ValueProps.Set {
		p.ValueProps = NormalizeList(e.ValueProps.Value)
	}
	if e.KeyOfferings.Set {
		p.KeyOfferings = NormalizeOfferings(e.KeyOfferings.Value)
	}
	if e.PrimaryIndustries.Set {
		p.PrimaryIndustries = NormalizeList(e.PrimaryIndustries.Value)
	}
}
