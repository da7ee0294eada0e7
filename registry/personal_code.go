package registry

import (
	"regexp"
	"time"

	"golang.org/x/xerrors"
)

var (
	ErrMalformedPersonalCode = xerrors.New("malformed personal code")

	personalCodePattern = regexp.MustCompile(`^\d{11}$`)
)

// ValidatePersonalCode checks an 11 digit national personal code: century and
// sex digit, a real birth date that is not in the future, and the mod-11
// check digit.
func ValidatePersonalCode(code string, now time.Time) error {
	if !personalCodePattern.MatchString(code) {
		return xerrors.Errorf("%q must be 11 digits: %w", code, ErrMalformedPersonalCode)
	}

	century := "19"
	switch code[0] {
	case '3', '4':
	case '5', '6':
		century = "20"
	default:
		return xerrors.Errorf("%q: first digit must be 3-6: %w", code, ErrMalformedPersonalCode)
	}

	birth, err := time.Parse("20060102", century+code[1:7])
	if err != nil {
		return xerrors.Errorf("%q: bad birth date: %w", code, ErrMalformedPersonalCode)
	}
	if birth.After(now) {
		return xerrors.Errorf("%q: birth date in the future: %w", code, ErrMalformedPersonalCode)
	}

	if int(code[10]-'0') != personalCodeCheckDigit(code) {
		return xerrors.Errorf("%q: check digit mismatch: %w", code, ErrMalformedPersonalCode)
	}
	return nil
}

func personalCodeCheckDigit(code string) int {
	weights1 := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 1}
	weights2 := []int{3, 4, 5, 6, 7, 8, 9, 1, 2, 3}

	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(code[i]-'0') * weights1[i]
	}
	if r := sum % 11; r != 10 {
		return r
	}

	sum = 0
	for i := 0; i < 10; i++ {
		sum += int(code[i]-'0') * weights2[i]
	}
	if r := sum % 11; r != 10 {
		return r
	}
	return 0
}

// PersonalCodeRegistry only accepts voter ids that are valid personal codes
// before asking the wrapped registry.
type PersonalCodeRegistry struct {
	Registry
	now func() time.Time
}

func RequirePersonalCodes(inner Registry) *PersonalCodeRegistry {
	return &PersonalCodeRegistry{Registry: inner, now: time.Now}
}

func (r *PersonalCodeRegistry) CheckEligible(voterID string) error {
	if err := ValidatePersonalCode(voterID, r.now()); err != nil {
		return err
	}
	return r.Registry.CheckEligible(voterID)
}
