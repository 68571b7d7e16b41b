package address

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/property-cli/internal/model"
)

var suffixes = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "AV": "AVE", "BOULEVARD": "BLVD", "DRIVE": "DR",
	"ROAD": "RD", "LANE": "LN", "COURT": "CT", "PLACE": "PL", "TERRACE": "TER",
	"CIRCLE": "CIR", "PARKWAY": "PKWY", "HIGHWAY": "HWY", "SQUARE": "SQ",
	"TRAIL": "TRL", "WAY": "WAY", "EXPRESSWAY": "EXPY", "POINT": "PT",
}

var directionals = map[string]string{
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
}

var unitDesignators = map[string]string{
	"APARTMENT": "APT", "APT": "APT", "SUITE": "STE", "STE": "STE",
	"UNIT": "UNIT", "#": "#", "FLOOR": "FL", "FL": "FL",
}

var (
	stateZipRe = regexp.MustCompile(`^([A-Z]{2})(?:\s+(\d{5})(?:-\d{4})?)?$`)
	numberRe   = regexp.MustCompile(`^\d+[A-Z]?(?:-\d+)?$`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// LocalNormalizer parses US street addresses without any network calls.
type LocalNormalizer struct {
	upper cases.Caser
}

// NewLocal creates a LocalNormalizer.
func NewLocal() *LocalNormalizer {
	return &LocalNormalizer{upper: cases.Upper(language.English)}
}

// Normalize parses "number street [unit], city, ST zip" with an optional
// "X County" segment anywhere after the street.
func (n *LocalNormalizer) Normalize(_ context.Context, raw string) (*model.NormalizedAddress, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return nil, eris.Wrap(ErrInvalidAddress, "address: empty input")
	}

	folded, err := n.fold(input)
	if err != nil {
		return nil, eris.Wrap(err, "address: fold")
	}

	var segs []string
	for _, s := range strings.Split(folded, ",") {
		s = strings.TrimSpace(spaceRe.ReplaceAllString(strings.ReplaceAll(s, ".", ""), " "))
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) < 2 {
		return nil, eris.Wrapf(ErrInvalidAddress, "address: %q has no city or state", raw)
	}

	var comp model.AddressComponents

	// County may appear as its own segment, e.g. "..., Chicago, Cook County, IL 60602".
	kept := segs[:0]
	for i, s := range segs {
		if i > 0 && strings.HasSuffix(s, " COUNTY") {
			comp.County = strings.TrimSuffix(s, " COUNTY")
			continue
		}
		kept = append(kept, s)
	}
	segs = kept

	last := segs[len(segs)-1]
	m := stateZipRe.FindStringSubmatch(last)
	if m == nil {
		// "CITY ST 12345" with no comma before the state.
		fields := strings.Fields(last)
		for i := len(fields) - 1; i > 0; i-- {
			if sm := stateZipRe.FindStringSubmatch(strings.Join(fields[i:], " ")); sm != nil {
				m = sm
				segs = append(segs[:len(segs)-1], strings.Join(fields[:i], " "), "")
				break
			}
		}
		if m == nil {
			return nil, eris.Wrapf(ErrInvalidAddress, "address: %q has no state", raw)
		}
	}
	comp.State, comp.Zip = m[1], m[2]
	segs = segs[:len(segs)-1]

	if len(segs) < 2 {
		return nil, eris.Wrapf(ErrInvalidAddress, "address: %q has no city", raw)
	}
	comp.City = segs[len(segs)-1]
	streetSegs := segs[:len(segs)-1]

	number, street, unit, err := parseStreet(streetSegs)
	if err != nil {
		return nil, eris.Wrapf(err, "address: parse %q", raw)
	}
	comp.Number, comp.Street, comp.Unit = number, street, unit

	return &model.NormalizedAddress{
		Input:      input,
		Canonical:  canonical(comp),
		Components: comp,
	}, nil
}

func (n *LocalNormalizer) fold(s string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", err
	}
	return n.upper.String(out), nil
}

// parseStreet splits the street segments into house number, abbreviated
// street and unit. A second segment is treated as the unit.
func parseStreet(segs []string) (number, street, unit string, err error) {
	words := strings.Fields(segs[0])
	if len(words) < 2 || !numberRe.MatchString(words[0]) {
		return "", "", "", eris.Wrap(ErrInvalidAddress, "missing house number or street")
	}
	number = words[0]
	words = words[1:]

	// Unit designator inside the street segment.
	for i, w := range words {
		if i == 0 {
			continue
		}
		if d, ok := unitDesignators[w]; ok && i+1 < len(words) {
			unit = d + " " + strings.Join(words[i+1:], " ")
			words = words[:i]
			break
		}
		if strings.HasPrefix(w, "#") && len(w) > 1 {
			unit = "# " + strings.Join(append([]string{w[1:]}, words[i+1:]...), " ")
			words = words[:i]
			break
		}
	}
	if unit == "" && len(segs) > 1 {
		unit = normalizeUnit(strings.Join(segs[1:], " "))
	}

	for i, w := range words {
		if d, ok := directionals[w]; ok && (i == 0 || i == len(words)-1) {
			words[i] = d
			continue
		}
		if s, ok := suffixes[w]; ok && i == len(words)-1 && i > 0 {
			words[i] = s
		}
	}
	// Suffix followed by a trailing directional ("MAIN STREET NORTH").
	if len(words) > 2 && isDirectional(words[len(words)-1]) {
		if s, ok := suffixes[words[len(words)-2]]; ok {
			words[len(words)-2] = s
		}
	}
	return number, strings.Join(words, " "), unit, nil
}

func isDirectional(w string) bool {
	for _, d := range directionals {
		if d == w {
			return true
		}
	}
	return false
}

func normalizeUnit(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	if d, ok := unitDesignators[words[0]]; ok {
		words[0] = d
		return strings.Join(words, " ")
	}
	if strings.HasPrefix(words[0], "#") && len(words[0]) > 1 {
		return "# " + strings.Join(append([]string{words[0][1:]}, words[1:]...), " ")
	}
	return strings.Join(words, " ")
}
