package county

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/property-cli/internal/model"
)

// recordFromAttributes maps source attributes onto a CountyRecord. fields
// maps record field names (parcel_id, owner_name, ...) to attribute names;
// a nil map means the attributes already use record field names.
func recordFromAttributes(attrs map[string]any, fields map[string]string) *model.CountyRecord {
	get := func(name string) any {
		src := name
		if fields != nil {
			mapped, ok := fields[name]
			if !ok {
				return nil
			}
			src = mapped
		}
		if v, ok := attrs[src]; ok {
			return v
		}
		// Attribute names are not case sensitive in ArcGIS.
		for k, v := range attrs {
			if strings.EqualFold(k, src) {
				return v
			}
		}
		return nil
	}

	return &model.CountyRecord{
		ParcelID:            asString(get("parcel_id")),
		FullAddress:         asString(get("full_address")),
		LegalDescription:    asString(get("legal_description")),
		LandUseCode:         asString(get("land_use_code")),
		PropertyClass:       asString(get("property_class")),
		LotSizeSqft:         asFloat(get("lot_size_sqft")),
		Acreage:             asFloat(get("acreage")),
		BuildingSqft:        asFloat(get("building_sqft")),
		YearBuilt:           asYear(get("year_built")),
		MarketValue:         asFloat(get("market_value")),
		AssessedValue:       asFloat(get("assessed_value")),
		TaxYear:             asYear(get("tax_year")),
		AnnualPropertyTax:   asFloat(get("annual_property_tax")),
		DelinquentTax:       asFloat(get("delinquent_tax_amount")),
		LastSaleDate:        asDate(get("last_sale_date")),
		LastSalePrice:       asFloat(get("last_sale_price")),
		OwnerName:           asString(get("owner_name")),
		OwnerMailingAddress: asString(get("owner_mailing_address")),
		Attributes:          attrs,
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(t)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func asYear(v any) *int {
	f := asFloat(v)
	if f == nil || *f < 1 {
		return nil
	}
	y := int(*f)
	return &y
}

// asDate accepts an ArcGIS epoch-millisecond date or a date string.
func asDate(v any) string {
	if f, ok := v.(float64); ok {
		if f <= 0 {
			return ""
		}
		return time.UnixMilli(int64(f)).UTC().Format(time.DateOnly)
	}
	return asString(v)
}
