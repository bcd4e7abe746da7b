package diameter

import (
	"fmt"
	"reflect"
)

// AttributeDef describes how one struct field maps to one AVP, mirroring
// original_source's AvpGenDef: a catalogue of these is what a Message
// subclass would call its avp_def.
type AttributeDef struct {
	FieldName string // Go struct field name on the target object
	Code      uint32
	VendorID  uint32

	// Required marks the attribute as mandatory when generating AVPs: a
	// missing or zero-valued field either raises (strict) or is skipped
	// (lenient) in AvpsFromAttributes.
	Required bool

	// MandatoryOverride overrides the AVP header's Mandatory flag;
	// nil means "not mandatory" (this package carries no AVP dictionary
	// default-mandatory table — see DESIGN.md).
	MandatoryOverride *bool

	// DataType is the AVP's wire type, ignored when GroupedType is set.
	DataType AVPDataType

	// GroupedType, if non-nil, is the struct type nested at this field for
	// a grouped AVP; that type must implement AttributeCataloguer. The
	// field itself must be either that struct type's pointer, or a slice
	// of that pointer type.
	GroupedType reflect.Type
}

// AttributeCatalogue is an ordered set of AttributeDef, equivalent to
// original_source's avp_def tuple.
type AttributeCatalogue []AttributeDef

// AttributeCataloguer is implemented by any struct used as a grouped AVP's
// nested value; it supplies its own catalogue the way a top-level object's
// avp_def attribute does in original_source.
type AttributeCataloguer interface {
	AvpCatalogue() AttributeCatalogue
}

// additionalAvpsFieldName is the by-convention field name for AVPs that
// matched no descriptor (original_source's additional_avps list), carried
// untouched by both directions of the mapper.
const additionalAvpsFieldName = "AdditionalAvps"

func structElem(obj interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("diameter: attribute mapper requires a non-nil pointer to a struct, got %T", obj)
	}
	return v.Elem(), nil
}

func catalogueIndex(catalogue AttributeCatalogue) map[avpFullyQualifiedCodeType]*AttributeDef {
	idx := make(map[avpFullyQualifiedCodeType]*AttributeDef, len(catalogue))
	for i := range catalogue {
		d := &catalogue[i]
		idx[avpFullyQualifiedCodeType{vendorID: d.VendorID, code: d.Code}] = d
	}
	return idx
}

// PopulateFromAvps walks avps in order and assigns each one to the struct
// field obj's catalogue describes for its code/vendor pair, recursing into
// nested AttributeCataloguer values for grouped AVPs. An AVP matching no
// descriptor is appended to obj's AdditionalAvps field, if it has one,
// per spec §4.4. A decode error on a single AVP is silently skipped,
// leaving that field unset, rather than failing the whole call.
func PopulateFromAvps(obj interface{}, catalogue AttributeCatalogue, avps []*AVP) error {
	elem, err := structElem(obj)
	if err != nil {
		return err
	}

	idx := catalogueIndex(catalogue)

	for _, avp := range avps {
		def, ok := idx[avpFullyQualifiedCodeType{vendorID: avp.VendorID, code: avp.Code}]
		if !ok {
			appendAdditionalAvp(elem, avp)
			continue
		}
		assignField(elem, def, avp)
	}

	return nil
}

func appendAdditionalAvp(elem reflect.Value, avp *AVP) {
	f := elem.FieldByName(additionalAvpsFieldName)
	if !f.IsValid() || f.Type() != reflect.TypeOf([]*AVP{}) {
		return
	}
	f.Set(reflect.Append(f, reflect.ValueOf(avp)))
}

// assignField decodes one AVP into the field def names. Errors are neither
// propagated nor logged: a malformed AVP leaves the field unset and the
// caller is not told about it.
func assignField(elem reflect.Value, def *AttributeDef, avp *AVP) {
	field := elem.FieldByName(def.FieldName)
	if !field.IsValid() {
		return
	}

	if def.GroupedType != nil {
		subAvps, err := ConvertAVPDataToTypedData(avp.Data, Grouped)
		if err != nil {
			return
		}
		nested := reflect.New(def.GroupedType)
		cataloguer, ok := nested.Interface().(AttributeCataloguer)
		if !ok {
			return
		}
		if err := PopulateFromAvps(nested.Interface(), cataloguer.AvpCatalogue(), subAvps.([]*AVP)); err != nil {
			return
		}

		if field.Kind() == reflect.Slice {
			field.Set(reflect.Append(field, nested))
		} else {
			field.Set(nested)
		}
		return
	}

	value, err := ConvertAVPDataToTypedData(avp.Data, def.DataType)
	if err != nil {
		return
	}

	valueRefl := reflect.ValueOf(value)
	if field.Kind() == reflect.Slice {
		field.Set(reflect.Append(field, valueRefl))
		return
	}
	if !valueRefl.Type().AssignableTo(field.Type()) {
		return
	}
	field.Set(valueRefl)
}

// AvpsFromAttributes walks catalogue in order and produces an AVP for each
// populated field, recursing into AttributeCataloguer values for grouped
// AVPs and emitting one grouped AVP per slice element. A Required field
// left unset raises in strict mode and is silently skipped otherwise. The
// object's AdditionalAvps, if any, are appended at the end, preserving
// insertion order, per spec §4.4.
func AvpsFromAttributes(obj interface{}, catalogue AttributeCatalogue, strict bool) ([]*AVP, error) {
	elem, err := structElem(obj)
	if err != nil {
		return nil, err
	}

	var avps []*AVP

	for i := range catalogue {
		def := &catalogue[i]
		field := elem.FieldByName(def.FieldName)
		missing := !field.IsValid() || field.IsZero()

		if missing {
			if def.Required && strict {
				return nil, fmt.Errorf("diameter: mandatory AVP attribute %q is not set", def.FieldName)
			}
			continue
		}

		generated, err := generateAvpsForField(field, def)
		if err != nil {
			return nil, fmt.Errorf("diameter: failed to generate AVP for attribute %q: %w", def.FieldName, err)
		}
		avps = append(avps, generated...)
	}

	if f := elem.FieldByName(additionalAvpsFieldName); f.IsValid() && f.Type() == reflect.TypeOf([]*AVP{}) {
		for i := 0; i < f.Len(); i++ {
			avps = append(avps, f.Index(i).Interface().(*AVP))
		}
	}

	return avps, nil
}

func generateAvpsForField(field reflect.Value, def *AttributeDef) ([]*AVP, error) {
	mandatory := false
	if def.MandatoryOverride != nil {
		mandatory = *def.MandatoryOverride
	}

	if def.GroupedType != nil {
		if field.Kind() == reflect.Slice {
			result := make([]*AVP, 0, field.Len())
			for i := 0; i < field.Len(); i++ {
				avp, err := groupedAvpFor(field.Index(i), def, mandatory)
				if err != nil {
					return nil, err
				}
				result = append(result, avp)
			}
			return result, nil
		}

		avp, err := groupedAvpFor(field, def, mandatory)
		if err != nil {
			return nil, err
		}
		return []*AVP{avp}, nil
	}

	if field.Kind() == reflect.Slice {
		result := make([]*AVP, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			result = append(result, NewTypedAVP(def.Code, def.VendorID, mandatory, def.DataType, field.Index(i).Interface()))
		}
		return result, nil
	}

	return []*AVP{NewTypedAVP(def.Code, def.VendorID, mandatory, def.DataType, field.Interface())}, nil
}

func groupedAvpFor(v reflect.Value, def *AttributeDef, mandatory bool) (*AVP, error) {
	ptr := v
	if v.Kind() != reflect.Ptr {
		ptr = v.Addr()
	}
	if ptr.IsNil() {
		return nil, fmt.Errorf("nil value for grouped AVP code %d", def.Code)
	}

	cataloguer, ok := ptr.Interface().(AttributeCataloguer)
	if !ok {
		return nil, fmt.Errorf("grouped type %s does not implement AttributeCataloguer", ptr.Type())
	}

	subAvps, err := AvpsFromAttributes(ptr.Interface(), cataloguer.AvpCatalogue(), false)
	if err != nil {
		return nil, err
	}

	return NewTypedAVP(def.Code, def.VendorID, mandatory, Grouped, subAvps), nil
}
