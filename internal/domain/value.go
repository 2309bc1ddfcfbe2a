package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// FieldValue kinds.
const (
	ValueString   = "string"
	ValueNumber   = "number"
	ValueDate     = "date"
	ValueBool     = "bool"
	ValueDocument = "document"
)

// FieldValue is the tagged variant carried in step submissions. It replaces
// the untyped field bags of the intake layer with a closed set of shapes:
// string, number, date, bool or document reference.
type FieldValue struct {
	Kind     string
	Str      string
	Num      decimal.Decimal
	Date     string
	Bool     bool
	Document DocumentRef
}

func StringValue(s string) FieldValue { return FieldValue{Kind: ValueString, Str: s} }

func NumberValue(d decimal.Decimal) FieldValue { return FieldValue{Kind: ValueNumber, Num: d} }

func DateValue(date string) FieldValue { return FieldValue{Kind: ValueDate, Date: date} }

func BoolValue(b bool) FieldValue { return FieldValue{Kind: ValueBool, Bool: b} }

func DocumentValue(ref DocumentRef) FieldValue {
	return FieldValue{Kind: ValueDocument, Document: ref}
}

// Float reports the value as a float64 binding for formula evaluation.
// Only number values are bindable.
func (v FieldValue) Float() (float64, bool) {
	if v.Kind != ValueNumber {
		return 0, false
	}
	f, _ := v.Num.Float64()
	return f, true
}

type fieldValueJSON struct {
	Kind     string           `json:"kind" enum:"string,number,date,bool,document"`
	String   *string          `json:"string,omitempty"`
	Number   *decimal.Decimal `json:"number,omitempty"`
	Date     *string          `json:"date,omitempty" format:"date"`
	Bool     *bool            `json:"bool,omitempty"`
	Document *DocumentRef     `json:"document,omitempty"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	out := fieldValueJSON{Kind: v.Kind}
	switch v.Kind {
	case ValueString:
		out.String = &v.Str
	case ValueNumber:
		n := v.Num
		out.Number = &n
	case ValueDate:
		out.Date = &v.Date
	case ValueBool:
		out.Bool = &v.Bool
	case ValueDocument:
		d := v.Document
		out.Document = &d
	default:
		return nil, fmt.Errorf("unknown field value kind %q", v.Kind)
	}
	return json.Marshal(out)
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var in fieldValueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = FieldValue{Kind: in.Kind}
	switch in.Kind {
	case ValueString:
		if in.String != nil {
			v.Str = *in.String
		}
	case ValueNumber:
		if in.Number == nil {
			return fmt.Errorf("number field value missing number")
		}
		v.Num = *in.Number
	case ValueDate:
		if in.Date != nil {
			v.Date = *in.Date
		}
	case ValueBool:
		if in.Bool != nil {
			v.Bool = *in.Bool
		}
	case ValueDocument:
		if in.Document != nil {
			v.Document = *in.Document
		}
	default:
		return fmt.Errorf("unknown field value kind %q", in.Kind)
	}
	return nil
}
