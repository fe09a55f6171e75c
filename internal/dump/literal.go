package dump

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var plainNumber = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)

var numericTypes = map[string]bool{
	"smallint":         true,
	"integer":          true,
	"bigint":           true,
	"real":             true,
	"double precision": true,
	"numeric":          true,
	"decimal":          true,
}

func baseType(colType string) string {
	if i := strings.IndexByte(colType, '('); i >= 0 {
		return colType[:i]
	}
	return colType
}

// IsNumericType reports whether values of colType are written unquoted.
func IsNumericType(colType string) bool {
	return numericTypes[baseType(colType)]
}

// TextLiteral renders a column value read as ::text. A nil value is NULL.
// Numbers and booleans are written verbatim when their text is a plain
// number or true/false. Everything else, including NaN, is quoted.
func TextLiteral(colType string, value *string) string {
	if value == nil {
		return "NULL"
	}
	v := *value
	switch {
	case IsNumericType(colType) && plainNumber.MatchString(v):
		return v
	case colType == "boolean" && (v == "true" || v == "false"):
		return v
	default:
		return QuoteString(v)
	}
}

// Literal renders a Go value as a SQL literal using the same rules as dumped
// rows. Maps, slices and structs are encoded as JSON and quoted.
func Literal(v any) string {
	if v == nil {
		return "NULL"
	}
	switch x := v.(type) {
	case string:
		return QuoteString(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return floatLiteral(float64(x), 32)
	case float64:
		return floatLiteral(x, 64)
	case time.Time:
		return QuoteString(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return QuoteString(`\x` + hex.EncodeToString(x))
	case json.RawMessage:
		return QuoteString(string(x))
	case fmt.Stringer:
		return QuoteString(x.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "NULL"
		}
		return Literal(rv.Elem().Interface())
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
			return "NULL"
		}
		data, err := json.Marshal(v)
		if err != nil {
			return QuoteString(fmt.Sprint(v))
		}
		return QuoteString(string(data))
	}
	return QuoteString(fmt.Sprint(v))
}

func floatLiteral(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "'NaN'"
	case math.IsInf(f, 1):
		return "'Infinity'"
	case math.IsInf(f, -1):
		return "'-Infinity'"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}
