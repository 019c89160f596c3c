package serialization

import (
	"fmt"
	"strings"
	"time"

	"github.com/glimte/smfcore/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// encodeProperties converts user properties into header-table entries.
// Reserved names are refused.
func encodeProperties(props contracts.Properties, into amqp.Table) error {
	for key, value := range props {
		if isReserved(key) {
			return contracts.NewValidationError("properties."+key, "header name is reserved")
		}
		if value == nil {
			continue
		}
		into[key] = toTableValue(contracts.NormalizeProperty(value))
	}
	return nil
}

func toTableValue(v any) any {
	if nested, ok := v.(contracts.Properties); ok {
		table := make(amqp.Table, len(nested))
		for k, nv := range nested {
			table[k] = toTableValue(nv)
		}
		return table
	}
	return v
}

// decodeProperties collects every non-reserved header as a user property.
func decodeProperties(headers amqp.Table) contracts.Properties {
	var props contracts.Properties
	for key, value := range headers {
		if isReserved(key) || value == nil {
			continue
		}
		if props == nil {
			props = make(contracts.Properties)
		}
		props[key] = fromTableValue(value)
	}
	return props
}

// fromTableValue maps a header value onto the property variants. Types
// without a variant degrade to their string form.
func fromTableValue(v any) any {
	switch t := v.(type) {
	case amqp.Table:
		nested := make(contracts.Properties, len(t))
		for k, nv := range t {
			if nv == nil {
				continue
			}
			nested[k] = fromTableValue(nv)
		}
		return nested
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case amqp.Decimal:
		return fmt.Sprintf("%de-%d", t.Value, t.Scale)
	default:
		return contracts.NormalizeProperty(t)
	}
}

func isReserved(key string) bool {
	return strings.HasPrefix(key, HeaderPrefix) || key == HeaderDeliveryCount
}

// headerInt reads an integer header of any width.
func headerInt(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}
