package logger

import (
	"net/url"
	"reflect"
	"strings"
)

const (
	// DefaultMaxDepth is the default maximum recursion depth for filtering
	DefaultMaxDepth = 8

	// DefaultMaskValue replaces sensitive values
	DefaultMaskValue = "***"
)

// FilterConfig defines the configuration for sensitive data filtering
type FilterConfig struct {
	// SensitiveFields contains field name fragments that should be masked in logs
	SensitiveFields []string
	// MaskValue is the value used to replace sensitive data (default: "***")
	MaskValue string
}

// DefaultFilterConfig returns a configuration covering credentials handled by the client
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "pwd",
			"secret", "api_key", "apikey",
			"token", "access_token", "refresh_token",
			"authorization",
			"credential", "credentials",
		},
		MaskValue: DefaultMaskValue,
	}
}

// SensitiveDataFilter masks values whose field names look like credentials.
type SensitiveDataFilter struct {
	config *FilterConfig
}

// NewSensitiveDataFilter creates a new filter with the given configuration
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaskValue == "" {
		config.MaskValue = DefaultMaskValue
	}
	return &SensitiveDataFilter{config: config}
}

// FilterString filters sensitive data from string values
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if f.isSensitiveField(key) {
		return f.maskString(value)
	}
	return value
}

// FilterValue filters sensitive data from any values
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	return f.filterValue(key, value, DefaultMaxDepth)
}

// FilterFields filters a map of fields for sensitive data
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	filtered := make(map[string]any, len(fields))
	for key, value := range fields {
		filtered[key] = f.FilterValue(key, value)
	}
	return filtered
}

func (f *SensitiveDataFilter) filterValue(key string, value any, depth int) any {
	if f.isSensitiveField(key) {
		if s, ok := value.(string); ok {
			return f.maskString(s)
		}
		return f.config.MaskValue
	}
	if value == nil || depth <= 0 {
		return value
	}

	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, inner := range m {
			out[k] = f.filterValue(k, inner, depth-1)
		}
		return out
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch {
	case rv.Kind() == reflect.Struct:
		return f.filterStruct(rv, depth)
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		// covers http.Header, url.Values and map[string]string
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			out[k] = f.filterValue(k, iter.Value().Interface(), depth-1)
		}
		return out
	}
	return value
}

// filterStruct converts a struct into a map keyed by json names with sensitive fields masked
func (f *SensitiveDataFilter) filterStruct(rv reflect.Value, depth int) map[string]any {
	rt := rv.Type()
	result := make(map[string]any, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(&field)
		if name == "" {
			continue
		}
		result[name] = f.filterValue(name, rv.Field(i).Interface(), depth-1)
	}
	return result
}

// fieldName prefers the json tag; "" means skip
func fieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if idx := strings.Index(tag, ","); idx != -1 {
		tag = tag[:idx]
	}
	if tag == "" {
		return field.Name
	}
	return tag
}

// isSensitiveField checks if a field name is considered sensitive
func (f *SensitiveDataFilter) isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, sensitive := range f.config.SensitiveFields {
		if strings.Contains(lower, strings.ToLower(sensitive)) {
			return true
		}
	}
	return false
}

// maskString masks sensitive string values; URLs keep their structure
func (f *SensitiveDataFilter) maskString(value string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return f.maskURL(value)
	}
	return f.config.MaskValue
}

// maskURL masks the password in a URL's user info and leaves the rest intact
func (f *SensitiveDataFilter) maskURL(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return f.config.MaskValue
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			// Built by hand so the mask is not percent-encoded.
			var b strings.Builder
			b.WriteString(parsed.Scheme)
			b.WriteString("://")
			b.WriteString(parsed.User.Username())
			b.WriteByte(':')
			b.WriteString(f.config.MaskValue)
			b.WriteByte('@')
			b.WriteString(parsed.Host)
			b.WriteString(parsed.EscapedPath())
			if parsed.RawQuery != "" {
				b.WriteByte('?')
				b.WriteString(parsed.RawQuery)
			}
			return b.String()
		}
	}
	return urlStr
}
