package configuration

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
)

// DefineParameters registers a flag for every field of the given parameter
// struct. Flag names are derived from the field names (lowerCamelCase) or the
// "name" tag, prefixed with the given namespace; defaults and usage come from
// the "default" and "usage" tags.
func DefineParameters(parameters interface{}, prefix string) {
	val := reflect.ValueOf(parameters).Elem()
	for i := 0; i < val.NumField(); i++ {
		valueField := val.Field(i)
		typeField := val.Type().Field(i)

		valueAddr := valueField.Addr().Interface()
		name := typeField.Tag.Get("name")
		if name == "" {
			name = lowerCamelCase(typeField.Name)
		}
		name = prefix + "." + name
		usage := typeField.Tag.Get("usage")

		switch valueField.Interface().(type) {
		case bool:
			defaultValue, err := strconv.ParseBool(typeField.Tag.Get("default"))
			if err != nil {
				panic(err)
			}
			pflag.BoolVar(valueAddr.(*bool), name, defaultValue, usage)
		case int:
			defaultValue, err := strconv.Atoi(typeField.Tag.Get("default"))
			if err != nil {
				panic(err)
			}
			pflag.IntVar(valueAddr.(*int), name, defaultValue, usage)
		case float64:
			defaultValue, err := strconv.ParseFloat(typeField.Tag.Get("default"), 64)
			if err != nil {
				panic(err)
			}
			pflag.Float64Var(valueAddr.(*float64), name, defaultValue, usage)
		case string:
			pflag.StringVar(valueAddr.(*string), name, typeField.Tag.Get("default"), usage)
		case time.Duration:
			defaultValue, err := time.ParseDuration(typeField.Tag.Get("default"))
			if err != nil {
				panic(err)
			}
			pflag.DurationVar(valueAddr.(*time.Duration), name, defaultValue, usage)
		case []string:
			var defaultValue []string
			if tag := typeField.Tag.Get("default"); tag != "" {
				defaultValue = strings.Split(tag, ",")
			}
			pflag.StringSliceVar(valueAddr.(*[]string), name, defaultValue, usage)
		default:
			panic("unsupported parameter type " + typeField.Type.String())
		}
	}
}

func lowerCamelCase(str string) string {
	runes := []rune(str)
	for i := range runes {
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}
