package config

import (
	"reflect"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks replaces viper's default decode hooks. Durations and comma separated slices keep working, and any
// type implementing encoding.TextUnmarshaler (e.g. ingest.ExhaustedPolicy) can be decoded from a plain string.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarCompressionTypeHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return ParsePulsarCompressionType(data.(string))
	}
}
