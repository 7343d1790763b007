package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "DATAHAUL"

// LoadConfig reads config.yaml from defaultPath, merges each of overrideConfigs on top of it in order and finally
// applies any DATAHAUL_ prefixed environment variables before decoding the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WithMessagef(err, "error reading base config path=%s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithMessage(err, "error decoding config")
	}
	return v, nil
}
