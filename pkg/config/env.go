package config

import (
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ReadFromEnv fills c from the process environment. Nested keys are separated
// by underscores, so POSTGRES_HOST populates the `host` field of the `postgres`
// section. Values present in defaults are used when the environment has none.
func ReadFromEnv(c interface{}, defaults interface{}) error {
	k := koanf.New(".")

	if defaults != nil {
		if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
			return err
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		return err
	}

	return k.Unmarshal("", c)
}
