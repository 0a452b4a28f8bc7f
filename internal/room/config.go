package room

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// Capacity is the seat count for rooms that do not ask for one.
	Capacity int `envconfig:"ROOM_CAPACITY" default:"8"`

	// MaxCapacity bounds what a create request may ask for.
	MaxCapacity int `envconfig:"ROOM_MAX_CAPACITY" default:"64"`
}

func NewConfig() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	return &config, nil
}
