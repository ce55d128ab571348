// Package catalog defines the flag kinds known to the flagtree server and
// their default values.
package catalog

import (
	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/flags/types"
)

// GameMode is the value type of GameModeFlag.
type GameMode string

const (
	GameModeSurvival  GameMode = "SURVIVAL"
	GameModeCreative  GameMode = "CREATIVE"
	GameModeAdventure GameMode = "ADVENTURE"
	GameModeSpectator GameMode = "SPECTATOR"
)

// Weather is the value type of WeatherFlag.
type Weather string

const (
	WeatherClear   Weather = "CLEAR"
	WeatherRain    Weather = "RAIN"
	WeatherThunder Weather = "THUNDER"
)

// Default instances. Each one defines its kind.
var (
	MaxPlayers  = types.NewInteger("MaxPlayersFlag", 10)
	SpawnRadius = types.NewReal("SpawnRadiusFlag", 16)
	Mode        = types.MustEnum("GameModeFlag", GameModeSurvival,
		GameModeSurvival, GameModeCreative, GameModeAdventure, GameModeSpectator)
	Weathers = types.MustEnum("WeatherFlag", WeatherClear,
		WeatherClear, WeatherRain, WeatherThunder)
	Greeting = types.NewText("GreetingFlag", "welcome")
)

// Defaults returns the default instance of every kind, in registration
// order.
func Defaults() []flags.Flag {
	return []flags.Flag{MaxPlayers, SpawnRadius, Mode, Weathers, Greeting}
}

// Register adds every default to reg.
func Register(reg *flags.Registry) {
	reg.AddAll(Defaults()...)
}
