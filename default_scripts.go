// Package quickble bundles the example profile and script shipped with the command line tool.
package quickble

import _ "embed"

// HeartRateProfile is a heart rate monitor profile, loadable with profile.Parse.
//
//go:embed examples/heart_rate.yaml
var HeartRateProfile []byte

// HeartRateScript simulates a heart rate monitor through the Lua API.
//
//go:embed examples/heart_rate.lua
var HeartRateScript string
