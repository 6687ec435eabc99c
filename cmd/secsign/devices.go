package main

import (
	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/device/software"
	"github.com/open-verix/secsign/internal/device/token"
)

// init registers the credential drivers the binary ships with.
func init() {
	device.Register(software.DriverName, software.NewDriver())
	device.Register(token.DriverName, token.NewDriver())
}
