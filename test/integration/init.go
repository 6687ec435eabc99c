package integration

import (
	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/device/software"
)

// init registers the file-based driver for testing
func init() {
	device.Register(software.DriverName, software.NewDriver())
}
