package device

import (
	"fmt"
	"sort"
	"sync"
)

var (
	drivers   = make(map[string]Driver)
	driversMu sync.RWMutex
)

// Register makes a driver available by name. It is called from the
// binary's wiring code.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	drivers[name] = d
}

// Get returns a registered driver.
func Get(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, &DriverNotFoundError{Name: name}
	}
	return d, nil
}

// List returns registered driver names, sorted.
func List() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DriverNotFoundError is returned when no driver is registered under Name.
type DriverNotFoundError struct {
	Name string
}

func (e *DriverNotFoundError) Error() string {
	return fmt.Sprintf("device driver not found: %s", e.Name)
}
