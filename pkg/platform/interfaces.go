// Package platform provides the registry of per-device platforms. Each
// configured device is forwarded to every registered platform when it is set
// up; platforms register themselves from init() or explicitly at startup.
package platform

// Platform is one per-device consumer of coordinator results (the sensor
// entities, metrics, history)
type Platform interface {
	// Name returns the platform name used for registration and logging.
	Name() string

	// Start publishes the current result and subscribes to coordinator updates.
	Start() error

	// Stop unsubscribes and releases everything the platform holds for the device.
	Stop()
}

// Factory creates a platform instance for one device
type Factory func(ctx *Context) (Platform, error)
