// Package config provides configuration loading and validation for the
// Navien bridge.
//
// Configuration is loaded from a single YAML file with environment variable
// overrides for deployment-specific values (broker address, credentials,
// gateway address). Precedence: defaults < YAML < environment.
//
// The package also defines the DeviceDescriptor model: the declarative,
// immutable description of each wallpad device (addressing, class, packet
// mappings, room expansion) that the device registry expands into entities.
// Structural validation happens here at load time; semantic descriptor
// validation (duplicate addressing, conflicting room counts) is performed
// by the registry when it builds.
package config
