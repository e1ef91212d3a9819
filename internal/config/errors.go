// internal/config/errors.go
package config

import "errors"

// Configuration errors
var (
	// ErrInvalidAddr indicates the listen address is empty
	ErrInvalidAddr = errors.New("server address is required")

	// ErrUnknownDatabase indicates a database type other than sqlite or postgres
	ErrUnknownDatabase = errors.New("database type must be sqlite or postgres")

	// ErrMissingDSN indicates postgres was selected without a connection string
	ErrMissingDSN = errors.New("postgres dsn is required")

	// ErrMissingSQLitePath indicates sqlite was selected without a file path
	ErrMissingSQLitePath = errors.New("sqlite path is required")

	// ErrMissingDefaultAverage indicates the regional averages lack the "default" key
	ErrMissingDefaultAverage = errors.New(`regional averages must contain a "default" entry`)

	// ErrInvalidIntensity indicates a negative or non-finite regional average
	ErrInvalidIntensity = errors.New("regional averages must be finite and >= 0")

	// ErrInvalidRetry indicates a non-positive retry bound
	ErrInvalidRetry = errors.New("retry attempts and intervals must be positive")

	// ErrInvalidInterval indicates a non-positive agent interval
	ErrInvalidInterval = errors.New("agent poll and sync intervals must be positive")
)
